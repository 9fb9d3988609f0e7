package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvFiles lists the env files consulted before configuration is read, in
// the order they are applied. RELAYDESK_ENV_FILE comes first.
func EnvFiles() []string {
	var files []string
	if explicit := strings.TrimSpace(os.Getenv("RELAYDESK_ENV_FILE")); explicit != "" {
		files = append(files, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files,
			filepath.Join(home, ".config", "relaydesk", "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	seen := make(map[string]bool, len(files))
	out := files[:0]
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// LoadEnvFiles applies every readable env file from EnvFiles and returns the
// ones that were read. Variables already present in the process win.
func LoadEnvFiles() []string {
	var applied []string
	for _, f := range EnvFiles() {
		if _, err := applyEnvFile(f); err == nil {
			applied = append(applied, f)
		}
	}
	return applied
}

// applyEnvFile sets the unset variables named in path and reports how many
// it set.
func applyEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		set++
	}
	return set, sc.Err()
}

// parseEnvLine accepts KEY=value with an optional export prefix. Quoted
// values are taken literally; unquoted ones end at " #".
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, ok = strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') {
		if end := strings.IndexByte(val[1:], val[0]); end >= 0 {
			return key, val[1 : end+1], true
		}
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return key, val, true
}
