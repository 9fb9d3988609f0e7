// Package main is the entry point for the relaydesk CLI.
package main

import (
	"os"

	"github.com/KafClaw/relaydesk/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
