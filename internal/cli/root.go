package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/relaydesk/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"           _             _           _    \n" +
		"  _ __ ___| | __ _ _   _| |  ___ ___| | __\n" +
		" | '__/ _ \\ |/ _` | | | | |/ _ / __| |/ /\n" +
		" | | |  __/ | (_| | |_| | | __\\__ \\   < \n" +
		" |_|  \\___|_|\\__,_|\\__, |_|\\___|___/_|\\_\\\n" +
		"                   |___/   desk\n"
)

var rootCmd = &cobra.Command{
	Use:   "relaydesk",
	Short: "relaydesk - business chat routing with human hand-off",
	Long:  color.CyanString(logo) + "\nRoutes business-account chats to an automated responder and hands them to people when needed.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(handoffsCmd)
	rootCmd.AddCommand(connectLinkCmd)
	rootCmd.AddCommand(configCmd)
}
