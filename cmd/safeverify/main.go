// Command safeverify serves the SafeVerify workflows over HTTP and gives
// reviewers access to persisted outcomes.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "safeverify",
	Short:         "SafeVerify workflow service",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `safeverify runs the fraud report, property and tenant verification
workflows and stores their outcomes.

Settings come from an optional config file, a .env file and SAFEVERIFY_
environment variables, e.g. SAFEVERIFY_STORE_BACKEND=dynamodb.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
