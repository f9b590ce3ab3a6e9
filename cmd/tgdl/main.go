package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tgdl/config"
)

const versionString = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "tgdl",
	Short: "Telegram media download orchestration engine.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tgdl " + versionString)
	},
}

func init() {
	config.SetFlagsFromConfig(runCmd)
	config.SetFlagsFromConfig(migrateCmd)
	config.SetFlagsFromConfig(loginCmd)
	rootCmd.AddCommand(runCmd, migrateCmd, loginCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
