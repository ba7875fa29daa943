package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"popfork/logx"
)

var rootCmd = &cobra.Command{
	Use:   "popfork",
	Short: "Chain fork engine CLI",
	Long:  "Fork a live chain locally: cached remote state, local overlay, block production and a JSON-RPC endpoint.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
