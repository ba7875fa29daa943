package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"popfork/logx"
)

var fundCmd = &cobra.Command{
	Use:   "fund <account> [amount]",
	Short: "Fund a dev account on a running fork",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		params := []interface{}{args[0]}
		if len(args) == 2 {
			params = append(params, args[1])
		}
		result, err := callRPC("dev_fund", params)
		if err != nil {
			logx.Error("CMD", "fund:", err.Error())
			os.Exit(1)
		}
		fmt.Printf("funded %s in block %v\n", args[0], result)
	},
}

func init() {
	rootCmd.AddCommand(fundCmd)
	fundCmd.Flags().StringVar(&rpcURL, "rpc", "http://localhost:8545", "Fork JSON-RPC address")
}
