package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"popfork/logx"
)

var blockCmd = &cobra.Command{
	Use:   "block [count]",
	Short: "Produce empty blocks on a running fork",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		count := 1
		if len(args) == 1 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil || parsed < 1 {
				logx.Error("CMD", "invalid block count:", args[0])
				os.Exit(1)
			}
			count = parsed
		}
		result, err := callRPC("dev_newBlock", []interface{}{count})
		if err != nil {
			logx.Error("CMD", "new block:", err.Error())
			os.Exit(1)
		}
		fmt.Printf("produced %d block(s), tip %v\n", count, result)
	},
}

func init() {
	rootCmd.AddCommand(blockCmd)
	blockCmd.Flags().StringVar(&rpcURL, "rpc", "http://localhost:8545", "Fork JSON-RPC address")
}
