package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"popfork/logx"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Read or write forked storage on a running fork",
}

var storageGetCmd = &cobra.Command{
	Use:   "get <key-hex>",
	Short: "Read a storage key at the current tip",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := callRPC("state_getStorage", []interface{}{args[0]})
		if err != nil {
			logx.Error("CMD", "get storage:", err.Error())
			os.Exit(1)
		}
		if result == nil {
			fmt.Println("null")
			return
		}
		fmt.Println(result)
	},
}

var storageSetCmd = &cobra.Command{
	Use:   "set <key-hex> <value-hex>",
	Short: "Write a storage key, sealing a new block",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		entry := map[string]interface{}{"key": args[0], "value": args[1]}
		result, err := callRPC("dev_setStorage", []interface{}{[]interface{}{entry}})
		if err != nil {
			logx.Error("CMD", "set storage:", err.Error())
			os.Exit(1)
		}
		fmt.Printf("committed in block %v\n", result)
	},
}

var storageDelCmd = &cobra.Command{
	Use:   "del <key-hex>",
	Short: "Delete a storage key, sealing a new block",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		entry := map[string]interface{}{"key": args[0], "delete": true}
		result, err := callRPC("dev_setStorage", []interface{}{[]interface{}{entry}})
		if err != nil {
			logx.Error("CMD", "delete storage:", err.Error())
			os.Exit(1)
		}
		fmt.Printf("committed in block %v\n", result)
	},
}

var storageKeysCmd = &cobra.Command{
	Use:   "keys <prefix-hex>",
	Short: "List storage keys under a prefix at the current tip",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := callRPC("state_getKeys", []interface{}{args[0]})
		if err != nil {
			logx.Error("CMD", "list keys:", err.Error())
			os.Exit(1)
		}
		keys, ok := result.([]interface{})
		if !ok {
			fmt.Println(result)
			return
		}
		for _, key := range keys {
			fmt.Println(key)
		}
	},
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageGetCmd, storageSetCmd, storageDelCmd, storageKeysCmd)
	storageCmd.PersistentFlags().StringVar(&rpcURL, "rpc", "http://localhost:8545", "Fork JSON-RPC address")
}
