package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAMS_JSON]",
	Short: "Send one JSON-RPC request and print the result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("params are not valid JSON: %s", args[1])
			}
			params = json.RawMessage(args[1])
		}

		ctx := cmd.Context()
		client, err := startClient(ctx, newLogger())
		if err != nil {
			return err
		}
		defer client.Stop()

		res, err := client.Call(ctx, args[0], params)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
