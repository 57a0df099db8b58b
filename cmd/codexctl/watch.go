package main

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/codexsdk/appserver"
	"github.com/bazelment/yoloswe/codexsdk/render"
)

var watchJSON bool

// watchLine is one notification in --json mode.
type watchLine struct {
	Params    json.RawMessage `json:"params,omitempty"`
	Method    string          `json:"method"`
	TurnID    string          `json:"turnId,omitempty"`
	Epoch     uint64          `json:"epoch"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream app-server notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := startClient(ctx, newLogger())
		if err != nil {
			return err
		}
		defer client.Stop()

		r := render.NewRenderer(os.Stdout, verbose, noColor)
		enc := json.NewEncoder(os.Stdout)
		for {
			n, err := client.NextNotification(ctx)
			switch {
			case errors.Is(err, io.EOF) || ctx.Err() != nil:
				return nil
			case appserver.IsUnavailable(err):
				return err
			case appserver.IsDisconnected(err):
				// This epoch's stream is over; the next one starts after the
				// restart.
				r.Error(err, "disconnected")
				if err := client.Ready(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				continue
			case err != nil:
				return err
			}
			if watchJSON {
				if err := enc.Encode(watchLine{
					Method:    n.Method,
					Params:    n.Params,
					TurnID:    n.TurnID,
					Epoch:     n.Epoch,
					Synthetic: n.Synthetic,
				}); err != nil {
					return err
				}
				continue
			}
			r.Notification(n)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print notifications as JSON lines")
}
