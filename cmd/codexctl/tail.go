package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/codexsdk/exec"
	"github.com/bazelment/yoloswe/codexsdk/render"
)

var tailFollow bool

var tailCmd = &cobra.Command{
	Use:   "tail FILE",
	Short: "Render a codex exec --json log as it is written",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r := render.NewRenderer(os.Stdout, verbose, noColor)
		err := exec.TailLog(ctx, args[0], func(ev exec.Event) bool {
			r.ExecEvent(ev)
			switch ev.(type) {
			case exec.TurnCompletedEvent, exec.TurnFailedEvent:
				return tailFollow
			}
			return true
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep following after the turn ends")
}
