package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/codexsdk/exec"
	"github.com/bazelment/yoloswe/codexsdk/render"
)

var (
	execResume string
	execSchema string
)

var execCmd = &cobra.Command{
	Use:   "exec PROMPT",
	Short: "Run a one-shot codex exec session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		opts := append(cfg.ExecOptions(), exec.WithLogger(newLogger()))
		if execResume != "" {
			opts = append(opts, exec.WithResume(execResume))
		}
		if execSchema != "" {
			schema, err := readSchema(execSchema)
			if err != nil {
				return err
			}
			opts = append(opts, exec.WithOutputSchema(schema))
		}

		ctx := cmd.Context()
		s := exec.NewSession(args[0], opts...)
		if err := s.Start(ctx); err != nil {
			return err
		}
		defer s.Stop()

		go func() {
			select {
			case <-ctx.Done():
				_ = s.Stop()
			case <-s.Done():
			}
		}()

		r := render.NewRenderer(os.Stdout, verbose, noColor)
		for ev := range s.Events() {
			r.ExecEvent(ev)
		}
		res, err := s.Wait(context.Background())
		r.ExecResult(res)
		return err
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execResume, "resume", "", "Continue this thread")
	execCmd.Flags().StringVar(&execSchema, "output-schema", "", "JSON Schema file constraining the final message")
}
