package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/codexsdk/appserver"
	"github.com/bazelment/yoloswe/codexsdk/render"
)

var (
	turnThread  string
	turnModel   string
	turnCwd     string
	turnSandbox string
	turnSchema  string
)

var turnCmd = &cobra.Command{
	Use:   "turn PROMPT",
	Short: "Run one turn on a new or resumed thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := startClient(ctx, newLogger())
		if err != nil {
			return err
		}
		defer client.Stop()

		thread, err := openThread(ctx, client)
		if err != nil {
			return err
		}

		params := appserver.TurnStartParams{
			ThreadID: thread.ID,
			Model:    turnModel,
			Cwd:      turnCwd,
			Input:    []appserver.UserInput{appserver.TextInput(args[0])},
		}
		if turnSchema != "" {
			schema, err := readSchema(turnSchema)
			if err != nil {
				return err
			}
			params.OutputSchema = schema
		}

		h, err := client.StartTurn(ctx, params)
		if err != nil {
			return err
		}
		defer h.Close()

		r := render.NewRenderer(os.Stdout, verbose, noColor)
		r.SessionInfo(thread.ID, turnModel)
		for n, err := range h.Events(ctx) {
			if err != nil {
				break
			}
			r.Notification(n)
		}

		if ctx.Err() != nil {
			interruptCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return h.Interrupt(interruptCtx)
		}
		res, err := h.Wait(ctx)
		if err != nil {
			return err
		}
		if res.Status != appserver.TurnStatusCompleted {
			return fmt.Errorf("turn %s", res.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(turnCmd)
	turnCmd.Flags().StringVar(&turnThread, "thread", "", "Resume this thread instead of starting a new one")
	turnCmd.Flags().StringVar(&turnModel, "model", "", "Model override")
	turnCmd.Flags().StringVar(&turnCwd, "cwd", "", "Working directory for the thread")
	turnCmd.Flags().StringVar(&turnSandbox, "sandbox", "", "Sandbox mode for a new thread")
	turnCmd.Flags().StringVar(&turnSchema, "output-schema", "", "JSON Schema file constraining the final message")
}

func openThread(ctx context.Context, client *appserver.Client) (*appserver.Thread, error) {
	if turnThread != "" {
		return client.ResumeThread(ctx, appserver.ThreadResumeParams{
			ThreadID: turnThread,
			Model:    turnModel,
			Cwd:      turnCwd,
		})
	}
	return client.StartThread(ctx, appserver.ThreadStartParams{
		Model:   turnModel,
		Cwd:     turnCwd,
		Sandbox: appserver.SandboxMode(turnSandbox),
	})
}

func readSchema(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return data, nil
}
