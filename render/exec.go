package render

import (
	"errors"

	"github.com/bazelment/yoloswe/codexsdk/exec"
)

// ExecEvent renders one `codex exec` event.
func (r *Renderer) ExecEvent(ev exec.Event) {
	switch e := ev.(type) {
	case exec.ThreadStartedEvent:
		r.SessionInfo(e.ThreadID, "")
	case exec.ItemStartedEvent:
		if e.Item.Type == exec.ItemCommandExecution {
			r.CommandStart(e.Item.ID, e.Item.Command)
		}
	case exec.ItemCompletedEvent:
		r.execItem(e.Item)
	case exec.TurnCompletedEvent:
		r.SetUsage(Usage{InputTokens: e.Usage.InputTokens, OutputTokens: e.Usage.OutputTokens})
	case exec.TurnFailedEvent:
		r.Error(errors.New(e.Message), "turn failed")
	case exec.StreamErrorEvent:
		r.Error(errors.New(e.Message), "codex")
	case exec.ErrorEvent:
		r.Error(e.Error, e.Context)
	}
}

func (r *Renderer) execItem(item exec.Item) {
	switch item.Type {
	case exec.ItemAgentMessage:
		r.Text(item.Text + "\n")
	case exec.ItemReasoning:
		r.Reasoning(item.Text)
	case exec.ItemCommandExecution:
		code := 0
		if item.ExitCode != nil {
			code = *item.ExitCode
		}
		r.CommandEnd(item.ID, item.Command, code, 0)
	case exec.ItemFileChange:
		for _, ch := range item.Changes {
			r.FileChange(ch.Path, ch.Kind)
		}
	case exec.ItemError:
		r.Error(errors.New(item.Message), "item")
	}
}

// ExecResult prints the closing summary of an exec session.
func (r *Renderer) ExecResult(res *exec.Result) {
	if res == nil {
		return
	}
	status := "complete"
	if !res.Success {
		status = "failed"
	}
	r.TurnComplete(res.Success, status, res.Duration.Milliseconds())
}
