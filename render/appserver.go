package render

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/codexsdk/appserver"
)

// Notification renders one app-server notification. Methods it has no view
// for are shown as status lines in verbose mode only.
func (r *Renderer) Notification(n appserver.Notification) {
	if n.IsRestartMarker() {
		var m appserver.RestartMarker
		if err := json.Unmarshal(n.Params, &m); err == nil {
			r.Restarted(m.PreviousEpoch, m.Epoch, m.Restarts, m.Reason)
		}
		return
	}

	p := gjson.ParseBytes(n.Params)
	switch n.Method {
	case appserver.NotifyThreadStarted:
		r.SessionInfo(p.Get("thread.id").Str, p.Get("thread.model").Str)
	case appserver.NotifyTurnStarted:
		r.mu.Lock()
		r.turnStarted = n.Received
		r.mu.Unlock()
	case appserver.NotifyAgentMessageDelta:
		r.Text(p.Get("delta").Str)
	case appserver.NotifyReasoningDelta:
		r.Reasoning(p.Get("delta").Str)
	case appserver.NotifyItemStarted:
		item := p.Get("item")
		if item.Get("type").Str == "commandExecution" {
			r.CommandStart(item.Get("id").Str, commandLine(item.Get("command")))
		}
	case appserver.NotifyItemCompleted:
		r.itemCompleted(p.Get("item"))
	case appserver.NotifyTokenUsage:
		total := p.Get("tokenUsage.total")
		if !total.Exists() {
			total = p.Get("usage")
		}
		r.SetUsage(Usage{
			InputTokens:  total.Get("inputTokens").Int(),
			OutputTokens: total.Get("outputTokens").Int(),
		})
	case appserver.NotifyTurnCompleted:
		status := p.Get("turn.status").Str
		if status == "" {
			status = string(appserver.TurnStatusCompleted)
		}
		r.TurnComplete(status == string(appserver.TurnStatusCompleted), status, r.sinceTurnStart(n.Received))
	case appserver.NotifyError:
		msg := p.Get("error.message").Str
		if msg == "" {
			msg = p.Get("message").Str
		}
		r.Error(errors.New(msg), "app-server")
	default:
		if r.verbose {
			r.Status(n.Method)
		}
	}
}

func (r *Renderer) itemCompleted(item gjson.Result) {
	switch item.Get("type").Str {
	case "commandExecution":
		r.CommandEnd(item.Get("id").Str, commandLine(item.Get("command")),
			int(item.Get("exitCode").Int()), item.Get("durationMs").Int())
	case "fileChange":
		for _, ch := range item.Get("changes").Array() {
			kind := ch.Get("kind")
			if kind.IsObject() {
				kind = kind.Get("type")
			}
			r.FileChange(ch.Get("path").Str, kind.String())
		}
	}
}

func (r *Renderer) sinceTurnStart(now time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turnStarted.IsZero() || now.IsZero() {
		return 0
	}
	d := now.Sub(r.turnStarted)
	r.turnStarted = time.Time{}
	return d.Milliseconds()
}

// commandLine accepts both the string and argv forms of a command.
func commandLine(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var out []byte
	for i, part := range v.Array() {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, part.String()...)
	}
	return string(out)
}
