// Package render prints app-server notifications and exec events to a
// terminal with ANSI colors.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// ANSI color codes - chosen to work on both light and dark backgrounds
const (
	ColorReset   = "\x1b[0m"
	ColorDim     = "\x1b[2m"
	ColorItalic  = "\x1b[3m"
	ColorBold    = "\x1b[1m"
	ColorRed     = "\x1b[31m"
	ColorGreen   = "\x1b[32m"
	ColorYellow  = "\x1b[33m"
	ColorMagenta = "\x1b[35m"
	ColorCyan    = "\x1b[36m"
	ColorGray    = "\x1b[90m"
)

// Usage is the token count shown in turn summaries.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Renderer handles terminal output with ANSI colors. It is safe for
// concurrent use.
type Renderer struct {
	out         io.Writer
	commands    map[string]string // item id → command line
	usage       Usage
	turnStarted time.Time
	mu          sync.Mutex
	verbose     bool
	noColor     bool
	inReasoning bool
	midLine     bool
}

// NewRenderer creates a new renderer writing to the given output.
// If verbose is true, commands are shown as they finish.
// If noColor is true, ANSI color codes are suppressed; they are also
// suppressed when out is not a terminal.
func NewRenderer(out io.Writer, verbose, noColor bool) *Renderer {
	if !noColor {
		noColor = !isTerminal(out)
	}
	return &Renderer{
		out:      out,
		verbose:  verbose,
		noColor:  noColor,
		commands: make(map[string]string),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (r *Renderer) color(c string) string {
	if r.noColor {
		return ""
	}
	return c
}

// SessionInfo prints thread metadata.
func (r *Renderer) SessionInfo(threadID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parts := []string{}
	if threadID != "" {
		parts = append(parts, "thread="+threadID)
	}
	if model != "" {
		parts = append(parts, "model="+model)
	}
	if len(parts) > 0 {
		r.lineLocked("%s[%s]%s", r.color(ColorGray), strings.Join(parts, " "), r.color(ColorReset))
	}
}

// Status prints a status message.
func (r *Renderer) Status(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lineLocked("%s[Status]%s %s", r.color(ColorGray), r.color(ColorReset), msg)
}

// Restarted prints a connection restart.
func (r *Renderer) Restarted(prevEpoch, epoch uint64, restarts int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := fmt.Sprintf("app-server restarted (epoch %d -> %d, restart %d)", prevEpoch, epoch, restarts)
	if reason != "" {
		msg += ": " + reason
	}
	r.lineLocked("%s[Restart]%s %s", r.color(ColorYellow), r.color(ColorReset), msg)
}

// Text prints streaming text output.
func (r *Renderer) Text(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inReasoning {
		fmt.Fprintln(r.out)
		r.inReasoning = false
	}
	fmt.Fprint(r.out, text)
	r.midLine = !strings.HasSuffix(text, "\n")
}

// Reasoning prints reasoning output in italic style.
func (r *Renderer) Reasoning(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.out, "%s%s%s%s", r.color(ColorDim), r.color(ColorItalic), text, r.color(ColorReset))
	r.inReasoning = true
	r.midLine = true
}

// CommandStart records the start of a command execution.
func (r *Renderer) CommandStart(id, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands[id] = command
}

// CommandEnd prints the completion of a command execution. Only verbose
// renderers print anything.
func (r *Renderer) CommandEnd(id, command string, exitCode int, durationMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if started, ok := r.commands[id]; ok {
		if command == "" {
			command = started
		}
		delete(r.commands, id)
	}
	if !r.verbose || command == "" {
		return
	}

	durationStr := ""
	if durationMs > 0 {
		durationStr = fmt.Sprintf(" %.2fs", float64(durationMs)/1000)
	}

	if exitCode == 0 {
		r.lineLocked("%s[%s]%s %s✓%s%s",
			r.color(ColorCyan), truncate(command, 60), r.color(ColorReset),
			r.color(ColorGreen), durationStr, r.color(ColorReset))
	} else {
		r.lineLocked("%s[%s]%s %s✗ exit %d%s%s",
			r.color(ColorCyan), truncate(command, 60), r.color(ColorReset),
			r.color(ColorRed), exitCode, durationStr, r.color(ColorReset))
	}
}

// FileChange prints a changed path in verbose mode.
func (r *Renderer) FileChange(path, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.verbose {
		return
	}
	r.lineLocked("%s[%s]%s %s", r.color(ColorMagenta), kind, r.color(ColorReset), path)
}

// SetUsage records the latest token usage for the turn summary.
func (r *Renderer) SetUsage(u Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = u
}

// TurnComplete prints a summary of the completed turn using the last
// recorded usage.
func (r *Renderer) TurnComplete(success bool, status string, durationMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	fmt.Fprintf(r.out, "%s───────────────────────────────────────────────────────%s\n", r.color(ColorDim), r.color(ColorReset))

	mark := "✓"
	colorCode := ColorGreen
	if !success {
		mark = "✗"
		colorCode = ColorRed
	}
	if status == "" {
		status = "complete"
	}

	fmt.Fprintf(r.out, "%s%s Turn %s (%.1fs, %d input / %d output tokens)%s\n",
		r.color(colorCode), mark, status, float64(durationMs)/1000,
		r.usage.InputTokens, r.usage.OutputTokens, r.color(ColorReset))
}

// Error prints an error message.
func (r *Renderer) Error(err error, context string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lineLocked("%s[Error: %s]%s %v", r.color(ColorRed), context, r.color(ColorReset), err)
}

// lineLocked prints a full line, first ending any streamed text.
func (r *Renderer) lineLocked(format string, args ...any) {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
		r.inReasoning = false
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

// truncate shortens s to at most width terminal columns.
func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}
