package exec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Poll intervals for TailLog. The slow one backs up fsnotify, which can
// miss writes on network filesystems.
var (
	tailPollInterval     = 250 * time.Millisecond
	tailSlowPollInterval = 2 * time.Second
)

// TailLog follows a JSONL event log (for example `codex exec --json`
// redirected to a file) and calls fn for each event, starting from the
// beginning of the file. The file need not exist yet. It returns when fn
// returns false, or with ctx's error.
func TailLog(ctx context.Context, path string, fn func(Event) bool) error {
	poll := tailPollInterval
	var wake <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err == nil {
			wake = w.Events
			watchErrs = w.Errors
			poll = tailSlowPollInterval
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	t := &logTail{path: path}
	defer t.close()
	for {
		more, err := t.drain(fn)
		if err != nil || !more {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				ticker.Reset(tailPollInterval)
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case _, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			}
		case <-ticker.C:
		}
	}
}

// logTail reads complete lines appended to a file.
type logTail struct {
	f       *os.File
	path    string
	partial []byte
	offset  int64
}

// drain delivers every complete line available now. It reports false once
// fn asks to stop.
func (t *logTail) drain(fn func(Event) bool) (bool, error) {
	if t.f == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		t.f = f
	}

	if st, err := t.f.Stat(); err == nil && st.Size() < t.offset {
		// Truncated: start over.
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			return false, err
		}
		t.offset = 0
		t.partial = t.partial[:0]
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := t.f.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.partial = append(t.partial, buf[:n]...)
			if !t.flush(fn) {
				return false, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
	}
}

func (t *logTail) flush(fn func(Event) bool) bool {
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return true
		}
		line := bytes.TrimSpace(t.partial[:i])
		t.partial = t.partial[i+1:]
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			ev = ErrorEvent{
				Error:   &ProtocolError{Message: "failed to parse event", Line: string(line), Cause: err},
				Context: "parse_event",
			}
		}
		if !fn(ev) {
			return false
		}
	}
}

func (t *logTail) close() {
	if t.f != nil {
		_ = t.f.Close()
	}
}
