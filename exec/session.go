package exec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

const (
	stderrDrain = 500 * time.Millisecond
	stopTimeout = 5 * time.Second
)

// Result is how an exec session ended.
type Result struct {
	// Err is nil when the turn completed.
	Err          error
	ThreadID     string
	FinalMessage string
	Items        []Item
	Usage        Usage
	ExitCode     int
	Duration     time.Duration
	Success      bool
}

// Session manages one `codex exec` run.
type Session struct {
	events     chan Event
	process    *processManager
	logger     *slog.Logger
	clock      clock.Clock
	done       chan struct{}
	finished   chan struct{}
	stderrDone chan struct{}
	activity   chan struct{}
	turnEnded  chan struct{}
	result     Result
	// turnErr and timeoutErr feed Result.Err once the process is reaped.
	turnErr        error
	timeoutErr     error
	startedAt      time.Time
	config         Config
	prompt         string
	schemaPath     string
	lastStreamErr  string
	dropped        atomic.Uint64
	turnEndOnce    sync.Once
	mu             sync.RWMutex
	emitMu         sync.Mutex
	eventsClosed   bool
	turnDone       bool
	killedAfterEnd bool
	started        bool
	stopped        bool
}

// NewSession creates a new exec session with the given prompt and options.
func NewSession(prompt string, opts ...Option) *Session {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = defaultEventBufferSize
	}
	if config.CLIPath == "" {
		config.CLIPath = defaultCLIPath
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Session{
		prompt:     prompt,
		config:     config,
		logger:     logger,
		clock:      clk,
		events:     make(chan Event, config.EventBufferSize),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		activity:   make(chan struct{}, 1),
		turnEnded:  make(chan struct{}),
	}
}

// Start spawns the CLI process and begins reading events. The process is
// not bound to ctx; use Stop to end it early.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return ErrSessionClosed
	}

	if len(s.config.OutputSchema) > 0 {
		path, err := writeSchema(s.config.OutputSchema)
		if err != nil {
			return &ProcessError{Message: "failed to write output schema", Cause: err}
		}
		s.schemaPath = path
	}

	s.process = newProcessManager(s.prompt, s.schemaPath, s.config)
	if err := s.process.Start(ctx); err != nil {
		s.removeSchema()
		return err
	}

	s.started = true
	s.startedAt = s.clock.Now()
	s.logger = s.logger.With("pid", s.process.PID())
	s.logger.Debug("codex exec started", "path", s.config.CLIPath)

	go s.stderrLoop()
	go s.readLoop()
	go s.monitor()
	return nil
}

// Events returns a read-only channel of events. It is closed when the
// process has exited. Events are dropped if the buffer is full; the Result
// is assembled regardless.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the session has finished and its Result is final.
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// Dropped reports how many events were shed because nobody was reading.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// ThreadID returns the thread id once the CLI has reported it.
func (s *Session) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result.ThreadID
}

// Wait blocks until the process has exited and returns the result. The
// returned error is Result.Err, or ctx's error if ctx ends first.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}

	select {
	case <-s.finished:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	res := s.result
	res.Items = append([]Item(nil), s.result.Items...)
	return &res, res.Err
}

// Stop terminates the process if it is still running and removes the temp
// schema file.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.process.Stop()

	var err error
	t := time.NewTimer(stopTimeout)
	defer t.Stop()
	select {
	case <-s.finished:
	case <-t.C:
		err = multierr.Append(err, &ProcessError{Message: "codex exec did not exit"})
	}
	return multierr.Append(err, s.removeSchema())
}

func (s *Session) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// readLoop reads JSONL lines until stdout closes, then reaps the process.
func (s *Session) readLoop() {
	defer s.closeEvents()
	defer close(s.finished)

	for {
		line, err := s.process.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isStopped() {
				s.emit(ErrorEvent{Error: err, Context: "read_line"})
			}
			break
		}
		s.touch()
		s.handleLine(line)
	}

	t := time.NewTimer(stderrDrain)
	select {
	case <-s.stderrDone:
	case <-t.C:
	}
	t.Stop()

	s.finish(s.process.Wait())
}

func (s *Session) stderrLoop() {
	defer close(s.stderrDone)
	s.process.PumpStderr(s.config.StderrHandler)
}

// handleLine processes a single JSONL line.
func (s *Session) handleLine(line []byte) {
	ev, err := ParseEvent(line)
	if err != nil {
		s.emit(ErrorEvent{
			Error: &ProtocolError{
				Message: "failed to parse event",
				Line:    string(line),
				Cause:   err,
			},
			Context: "parse_event",
		})
		return
	}

	s.apply(ev)
	s.emit(ev)
}

// apply folds ev into the result.
func (s *Session) apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case ThreadStartedEvent:
		s.result.ThreadID = e.ThreadID
		s.logger.Debug("thread started", "thread_id", e.ThreadID)
	case ItemCompletedEvent:
		s.result.Items = append(s.result.Items, e.Item)
		if e.Item.Type == ItemAgentMessage {
			s.result.FinalMessage = e.Item.Text
		}
	case TurnCompletedEvent:
		s.result.Usage = e.Usage
		s.endTurnLocked(nil)
	case TurnFailedEvent:
		s.endTurnLocked(&TurnFailedError{Message: e.Message})
	case StreamErrorEvent:
		s.lastStreamErr = e.Message
	}
}

func (s *Session) endTurnLocked(err error) {
	s.turnDone = true
	s.turnErr = err
	s.turnEndOnce.Do(func() { close(s.turnEnded) })
}

// finish records how the process ended.
func (s *Session) finish(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &s.result
	r.ExitCode = code
	r.Duration = s.clock.Since(s.startedAt)

	switch {
	case s.timeoutErr != nil:
		r.Err = s.timeoutErr
	case s.turnErr != nil:
		r.Err = s.turnErr
	case s.turnDone && (code == 0 || s.killedAfterEnd):
		r.Success = true
	case s.turnDone:
		r.Err = &ProcessError{Message: "codex exec failed after the turn ended", ExitCode: code, Stderr: s.process.StderrTail()}
	case s.stopped:
		r.Err = ErrSessionClosed
	case code != 0:
		msg := "codex exec failed"
		if s.lastStreamErr != "" {
			msg += ": " + s.lastStreamErr
		}
		r.Err = &ProcessError{Message: msg, ExitCode: code, Stderr: s.process.StderrTail()}
	default:
		r.Err = ErrNoTurnResult
	}

	s.logger.Debug("codex exec finished", "exit_code", code, "success", r.Success)
}

// monitor enforces the idle and exit timeouts by terminating the process;
// readLoop then observes EOF and finishes the session.
func (s *Session) monitor() {
	var idleC, exitC <-chan time.Time
	var idle *clock.Timer
	if d := s.config.IdleTimeout; d > 0 {
		idle = s.clock.Timer(d)
		defer idle.Stop()
		idleC = idle.C
	}
	turnEnded := s.turnEnded

	for {
		select {
		case <-s.finished:
			return
		case <-s.done:
			return
		case <-s.activity:
			if idle != nil && idleC != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(s.config.IdleTimeout)
			}
		case <-turnEnded:
			turnEnded = nil
			idleC = nil
			if d := s.config.ExitTimeout; d > 0 {
				exit := s.clock.Timer(d)
				defer exit.Stop()
				exitC = exit.C
			}
		case <-idleC:
			err := &TimeoutError{Kind: "idle", After: s.config.IdleTimeout}
			s.mu.Lock()
			s.timeoutErr = err
			s.mu.Unlock()
			s.logger.Warn("codex exec idle, terminating", "after", s.config.IdleTimeout)
			s.emit(ErrorEvent{Error: err, Context: "idle_timeout"})
			s.process.Stop()
			return
		case <-exitC:
			s.mu.Lock()
			s.killedAfterEnd = true
			s.mu.Unlock()
			s.logger.Warn("codex exec lingering after turn end, terminating", "after", s.config.ExitTimeout)
			s.process.Stop()
			return
		}
	}
}

func (s *Session) touch() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// emit delivers without blocking the read loop.
func (s *Session) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Debug("event buffer full, dropping events", "type", ev.Type().String())
		}
	}
}

func (s *Session) closeEvents() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.eventsClosed = true
	close(s.events)
}

func (s *Session) removeSchema() error {
	if s.schemaPath == "" {
		return nil
	}
	err := os.Remove(s.schemaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func writeSchema(schema []byte) (string, error) {
	f, err := os.CreateTemp("", "codex-output-schema-*.json")
	if err != nil {
		return "", err
	}
	_, werr := f.Write(schema)
	if err := multierr.Combine(werr, f.Close()); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
