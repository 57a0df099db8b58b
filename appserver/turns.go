package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/codexsdk/internal/ringq"
)

// TurnStatus is the terminal status of a turn.
type TurnStatus string

const (
	TurnStatusCompleted   TurnStatus = "completed"
	TurnStatusInterrupted TurnStatus = "interrupted"
	TurnStatusFailed      TurnStatus = "failed"
	// TurnStatusDisconnected means the connection died before the turn
	// finished. The agent-side turn is gone.
	TurnStatusDisconnected TurnStatus = "disconnected"
	// TurnStatusClosed means the client or the handle was closed.
	TurnStatusClosed TurnStatus = "closed"
)

// TurnResult is the single-assignment outcome of a turn.
type TurnResult struct {
	Err error
	// Status is taken from turn/completed, or synthesized on disconnect and
	// close.
	Status TurnStatus
	// FinalText is the agent's message text for the turn.
	FinalText string
	// Params is the raw turn/completed payload, when the server sent one.
	Params json.RawMessage
}

// TurnHandle is one in-flight turn on one connection epoch.
//
// Events delivered before the handle completes stay readable afterwards:
// Next drains the buffer first and only then reports io.EOF (normal
// completion) or the completion error (disconnect, close).
type TurnHandle struct {
	ThreadID string
	TurnID   string

	conn   *conn
	events *ringq.Queue[Notification]
	done   chan struct{}
	result TurnResult

	textMu sync.Mutex
	text   strings.Builder
	// itemText holds the authoritative text from item/completed, which
	// supersedes accumulated deltas.
	itemText string

	once sync.Once
}

func newTurnHandle(c *conn, threadID, turnID string, capacity int) *TurnHandle {
	return &TurnHandle{
		ThreadID: threadID,
		TurnID:   turnID,
		conn:     c,
		events:   ringq.New[Notification](capacity),
		done:     make(chan struct{}),
	}
}

// Next returns the next event for the turn.
func (h *TurnHandle) Next(ctx context.Context) (Notification, error) {
	n, err := h.events.Pop(ctx)
	if errors.Is(err, ringq.ErrClosed) {
		return n, io.EOF
	}
	return n, err
}

// Events iterates the turn's events. Iteration ends after the final event;
// a non-nil error (other than io.EOF, which is swallowed) is yielded last.
func (h *TurnHandle) Events(ctx context.Context) iter.Seq2[Notification, error] {
	return func(yield func(Notification, error) bool) {
		for {
			n, err := h.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Notification{}, err)
				return
			}
			if !yield(n, nil) {
				return
			}
		}
	}
}

// Done is closed once the turn has a result.
func (h *TurnHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the turn completes or ctx ends. The returned error is
// the result's Err.
func (h *TurnHandle) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// Result returns the outcome if the turn has completed.
func (h *TurnHandle) Result() (TurnResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return TurnResult{}, false
	}
}

// Dropped returns how many events were shed because the reader fell behind.
func (h *TurnHandle) Dropped() uint64 {
	return h.events.Dropped()
}

// Epoch returns the connection sequence number the turn belongs to.
func (h *TurnHandle) Epoch() uint64 {
	return h.conn.epoch
}

// Interrupt asks the server to stop the turn. On a dead epoch it fails with
// the epoch's *DisconnectedError.
func (h *TurnHandle) Interrupt(ctx context.Context) error {
	_, err := h.conn.call(ctx, MethodTurnInterrupt, map[string]string{
		"threadId": h.ThreadID,
		"turnId":   h.TurnID,
	})
	return err
}

// Steer appends user input to the running turn. On a dead epoch it fails
// with the epoch's *DisconnectedError.
func (h *TurnHandle) Steer(ctx context.Context, input ...UserInput) error {
	_, err := h.conn.call(ctx, MethodTurnSteer, TurnSteerParams{
		ThreadID:       h.ThreadID,
		ExpectedTurnID: h.TurnID,
		Input:          input,
	})
	return err
}

// Close abandons the handle: it is removed from the registry and completes
// with ErrTurnClosed unless it already finished. The agent-side turn keeps
// running; use Interrupt to stop it.
func (h *TurnHandle) Close() {
	h.conn.turns.Remove(h)
	h.complete(TurnResult{Status: TurnStatusClosed, Err: ErrTurnClosed})
}

// deliver appends n to the event queue and folds agent text.
func (h *TurnHandle) deliver(n Notification) {
	switch n.Method {
	case NotifyAgentMessageDelta:
		if d := gjson.GetBytes(n.Params, "delta"); d.Type == gjson.String {
			h.textMu.Lock()
			h.text.WriteString(d.Str)
			h.textMu.Unlock()
		}
	case NotifyItemCompleted:
		item := gjson.GetBytes(n.Params, "item")
		if item.Get("type").Str == "agentMessage" {
			h.textMu.Lock()
			h.itemText = item.Get("text").Str
			h.textMu.Unlock()
		}
	}
	h.events.Push(n)
}

func (h *TurnHandle) finalText() string {
	h.textMu.Lock()
	defer h.textMu.Unlock()
	if h.itemText != "" {
		return h.itemText
	}
	return h.text.String()
}

// complete assigns the result once; later calls are no-ops. It reports
// whether this call won.
func (h *TurnHandle) complete(res TurnResult) bool {
	won := false
	h.once.Do(func() {
		won = true
		res.FinalText = h.finalText()
		h.result = res
		close(h.done)
		queueErr := res.Err
		if res.Status == TurnStatusCompleted || res.Status == TurnStatusInterrupted || res.Status == TurnStatusFailed {
			// The server finished the turn; the stream ended normally even
			// if the turn itself failed.
			queueErr = nil
		}
		h.events.Close(queueErr)
	})
	return won
}

// turnCompletedResult builds a result from a turn/completed payload.
func turnCompletedResult(threadID, turnID string, params json.RawMessage) TurnResult {
	turn := gjson.GetBytes(params, "turn")
	status := TurnStatus(turn.Get("status").Str)
	if status == "" {
		status = TurnStatusCompleted
	}
	res := TurnResult{Status: status, Params: params}
	if status == TurnStatusFailed {
		msg := turn.Get("error.message").Str
		if msg == "" {
			msg = "turn failed"
		}
		res.Err = &TurnError{ThreadID: threadID, TurnID: turnID, Message: msg}
	}
	return res
}

const (
	defaultOrphanTurns       = 64
	defaultTurnQueueCapacity = 256
)

// turnRegistry maps turn ids to handles for one epoch. Notifications for a
// turn that is not registered yet (turn/started usually beats the turn/start
// response) are parked and replayed on registration.
type turnRegistry struct {
	// sealed, once set, is the result given to turns registered after the
	// epoch ended.
	sealed   *TurnResult
	turns    map[string]*TurnHandle
	orphans  *lru.Cache[string, []Notification]
	capacity int
	mu       sync.Mutex
}

func newTurnRegistry(capacity, orphanTurns int) *turnRegistry {
	if orphanTurns <= 0 {
		orphanTurns = defaultOrphanTurns
	}
	if capacity <= 0 {
		capacity = defaultTurnQueueCapacity
	}
	// lru.New only fails for a non-positive size.
	orphans, _ := lru.New[string, []Notification](orphanTurns)
	return &turnRegistry{
		turns:    make(map[string]*TurnHandle),
		orphans:  orphans,
		capacity: capacity,
	}
}

// Register inserts a handle for turnID and replays anything parked for it.
func (r *turnRegistry) Register(c *conn, threadID, turnID string) (*TurnHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.turns[turnID]; exists {
		return nil, ErrTurnExists
	}
	h := newTurnHandle(c, threadID, turnID, r.capacity)
	if r.sealed != nil {
		h.complete(*r.sealed)
		return h, nil
	}
	parked, _ := r.orphans.Get(turnID)
	r.orphans.Remove(turnID)

	completed := false
	for _, n := range parked {
		h.deliver(n)
		if n.Method == NotifyTurnCompleted {
			h.complete(turnCompletedResult(threadID, turnID, n.Params))
			completed = true
		}
	}
	if !completed {
		r.turns[turnID] = h
	}
	return h, nil
}

// route returns the handle for n.TurnID, parking n when there is none.
func (r *turnRegistry) route(n Notification) *TurnHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.turns[n.TurnID]; ok {
		return h
	}
	parked, _ := r.orphans.Get(n.TurnID)
	if len(parked) >= r.capacity {
		parked = parked[1:]
	}
	r.orphans.Add(n.TurnID, append(parked, n))
	return nil
}

// Get returns the registered handle for turnID.
func (r *turnRegistry) Get(turnID string) (*TurnHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.turns[turnID]
	return h, ok
}

// Remove unregisters h if it is still the handle for its id. Idempotent.
func (r *turnRegistry) Remove(h *TurnHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.turns[h.TurnID]; ok && cur == h {
		delete(r.turns, h.TurnID)
	}
}

// Len returns the number of registered turns.
func (r *turnRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// Seal makes every later Register return an already-completed handle.
// The first seal wins.
func (r *turnRegistry) Seal(res TurnResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed == nil {
		r.sealed = &res
	}
}

// DrainAll empties the registry and returns every handle it held.
func (r *turnRegistry) DrainAll() []*TurnHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TurnHandle, 0, len(r.turns))
	for _, h := range r.turns {
		out = append(out, h)
	}
	r.turns = make(map[string]*TurnHandle)
	r.orphans.Purge()
	return out
}
