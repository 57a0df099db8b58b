package exec

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates between event kinds.
type EventType int

const (
	// EventTypeThreadStarted fires once the CLI has a thread id.
	EventTypeThreadStarted EventType = iota
	// EventTypeTurnStarted fires when the agent starts working.
	EventTypeTurnStarted
	// EventTypeItemStarted fires when an item (command, message, ...) begins.
	EventTypeItemStarted
	// EventTypeItemUpdated fires for in-progress item changes.
	EventTypeItemUpdated
	// EventTypeItemCompleted fires when an item is final.
	EventTypeItemCompleted
	// EventTypeTurnCompleted fires when the turn finishes successfully.
	EventTypeTurnCompleted
	// EventTypeTurnFailed fires when the turn fails.
	EventTypeTurnFailed
	// EventTypeStreamError carries an error event reported by the CLI.
	EventTypeStreamError
	// EventTypeError fires on session errors (parse failures, timeouts).
	EventTypeError
	// EventTypeUnknown carries lines this package does not understand.
	EventTypeUnknown
)

var eventTypeNames = [...]string{
	"thread_started",
	"turn_started",
	"item_started",
	"item_updated",
	"item_completed",
	"turn_completed",
	"turn_failed",
	"stream_error",
	"error",
	"unknown",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Item types reported in item.* events.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
	ItemError            = "error"
)

// Event is the interface for all exec events.
type Event interface {
	Type() EventType
}

// Usage is the token accounting reported with turn.completed.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// FileChange is one path touched by a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// TodoEntry is one line of a todo_list item.
type TodoEntry struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Item is a thread item. Which fields are set depends on Type.
type Item struct {
	ExitCode         *int         `json:"exit_code,omitempty"`
	ID               string       `json:"id"`
	Type             string       `json:"type"`
	Text             string       `json:"text,omitempty"`
	Command          string       `json:"command,omitempty"`
	AggregatedOutput string       `json:"aggregated_output,omitempty"`
	Status           string       `json:"status,omitempty"`
	Server           string       `json:"server,omitempty"`
	Tool             string       `json:"tool,omitempty"`
	Query            string       `json:"query,omitempty"`
	Message          string       `json:"message,omitempty"`
	Changes          []FileChange `json:"changes,omitempty"`
	Items            []TodoEntry  `json:"items,omitempty"`
}

// ThreadStartedEvent carries the thread id, which can be resumed later.
type ThreadStartedEvent struct {
	ThreadID string
}

func (e ThreadStartedEvent) Type() EventType { return EventTypeThreadStarted }

// TurnStartedEvent fires when the turn begins.
type TurnStartedEvent struct{}

func (e TurnStartedEvent) Type() EventType { return EventTypeTurnStarted }

// ItemStartedEvent fires when an item begins.
type ItemStartedEvent struct {
	Item Item
}

func (e ItemStartedEvent) Type() EventType { return EventTypeItemStarted }

// ItemUpdatedEvent fires when an in-progress item changes.
type ItemUpdatedEvent struct {
	Item Item
}

func (e ItemUpdatedEvent) Type() EventType { return EventTypeItemUpdated }

// ItemCompletedEvent fires when an item is final.
type ItemCompletedEvent struct {
	Item Item
}

func (e ItemCompletedEvent) Type() EventType { return EventTypeItemCompleted }

// TurnCompletedEvent fires when the turn finishes.
type TurnCompletedEvent struct {
	Usage Usage
}

func (e TurnCompletedEvent) Type() EventType { return EventTypeTurnCompleted }

// TurnFailedEvent fires when the turn fails.
type TurnFailedEvent struct {
	Message string
}

func (e TurnFailedEvent) Type() EventType { return EventTypeTurnFailed }

// StreamErrorEvent is an `error` line from the CLI. The stream may continue.
type StreamErrorEvent struct {
	Message string
}

func (e StreamErrorEvent) Type() EventType { return EventTypeStreamError }

// ErrorEvent reports a session-side failure.
type ErrorEvent struct {
	Error   error
	Context string
}

func (e ErrorEvent) Type() EventType { return EventTypeError }

// UnknownEvent is a well-formed line with an unrecognized type.
type UnknownEvent struct {
	Kind string
	Raw  json.RawMessage
}

func (e UnknownEvent) Type() EventType { return EventTypeUnknown }

type wireEvent struct {
	Item  *Item  `json:"item"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// ParseEvent decodes one JSONL line from `codex exec --json`.
func ParseEvent(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "thread.started":
		return ThreadStartedEvent{ThreadID: w.ThreadID}, nil
	case "turn.started":
		return TurnStartedEvent{}, nil
	case "item.started", "item.updated", "item.completed":
		if w.Item == nil {
			return nil, fmt.Errorf("%s: missing item", w.Type)
		}
		switch w.Type {
		case "item.started":
			return ItemStartedEvent{Item: *w.Item}, nil
		case "item.updated":
			return ItemUpdatedEvent{Item: *w.Item}, nil
		}
		return ItemCompletedEvent{Item: *w.Item}, nil
	case "turn.completed":
		var ev TurnCompletedEvent
		if w.Usage != nil {
			ev.Usage = *w.Usage
		}
		return ev, nil
	case "turn.failed":
		return TurnFailedEvent{Message: w.errorMessage()}, nil
	case "error":
		return StreamErrorEvent{Message: w.errorMessage()}, nil
	case "":
		return nil, fmt.Errorf("event without type")
	}
	return UnknownEvent{Kind: w.Type, Raw: append(json.RawMessage(nil), line...)}, nil
}

func (w *wireEvent) errorMessage() string {
	if w.Error != nil && w.Error.Message != "" {
		return w.Error.Message
	}
	return w.Message
}
