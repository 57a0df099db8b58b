package appserver

import (
	"encoding/json"
	"time"
)

// App-server request methods.
const (
	MethodInitialize    = "initialize"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodTurnSteer     = "turn/steer"
)

// Client-sent notifications.
const (
	NotifyInitialized = "initialized"
)

// Server notifications.
const (
	NotifyThreadStarted     = "thread/started"
	NotifyTurnStarted       = "turn/started"
	NotifyTurnCompleted     = "turn/completed"
	NotifyItemStarted       = "item/started"
	NotifyItemCompleted     = "item/completed"
	NotifyAgentMessageDelta = "item/agentMessage/delta"
	NotifyReasoningDelta    = "item/reasoning/textDelta"
	NotifyCommandOutput     = "item/commandExecution/outputDelta"
	NotifyTokenUsage        = "thread/tokenUsage/updated"
	NotifyError             = "error"
)

// Server-initiated requests.
const (
	RequestCommandApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
)

// NotifyClientRestarted is the method of the synthetic marker published into
// the notification stream after a restart.
const NotifyClientRestarted = "client/restarted"

// Notification is one inbound server notification, annotated with where it
// came from.
type Notification struct {
	Received time.Time
	Method   string
	// TurnID is the turn the notification was routed to, if any.
	TurnID string
	Params json.RawMessage
	// Epoch is the connection sequence number that delivered it.
	Epoch uint64
	// Synthetic is set on markers generated by the client itself.
	Synthetic bool
}

// RestartMarker is the payload of a client/restarted notification.
type RestartMarker struct {
	Reason        string `json:"reason,omitempty"`
	PreviousEpoch uint64 `json:"previousEpoch"`
	Epoch         uint64 `json:"epoch"`
	Restarts      int    `json:"restarts"`
}

// IsRestartMarker reports whether n is a synthetic restart marker.
func (n Notification) IsRestartMarker() bool {
	return n.Synthetic && n.Method == NotifyClientRestarted
}

func newRestartMarker(m RestartMarker, at time.Time) Notification {
	// RestartMarker has only scalar fields; marshalling cannot fail.
	params, _ := json.Marshal(m)
	return Notification{
		Method:    NotifyClientRestarted,
		Params:    params,
		Epoch:     m.Epoch,
		Received:  at,
		Synthetic: true,
	}
}
