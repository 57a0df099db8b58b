package appserver

import "encoding/json"

// ClientInfo identifies this client in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeParams is the initialize request body.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// UserInput is one element of turn input.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TextInput returns a plain text input element.
func TextInput(text string) UserInput {
	return UserInput{Type: "text", Text: text}
}

// ImageInput returns an input element for a local image file.
func ImageInput(path string) UserInput {
	return UserInput{Type: "localImage", Path: path}
}

// SandboxMode controls filesystem access for commands the agent runs.
type SandboxMode string

const (
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

// ApprovalPolicy controls when the agent asks before acting.
type ApprovalPolicy string

const (
	ApprovalPolicyUntrusted ApprovalPolicy = "untrusted"
	ApprovalPolicyOnFailure ApprovalPolicy = "on-failure"
	ApprovalPolicyOnRequest ApprovalPolicy = "on-request"
	ApprovalPolicyNever     ApprovalPolicy = "never"
)

// ThreadStartParams is the thread/start request body.
type ThreadStartParams struct {
	Model            string         `json:"model,omitempty"`
	Cwd              string         `json:"cwd,omitempty"`
	ApprovalPolicy   ApprovalPolicy `json:"approvalPolicy,omitempty"`
	Sandbox          SandboxMode    `json:"sandbox,omitempty"`
	BaseInstructions string         `json:"baseInstructions,omitempty"`
}

// ThreadResumeParams is the thread/resume request body.
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
	Model    string `json:"model,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
}

// TurnStartParams is the turn/start request body.
type TurnStartParams struct {
	ThreadID     string          `json:"threadId"`
	Model        string          `json:"model,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	Effort       string          `json:"effort,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Input        []UserInput     `json:"input"`
}

// TurnSteerParams is the turn/steer request body.
type TurnSteerParams struct {
	ThreadID       string      `json:"threadId"`
	ExpectedTurnID string      `json:"expectedTurnId,omitempty"`
	Input          []UserInput `json:"input"`
}

// Thread is the thread object returned by thread/start and thread/resume.
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
}

type threadResult struct {
	Thread Thread `json:"thread"`
	Model  string `json:"model,omitempty"`
}
