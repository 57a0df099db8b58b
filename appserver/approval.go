package appserver

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/codexsdk/transport"
)

// ApprovalKind says what the agent wants to do.
type ApprovalKind string

const (
	ApprovalCommand    ApprovalKind = "command"
	ApprovalFileChange ApprovalKind = "fileChange"
)

// ApprovalRequest contains data for an approval request.
type ApprovalRequest struct {
	Params   json.RawMessage
	Kind     ApprovalKind
	ThreadID string
	TurnID   string
	ItemID   string
	Command  string
	Cwd      string
	Reason   string
}

// ApprovalResponse contains the response to an approval request.
type ApprovalResponse struct {
	Message  string
	Approved bool
	// ForSession approves this and identical requests for the rest of the
	// session.
	ForSession bool
}

// ApprovalHandler handles tool execution approval requests.
type ApprovalHandler interface {
	HandleApproval(ctx context.Context, req *ApprovalRequest) (*ApprovalResponse, error)
}

// ApprovalHandlerFunc is a function adapter for ApprovalHandler.
type ApprovalHandlerFunc func(ctx context.Context, req *ApprovalRequest) (*ApprovalResponse, error)

// HandleApproval implements ApprovalHandler.
func (f ApprovalHandlerFunc) HandleApproval(ctx context.Context, req *ApprovalRequest) (*ApprovalResponse, error) {
	return f(ctx, req)
}

// AutoApproveHandler approves everything.
func AutoApproveHandler() ApprovalHandler {
	return ApprovalHandlerFunc(func(context.Context, *ApprovalRequest) (*ApprovalResponse, error) {
		return &ApprovalResponse{Approved: true}, nil
	})
}

// DenyAllHandler declines everything. It is the default.
func DenyAllHandler() ApprovalHandler {
	return ApprovalHandlerFunc(func(context.Context, *ApprovalRequest) (*ApprovalResponse, error) {
		return &ApprovalResponse{Message: "denied by policy"}, nil
	})
}

type approvalDecision struct {
	Decision string `json:"decision"`
}

func decisionFor(resp *ApprovalResponse) approvalDecision {
	switch {
	case resp == nil || !resp.Approved:
		return approvalDecision{Decision: "decline"}
	case resp.ForSession:
		return approvalDecision{Decision: "acceptForSession"}
	default:
		return approvalDecision{Decision: "accept"}
	}
}

func parseApprovalRequest(method string, params json.RawMessage) (*ApprovalRequest, bool) {
	var kind ApprovalKind
	switch method {
	case RequestCommandApproval:
		kind = ApprovalCommand
	case RequestFileChangeApproval:
		kind = ApprovalFileChange
	default:
		return nil, false
	}
	p := gjson.ParseBytes(params)
	req := &ApprovalRequest{
		Kind:     kind,
		Params:   params,
		ThreadID: p.Get("threadId").Str,
		TurnID:   p.Get("turnId").Str,
		ItemID:   p.Get("itemId").Str,
		Cwd:      p.Get("cwd").Str,
		Reason:   p.Get("reason").Str,
	}
	if cmd := p.Get("command"); cmd.IsArray() {
		parts := cmd.Array()
		for i, part := range parts {
			if i > 0 {
				req.Command += " "
			}
			req.Command += part.Str
		}
	} else {
		req.Command = cmd.Str
	}
	return req, true
}

// approvalRequestHandler answers approval server requests with h and
// rejects every other server request as unknown.
func approvalRequestHandler(h ApprovalHandler) transport.RequestHandler {
	return transport.RequestHandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		req, ok := parseApprovalRequest(method, params)
		if !ok {
			return nil, &transport.RPCError{Code: transport.ErrCodeMethodNotFound, Message: "unsupported server request: " + method}
		}
		if h == nil {
			return decisionFor(nil), nil
		}
		resp, err := h.HandleApproval(ctx, req)
		if err != nil {
			return nil, err
		}
		return decisionFor(resp), nil
	})
}
