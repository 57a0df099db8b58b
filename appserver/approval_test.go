package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/codexsdk/transport"
)

func TestApprovalRequestHandler(t *testing.T) {
	var seen *ApprovalRequest
	h := approvalRequestHandler(ApprovalHandlerFunc(func(_ context.Context, req *ApprovalRequest) (*ApprovalResponse, error) {
		seen = req
		return &ApprovalResponse{Approved: req.Kind == ApprovalCommand, ForSession: req.Cwd == "/repo"}, nil
	}))
	ctx := context.Background()

	res, err := h.HandleRequest(ctx, RequestCommandApproval, json.RawMessage(
		`{"threadId":"th","turnId":"t1","itemId":"i1","command":["git","status"],"cwd":"/repo","reason":"inspect"}`))
	require.NoError(t, err)
	assert.Equal(t, approvalDecision{Decision: "acceptForSession"}, res)
	require.NotNil(t, seen)
	assert.Equal(t, "git status", seen.Command)
	assert.Equal(t, "t1", seen.TurnID)
	assert.Equal(t, "i1", seen.ItemID)
	assert.Equal(t, "inspect", seen.Reason)

	res, err = h.HandleRequest(ctx, RequestFileChangeApproval, json.RawMessage(`{"threadId":"th","turnId":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, approvalDecision{Decision: "decline"}, res)
	assert.Equal(t, ApprovalFileChange, seen.Kind)

	_, err = h.HandleRequest(ctx, "item/tool/call", nil)
	var rpcErr *transport.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, transport.ErrCodeMethodNotFound, rpcErr.Code)
}

func TestApprovalRequestHandler_Defaults(t *testing.T) {
	ctx := context.Background()
	params := json.RawMessage(`{"command":"rm -rf /tmp/x"}`)

	res, err := approvalRequestHandler(nil).HandleRequest(ctx, RequestCommandApproval, params)
	require.NoError(t, err)
	assert.Equal(t, approvalDecision{Decision: "decline"}, res)

	res, err = approvalRequestHandler(DenyAllHandler()).HandleRequest(ctx, RequestCommandApproval, params)
	require.NoError(t, err)
	assert.Equal(t, approvalDecision{Decision: "decline"}, res)

	res, err = approvalRequestHandler(AutoApproveHandler()).HandleRequest(ctx, RequestCommandApproval, params)
	require.NoError(t, err)
	assert.Equal(t, approvalDecision{Decision: "accept"}, res)

	boom := errors.New("boom")
	_, err = approvalRequestHandler(ApprovalHandlerFunc(func(context.Context, *ApprovalRequest) (*ApprovalResponse, error) {
		return nil, boom
	})).HandleRequest(ctx, RequestCommandApproval, params)
	assert.ErrorIs(t, err, boom)
}

func TestRetryPolicies(t *testing.T) {
	rc := RetryContext{Method: MethodThreadResume, Attempt: 1}
	assert.Equal(t, RetryFail, NeverRetry(rc))
	assert.Equal(t, RetryOnce, AlwaysRetry(rc))

	p := RetryMethods(MethodThreadResume, "ping")
	assert.Equal(t, RetryOnce, p(rc))
	assert.Equal(t, RetryFail, p(RetryContext{Method: MethodTurnStart}))
	assert.Equal(t, "retry", RetryOnce.String())
	assert.Equal(t, "fail", RetryFail.String())
}

func TestErrors(t *testing.T) {
	d := &DisconnectedError{Epoch: 3, PID: 12, ExitCode: 1, Diagnostic: "line one\nline two", Cause: errors.New("exit status 1")}
	assert.Equal(t, "app-server disconnected (epoch 3, pid 12, exit code 1): line two", d.Error())
	assert.Equal(t, "app-server disconnected (epoch 1)", (&DisconnectedError{Epoch: 1, ExitCode: -1}).Error())

	u := &UnavailableError{Restarts: 3, Cause: d}
	assert.True(t, IsUnavailable(u))
	assert.False(t, IsDisconnected(u), "a fault is not a recoverable disconnect")
	var cause *DisconnectedError
	assert.ErrorAs(t, u, &cause)
	assert.False(t, IsRemote(u))
	assert.Equal(t, "app-server unavailable after 0 restarts", (&UnavailableError{}).Error())

	assert.Equal(t, outcomeUnavailable, callOutcome(u))
	assert.Equal(t, outcomeDisconnected, callOutcome(d))
	assert.Equal(t, outcomeRemote, callOutcome(&RemoteError{}))
	assert.Equal(t, outcomeOther, callOutcome(context.Canceled))
	assert.Equal(t, outcomeOK, callOutcome(nil))
}
