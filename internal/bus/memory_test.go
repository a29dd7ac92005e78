package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
)

func request(to string) Message {
	msg := NewMessage("orchestrator", to, TypeRequest, json.RawMessage(`{"n":1}`))
	msg.WorkflowID = "wf-1"
	msg.StepID = "step-1"
	msg.Action = "echo"
	return msg
}

func TestMemoryChannelRequestResponse(t *testing.T) {
	ch := NewMemoryChannel()
	defer ch.Close()
	ch.Register("agent-1", func(ctx context.Context, msg Message) (json.RawMessage, error) {
		return msg.Payload, nil
	})

	resp, err := ch.Send(context.Background(), request("agent-1"))
	require.NoError(t, err)
	require.Equal(t, TypeResponse, resp.Type)
	require.JSONEq(t, `{"n":1}`, string(resp.Payload))
	require.Equal(t, "agent-1", resp.From)
	require.Equal(t, "step-1", resp.StepID)
}

func TestMemoryChannelUnknownInstanceIsDeadLettered(t *testing.T) {
	ch := NewMemoryChannel()
	_, err := ch.Send(context.Background(), request("ghost"))
	require.True(t, xerrors.IsCode(err, xerrors.CodeDispatchFailure))
	require.True(t, xerrors.RetryableError(err))
	require.Len(t, ch.DeadLetters(), 1)
}

func TestMemoryChannelTimeoutIsRetryable(t *testing.T) {
	ch := NewMemoryChannel()
	ch.Register("slow", func(ctx context.Context, msg Message) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	msg := request("slow")
	msg.Timeout = 20 * time.Millisecond

	_, err := ch.Send(context.Background(), msg)
	require.True(t, xerrors.IsCode(err, xerrors.CodeStepTimeout), "got %v", err)
	require.True(t, xerrors.RetryableError(err))
}

func TestMemoryChannelHandlerErrorKeepsCode(t *testing.T) {
	ch := NewMemoryChannel()
	ch.Register("defi", func(ctx context.Context, msg Message) (json.RawMessage, error) {
		return nil, xerrors.New(xerrors.CodeSafetyBlocked, "rug pull risk critical")
	})
	resp, err := ch.Send(context.Background(), request("defi"))
	require.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked))
	require.False(t, xerrors.RetryableError(err))
	require.Equal(t, TypeError, resp.Type)
}

func TestMemoryChannelCancelStepInterruptsHandler(t *testing.T) {
	ch := NewMemoryChannel()
	started := make(chan struct{})
	ch.Register("busy", func(ctx context.Context, msg Message) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Send(context.Background(), request("busy"))
		errCh <- err
	}()
	<-started

	cancel := NewMessage("orchestrator", "busy", TypeCancelStep, nil)
	cancel.WorkflowID = "wf-1"
	cancel.StepID = "step-1"
	_, err := ch.Send(context.Background(), cancel)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.True(t, xerrors.IsCode(err, xerrors.CodePreempted), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("request was not interrupted")
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	ch := NewMemoryChannel()
	msg := request("agent")
	msg.Type = "bogus"
	_, err := ch.Send(context.Background(), msg)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}
