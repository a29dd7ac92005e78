package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/pkg/logger"
)

func TestFromErrorOnlyForAlertingCodes(t *testing.T) {
	_, ok := FromError(xerrors.New(xerrors.CodeStepTimeout, ""), "wf", "s")
	require.False(t, ok)

	evt, ok := FromError(xerrors.New(xerrors.CodeSafetyBlocked, "rug pull", xerrors.WithMetadata("bucket", "critical")), "wf", "s")
	require.True(t, ok)
	require.Equal(t, xerrors.CodeSafetyBlocked, evt.Code)
	require.Equal(t, xerrors.SeverityCritical, evt.Severity)
	require.Equal(t, "critical", evt.Metadata["bucket"])
}

func TestWebhookAndFanout(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewFanout(&WebhookNotifier{URL: srv.URL}, &LogNotifier{Logger: logger.Discard()}, nil)
	evt := Event{Code: xerrors.CodeRetriesExhausted, WorkflowID: "wf-1", StepID: "step-2", Attempts: 3}
	require.NoError(t, d.Notify(context.Background(), evt))
	require.Equal(t, "wf-1", got.WorkflowID)
	require.Equal(t, 3, got.Attempts)
}

func TestWebhookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	require.Error(t, err)
}
