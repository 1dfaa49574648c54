package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "ProofMarket/internal/errors"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return ChannelLog }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestEventFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeChain, "phase two reverted",
		xerrors.WithStage(xerrors.StageFulfill), xerrors.WithRequestIDs([]string{"0x1", "0x2"}))

	event := EventFromError(err)
	require.Equal(t, xerrors.CodeChain, event.Code)
	require.Equal(t, xerrors.StageFulfill, event.Stage)
	require.Equal(t, []string{"0x1", "0x2"}, event.RequestIDs)
	require.Equal(t, xerrors.SeverityCritical, event.Severity)
}

func TestWebhookNotifier(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recorder := &recordingNotifier{err: errors.New("boom")}
	dispatcher := NewFanout(recorder, &WebhookNotifier{URL: srv.URL, HTTPClient: srv.Client()})

	err := dispatcher.Notify(context.Background(), Event{
		Code:       xerrors.CodeAggregation,
		Severity:   xerrors.SeverityCritical,
		RequestIDs: []string{"0xa"},
		Message:    "prover unavailable",
	})
	require.ErrorContains(t, err, "channel log")
	require.Len(t, recorder.events, 1)
	require.Equal(t, "AGGREGATION_FAILURE", payload["code"])
	require.Contains(t, payload["text"], "0xa")
}
