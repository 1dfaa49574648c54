package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/intake"
	"ProofMarket/pkg/logger"
)

type recordingProducer struct {
	payloads [][]byte
	err      error
}

func (p *recordingProducer) Publish(_ context.Context, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func post(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitBatchAccepted(t *testing.T) {
	producer := &recordingProducer{}
	srv := NewServer(":0", intake.NewService(producer))

	rec := post(t, srv, `{"request_ids":["0x1","0x2"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job intake.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, []string{"0x1", "0x2"}, job.RequestIDs)
	require.Len(t, producer.payloads, 1)
}

func TestSubmitBatchRejectsInvalidInput(t *testing.T) {
	producer := &recordingProducer{}
	srv := NewServer(":0", intake.NewService(producer))

	rec := post(t, srv, `{"request_ids":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, string(xerrors.CodeConfiguration), resp.Code)

	rec = post(t, srv, `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, producer.payloads)
}

func TestSubmitBatchQueueFailure(t *testing.T) {
	producer := &recordingProducer{err: xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")}
	srv := NewServer(":0", intake.NewService(producer))

	rec := post(t, srv, `{"request_ids":["0x1"]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, []string{"0x1"}, resp.RequestIDs)
}

func TestBatchesRejectsOtherMethods(t *testing.T) {
	srv := NewServer(":0", intake.NewService(&recordingProducer{}))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batches", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv := NewServer(":0", intake.NewService(&recordingProducer{}))

	rec := httptest.NewRecorder()
	withContext(ctx, srv.Handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitBatchRequiresToken(t *testing.T) {
	producer := &recordingProducer{}
	srv := NewServer(":0", intake.NewService(producer), WithToken("s3cret"))
	var audit bytes.Buffer
	logger.SetOutput(&audit, "info")

	rec := post(t, srv, `{"request_ids":["0x1"]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, audit.String(), "access_denied")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(`{"request_ids":["0x1"]}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, producer.payloads, 1)

	health := httptest.NewRecorder()
	srv.Handler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, health.Code)
}
