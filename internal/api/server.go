// Package api exposes batch submission and Prometheus metrics over HTTP for
// the intake daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/intake"
	"ProofMarket/internal/observability/metrics"
)

// Submitter enqueues batches. *intake.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job intake.Job) (*intake.Job, error)
}

// Server serves the intake HTTP API.
type Server struct {
	addr      string
	submitter Submitter
	token     string
}

// Option customises a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on batch submission.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = strings.TrimSpace(token)
	}
}

// NewServer builds a server listening on addr.
func NewServer(addr string, submitter Submitter, opts ...Option) *Server {
	s := &Server{addr: addr, submitter: submitter}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/batches", requireToken(s.token, http.HandlerFunc(s.handleBatches)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type batchRequest struct {
	RequestIDs []string `json:"request_ids"`
	Digests    []string `json:"request_digests,omitempty"`
	TxHashes   []string `json:"tx_hashes,omitempty"`
}

type errorResponse struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	RequestIDs []string `json:"request_ids,omitempty"`
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.submitter == nil {
		http.Error(w, "批次队列未初始化", http.StatusServiceUnavailable)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: string(xerrors.CodeMalformed), Message: "请求体解析失败"})
		return
	}

	job, err := s.submitter.Submit(r.Context(), intake.Job{
		RequestIDs: req.RequestIDs,
		Digests:    req.Digests,
		TxHashes:   req.TxHashes,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch xerrors.CodeOf(err) {
		case xerrors.CodeConfiguration, xerrors.CodeMalformed:
			status = http.StatusBadRequest
		case xerrors.CodeQueueFailure:
			status = http.StatusServiceUnavailable
		}
		resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
		if e, ok := xerrors.From(err); ok {
			resp.RequestIDs = e.RequestIDs()
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext rejects requests once the root context is done.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
