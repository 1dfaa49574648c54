// Package benchmark measures proving throughput of a backend by proving
// existing market requests one at a time and reporting the slowest.
package benchmark

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"ProofMarket/internal/bonsai"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/internal/observability/alerting"
	"ProofMarket/internal/observability/metrics"
	"ProofMarket/internal/preflight"
	"ProofMarket/pkg/logger"
)

const (
	// DefaultPollInterval is the status polling period.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultJobTimeout bounds a single proving session.
	DefaultJobTimeout = 2 * time.Hour

	// CodeLowConfidence flags a run whose worst case proved too few cycles.
	CodeLowConfidence xerrors.Code = "BENCHMARK_LOW_CONFIDENCE"
)

func init() {
	xerrors.Register(CodeLowConfidence, xerrors.Attributes{
		Message:  "benchmark worst case below cycle threshold",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// State is the lifecycle of one benchmarked request.
type State string

const (
	StateFetched   State = "FETCHED"
	StateUploaded  State = "UPLOADED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Backend is the proving service. *bonsai.Client satisfies it.
type Backend interface {
	UploadImage(ctx context.Context, imageID string, program []byte) (bool, error)
	UploadInput(ctx context.Context, input []byte) (string, error)
	CreateSession(ctx context.Context, imageID, inputID string) (bonsai.Session, error)
	SessionStatus(ctx context.Context, sessionID string) (bonsai.SessionStatus, error)
}

// OrderResolver fetches signed orders.
type OrderResolver interface {
	ResolveOrder(ctx context.Context, id *big.Int, txHash, digest *common.Hash) (market.Order, error)
}

// Config selects the proving backend and the polling bounds.
type Config struct {
	BackendURL   string
	APIKey       string
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Harness runs benchmarks sequentially.
type Harness struct {
	backend      Backend
	resolver     OrderResolver
	fetcher      preflight.Fetcher
	strategy     Strategy
	endpoint     string
	pollInterval time.Duration
	jobTimeout   time.Duration
	now          func() time.Time
	observer     func(id *big.Int, state State)
	alerter      alerting.Dispatcher
	logger       *slog.Logger
}

// Option customises a Harness.
type Option func(*Harness)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(h *Harness) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

// WithJobTimeout overrides DefaultJobTimeout.
func WithJobTimeout(d time.Duration) Option {
	return func(h *Harness) {
		if d > 0 {
			h.jobTimeout = d
		}
	}
}

// WithClock replaces time.Now for wall-clock measurement.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) {
		if now != nil {
			h.now = now
		}
	}
}

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(id *big.Int, state State)) Option {
	return func(h *Harness) {
		h.observer = fn
	}
}

// WithAlertDispatcher raises an alert for low-confidence runs.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(h *Harness) {
		h.alerter = d
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// New connects to cfg.BackendURL and builds a harness over it.
func New(cfg Config, resolver OrderResolver, fetcher preflight.Fetcher, strategy Strategy, opts ...Option) (*Harness, error) {
	client, err := bonsai.NewClient(bonsai.Config{URL: cfg.BackendURL, APIKey: cfg.APIKey}, &http.Client{Timeout: bonsai.DefaultHTTPTimeout})
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithPollInterval(cfg.PollInterval), WithJobTimeout(cfg.JobTimeout)}, opts...)
	h := NewHarness(client, resolver, fetcher, strategy, opts...)
	h.endpoint = client.Endpoint()
	return h, nil
}

// NewHarness builds a harness over an existing backend.
func NewHarness(backend Backend, resolver OrderResolver, fetcher preflight.Fetcher, strategy Strategy, opts ...Option) *Harness {
	if strategy == nil {
		strategy = ClientSide{}
	}
	h := &Harness{
		backend:      backend,
		resolver:     resolver,
		fetcher:      fetcher,
		strategy:     strategy,
		pollInterval: DefaultPollInterval,
		jobTimeout:   DefaultJobTimeout,
		now:          time.Now,
		logger:       logger.Named("benchmark"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Strategy returns the throughput strategy chosen at construction.
func (h *Harness) Strategy() Strategy {
	return h.strategy
}

// Run proves each request in order and reports the worst case. Any failed
// request aborts the run.
func (h *Harness) Run(ctx context.Context, ids []*big.Int) (*Report, error) {
	if len(ids) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "基准测试请求列表为空")
	}
	for _, id := range ids {
		if id == nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "基准测试请求 id 为空")
		}
	}

	runID := uuid.NewString()
	log := h.logger.With(slog.String("run_id", runID), slog.String("strategy", h.strategy.Name()))
	log.Info("开始基准测试", slog.Int("requests", len(ids)), slog.String("endpoint", h.endpoint))

	worst := NewWorstCase()
	samples := make([]Sample, 0, len(ids))
	for _, id := range ids {
		sample, err := h.runOne(ctx, log, id)
		if err != nil {
			h.transition(id, StateFailed)
			return nil, xerrors.Annotate(err, xerrors.CodeBackend, xerrors.StageProve, market.IDsHex(ids),
				xerrors.WithMetadata("request_id", market.IDHex(id)))
		}
		samples = append(samples, sample)
		worst.Observe(sample)
	}

	worstSample, _ := worst.Sample()
	report := &Report{
		RunID:         runID,
		Strategy:      h.strategy.Name(),
		Endpoint:      h.endpoint,
		Samples:       samples,
		Worst:         worstSample,
		LowConfidence: worst.LowConfidence(),
	}
	if report.LowConfidence {
		log.Warn("最差样本周期数低于 1M，khz 可能偏低，建议使用更大的证明",
			slog.String("request_id", market.IDHex(worstSample.RequestID)),
			slog.Float64("cycles", worstSample.Cycles))
		h.alertLowConfidence(ctx, report)
	}
	metrics.SetBenchmarkWorst(worstSample.KHz)
	logger.Audit().Info("benchmark report",
		slog.String("run_id", runID),
		slog.String("strategy", report.Strategy),
		slog.String("request_id", market.IDHex(worstSample.RequestID)),
		slog.Float64("khz", worstSample.KHz),
		slog.Float64("elapsed_seconds", worstSample.ElapsedSeconds),
		slog.Float64("cycles", worstSample.Cycles),
		slog.Int64("peak_prove_khz", report.SuggestedPeakKHz()))
	return report, nil
}

func (h *Harness) runOne(ctx context.Context, log *slog.Logger, id *big.Int) (Sample, error) {
	order, err := h.resolver.ResolveOrder(ctx, id, nil, nil)
	if err != nil {
		return Sample{}, err
	}
	guest, err := preflight.LoadGuest(ctx, h.fetcher, order.Request)
	if err != nil {
		return Sample{}, err
	}
	h.transition(id, StateFetched)

	imageID := hex.EncodeToString(order.Request.Requirements.ImageID[:])
	if _, err := h.backend.UploadImage(ctx, imageID, guest.Program); err != nil {
		return Sample{}, err
	}
	inputID, err := h.backend.UploadInput(ctx, guest.Stdin)
	if err != nil {
		return Sample{}, err
	}
	h.transition(id, StateUploaded)

	start := h.now()
	session, err := h.backend.CreateSession(ctx, imageID, inputID)
	if err != nil {
		return Sample{}, err
	}
	h.transition(id, StateRunning)

	status, err := h.wait(ctx, session.UUID)
	if err != nil {
		return Sample{}, err
	}
	elapsed := h.now().Sub(start)
	h.transition(id, StateSucceeded)

	m, err := h.strategy.Measure(ctx, Job{RequestID: id, SessionID: session.UUID, Status: status, Elapsed: elapsed})
	if err != nil {
		return Sample{}, err
	}
	khz, err := KHz(m.Cycles, m.ElapsedSeconds)
	if err != nil {
		return Sample{}, err
	}
	sample := Sample{RequestID: id, SessionID: session.UUID, Cycles: m.Cycles, ElapsedSeconds: m.ElapsedSeconds, KHz: khz}
	metrics.ObserveBenchmarkSample(h.strategy.Name(), khz, elapsed)
	log.Info("证明完成",
		slog.String("request_id", market.IDHex(id)),
		slog.String("session", session.UUID),
		slog.Float64("khz", khz),
		slog.Float64("elapsed_seconds", m.ElapsedSeconds),
		slog.Float64("server_elapsed", status.ElapsedTime))
	return sample, nil
}

// wait polls the session until it leaves RUNNING, bounded by the job timeout
// and ctx.
func (h *Harness) wait(ctx context.Context, sessionID string) (bonsai.SessionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, h.jobTimeout)
	defer cancel()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		status, err := h.backend.SessionStatus(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return bonsai.SessionStatus{}, h.waitAborted(ctx, sessionID)
			}
			return bonsai.SessionStatus{}, err
		}
		switch status.Status {
		case bonsai.StatusRunning:
		case bonsai.StatusSucceeded:
			if status.Stats == nil {
				return bonsai.SessionStatus{}, xerrors.New(xerrors.CodeBackend, "proving 后端未返回统计信息",
					xerrors.WithStage(xerrors.StageProve), xerrors.WithMetadata("session", sessionID))
			}
			return status, nil
		default:
			return bonsai.SessionStatus{}, xerrors.New(xerrors.CodeBackend,
				fmt.Sprintf("proving 会话 %s 失败 (%s): %s", sessionID, status.Status, status.ErrorMsg),
				xerrors.WithStage(xerrors.StageProve), xerrors.WithMetadata("session", sessionID))
		}

		select {
		case <-ctx.Done():
			return bonsai.SessionStatus{}, h.waitAborted(ctx, sessionID)
		case <-ticker.C:
		}
	}
}

func (h *Harness) waitAborted(ctx context.Context, sessionID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(),
			fmt.Sprintf("等待 proving 会话 %s 超时", sessionID),
			xerrors.WithStage(xerrors.StageProve), xerrors.WithMetadata("session", sessionID))
	}
	return xerrors.Wrap(xerrors.CodeBackend, ctx.Err(), "基准测试被取消",
		xerrors.WithStage(xerrors.StageProve), xerrors.WithMetadata("session", sessionID))
}

func (h *Harness) alertLowConfidence(ctx context.Context, report *Report) {
	if h.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       CodeLowConfidence,
		Message:    fmt.Sprintf("最差样本仅 %.0f 个周期，建议的 peak_prove_khz=%d 可能偏低", report.Worst.Cycles, report.SuggestedPeakKHz()),
		Severity:   xerrors.SeverityWarning,
		Stage:      xerrors.StageMeasure,
		RequestIDs: []string{market.IDHex(report.Worst.RequestID)},
		Metadata:   map[string]string{"run_id": report.RunID, "strategy": report.Strategy},
		OccurredAt: time.Now().UTC(),
	}
	if err := h.alerter.Notify(ctx, event); err != nil {
		h.logger.Error("告警通知失败", slog.Any("error", err), slog.String("run_id", report.RunID))
	}
}

func (h *Harness) transition(id *big.Int, state State) {
	h.logger.Debug("状态变更", slog.String("request_id", market.IDHex(id)), slog.String("state", string(state)))
	if h.observer != nil {
		h.observer(id, state)
	}
}
