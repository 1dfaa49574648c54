package benchmark

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"ProofMarket/internal/bonsai"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/internal/telemetry"
	"ProofMarket/pkg/logger"
)

// Job is a finished proving session handed to a throughput strategy.
type Job struct {
	RequestID *big.Int
	SessionID string
	Status    bonsai.SessionStatus
	// Elapsed is measured by the harness from session creation to the
	// terminal status.
	Elapsed time.Duration
}

// Strategy turns a finished job into a cycle count and proving time.
type Strategy interface {
	Name() string
	Measure(ctx context.Context, job Job) (telemetry.Measurement, error)
}

// ClientSide uses the cycles reported by the backend and the harness wall
// clock.
type ClientSide struct{}

// Name implements Strategy.
func (ClientSide) Name() string { return "client" }

// Measure implements Strategy.
func (ClientSide) Measure(_ context.Context, job Job) (telemetry.Measurement, error) {
	if job.Status.Stats == nil {
		return telemetry.Measurement{}, xerrors.New(xerrors.CodeBackend, "proving 后端未返回统计信息",
			xerrors.WithStage(xerrors.StageMeasure),
			xerrors.WithRequestIDs([]string{market.IDHex(job.RequestID)}))
	}
	return telemetry.Measurement{
		Cycles:         float64(job.Status.Stats.TotalCycles),
		ElapsedSeconds: job.Elapsed.Seconds(),
	}, nil
}

// TelemetrySource reads exact job statistics. *telemetry.Store satisfies it.
type TelemetrySource interface {
	Measure(ctx context.Context, jobID string) (telemetry.Measurement, error)
}

// Telemetry prefers the task database and falls back to ClientSide when
// the data is unavailable for a job.
type Telemetry struct {
	source   TelemetrySource
	fallback ClientSide
	logger   *slog.Logger
}

// NewTelemetry builds a telemetry strategy over source.
func NewTelemetry(source TelemetrySource) *Telemetry {
	return &Telemetry{source: source, logger: logger.Named("benchmark")}
}

// Name implements Strategy.
func (t *Telemetry) Name() string { return "telemetry" }

// Measure implements Strategy.
func (t *Telemetry) Measure(ctx context.Context, job Job) (telemetry.Measurement, error) {
	m, err := t.source.Measure(ctx, job.SessionID)
	if err == nil {
		return m, nil
	}
	if xerrors.CodeOf(err) != xerrors.CodeTelemetryUnavailable {
		return telemetry.Measurement{}, err
	}
	t.logger.Warn("遥测数据不可用，改用客户端计时",
		slog.String("request_id", market.IDHex(job.RequestID)),
		slog.String("session", job.SessionID),
		slog.Any("error", err))
	return t.fallback.Measure(ctx, job)
}

// SelectStrategy returns a telemetry strategy when source is non-nil and
// ClientSide otherwise. The choice is made once per harness.
func SelectStrategy(source TelemetrySource) Strategy {
	if source == nil {
		return ClientSide{}
	}
	return NewTelemetry(source)
}

// KHz is thousands of cycles per second. It is only defined for positive
// cycles and elapsed time.
func KHz(cycles, elapsedSeconds float64) (float64, error) {
	if cycles <= 0 || elapsedSeconds <= 0 {
		return 0, xerrors.New(xerrors.CodeBackend, "周期数或耗时非正，无法计算 khz",
			xerrors.WithStage(xerrors.StageMeasure))
	}
	return cycles / 1000 / elapsedSeconds, nil
}
