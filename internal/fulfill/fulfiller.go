package fulfill

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ProofMarket/internal/aggregation"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/observability/alerting"
	"ProofMarket/internal/observability/metrics"
	"ProofMarket/pkg/logger"
)

// Outcome describes a fulfilled batch.
type Outcome struct {
	Batch   *Batch
	Result  *aggregation.Result
	Receipt *Receipt
}

// Fulfiller runs prepare, aggregate and submit for one batch. There is no
// automatic retry; a failed batch is reported once with every request id.
type Fulfiller struct {
	orchestrator *Orchestrator
	aggregator   aggregation.Aggregator
	submitter    *BatchSubmitter
	alerter      alerting.Dispatcher
	logger       *slog.Logger
}

// Option configures a Fulfiller.
type Option func(*Fulfiller)

// WithAlertDispatcher sends alerts for failed batches.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(f *Fulfiller) {
		f.alerter = d
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fulfiller) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFulfiller wires the three stages together.
func NewFulfiller(orchestrator *Orchestrator, aggregator aggregation.Aggregator, submitter *BatchSubmitter, opts ...Option) *Fulfiller {
	f := &Fulfiller{
		orchestrator: orchestrator,
		aggregator:   aggregator,
		submitter:    submitter,
		logger:       logger.Named("fulfill"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fulfill processes req end to end.
func (f *Fulfiller) Fulfill(ctx context.Context, req Request) (*Outcome, error) {
	started := time.Now()
	outcome, err := f.fulfill(ctx, req)
	if err != nil {
		metrics.ObserveBatch(string(xerrors.StageOf(err)), started)
		f.logger.Error("批次履约失败",
			slog.String("batch", strings.Join(req.IDStrings(), ",")),
			slog.String("stage", string(xerrors.StageOf(err))),
			slog.Any("error", err))
		f.emitAlert(ctx, err)
		return nil, err
	}

	metrics.ObserveBatch("", started)
	metrics.ObserveBatchOrders(len(outcome.Batch.Priced), outcome.Batch.LockedCount())
	logger.Audit().Info("batch fulfilled",
		slog.String("batch", strings.Join(outcome.Batch.IDs(), ",")),
		slog.String("root", outcome.Result.MerkleRoot.Hex()),
		slog.String("root_tx", outcome.Receipt.RootTx.Hex()),
		slog.String("fulfill_tx", outcome.Receipt.FulfillTx.Hex()),
		slog.Int("priced", len(outcome.Batch.Priced)),
		slog.Int("locked", outcome.Batch.LockedCount()),
		slog.Duration("elapsed", time.Since(started)))
	return outcome, nil
}

func (f *Fulfiller) fulfill(ctx context.Context, req Request) (*Outcome, error) {
	batch, err := f.orchestrator.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := batch.IDs()

	result, err := f.aggregator.Aggregate(ctx, batch.Orders)
	if err != nil {
		return nil, xerrors.Annotate(err, xerrors.CodeAggregation, xerrors.StageAggregate, ids)
	}
	if err := result.Validate(batch.Orders); err != nil {
		return nil, xerrors.Annotate(err, xerrors.CodeAggregation, xerrors.StageAggregate, ids)
	}

	receipt, err := f.submitter.Submit(ctx, batch, result)
	if err != nil {
		return nil, err
	}
	return &Outcome{Batch: batch, Result: result, Receipt: receipt}, nil
}

func (f *Fulfiller) emitAlert(ctx context.Context, err error) {
	if f.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if alertErr := f.alerter.Notify(ctx, alerting.EventFromError(err)); alertErr != nil {
		f.logger.Warn("发送告警失败", slog.Any("error", alertErr))
	}
}
