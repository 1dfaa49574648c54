package intake

import (
	"context"
	"log/slog"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/fulfill"
	"ProofMarket/internal/observability/metrics"
	"ProofMarket/pkg/logger"
)

// Fulfiller 执行一个批次，*fulfill.Fulfiller 满足该接口。
type Fulfiller interface {
	Fulfill(ctx context.Context, req fulfill.Request) (*fulfill.Outcome, error)
}

// Processor 消费队列中的批次，每个批次只履约一次。
type Processor struct {
	fulfiller   Fulfiller
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 配置 Processor。
type ProcessorOption func(*Processor)

// WithProcessorLogger 覆盖默认日志器。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置并发处理的批次数。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 创建批次处理器。
func NewProcessor(fulfiller Fulfiller, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		fulfiller:   fulfiller,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("intake"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 持续消费，直到 ctx 结束或消费者停止。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.fulfiller == nil {
		return xerrors.New(xerrors.CodeConfiguration, "批次处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	job, err := decodeJob(payload)
	if err != nil {
		metrics.ObserveIntakeJob("rejected")
		p.logger.Warn("丢弃无法解析的批次", slog.Any("error", err))
		return err
	}
	req, err := job.Request()
	if err != nil {
		metrics.ObserveIntakeJob("rejected")
		p.logger.Warn("丢弃无效批次", slog.String("job_id", job.ID), slog.Any("error", err))
		return err
	}

	outcome, err := p.fulfiller.Fulfill(ctx, req)
	if err != nil {
		metrics.ObserveIntakeJob("failed")
		logger.Audit().Warn("批次履约失败",
			slog.String("job_id", job.ID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("stage", string(xerrors.StageOf(err))),
			slog.String("error", err.Error()))
		return err
	}
	metrics.ObserveIntakeJob("fulfilled")
	attrs := []any{slog.String("job_id", job.ID)}
	if outcome != nil && outcome.Receipt != nil {
		attrs = append(attrs, slog.String("fulfill_tx", outcome.Receipt.FulfillTx.Hex()))
	}
	p.logger.Info("批次履约完成", attrs...)
	return nil
}
