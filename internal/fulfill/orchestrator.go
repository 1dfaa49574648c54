package fulfill

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/pkg/logger"
)

// OrderResolver returns the signed order for a request id.
type OrderResolver interface {
	ResolveOrder(ctx context.Context, id *big.Int, txHash, digest *common.Hash) (market.Order, error)
}

// MarketReader exposes the market domain and live lock state.
type MarketReader interface {
	Domain(ctx context.Context) (market.Domain, error)
	IsLocked(ctx context.Context, id *big.Int) (bool, error)
}

type classified struct {
	order  market.Order
	locked bool
}

// Orchestrator fetches, verifies and classifies every order of a batch
// concurrently.
type Orchestrator struct {
	resolver    OrderResolver
	market      MarketReader
	concurrency int
	logger      *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConcurrency bounds the number of in-flight orders. Zero or less means
// one goroutine per order.
func WithConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.concurrency = n
	}
}

// WithOrchestratorLogger overrides the logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(resolver OrderResolver, reader MarketReader, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{resolver: resolver, market: reader, logger: logger.Named("fulfill")}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Prepare validates req, then runs fetch, verify and classify for every id.
// The first failure cancels the remaining work and fails the whole batch.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ids := req.IDStrings()

	domain, err := o.market.Domain(ctx)
	if err != nil {
		return nil, xerrors.Annotate(err, xerrors.CodeChain, xerrors.StageVerify, ids)
	}

	results := make([]classified, len(req.IDs))
	g, gctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i := range req.IDs {
		g.Go(func() error {
			res, err := o.prepareOne(gctx, req, i, domain)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, xerrors.Annotate(err, xerrors.CodeUnknown, xerrors.StageFetch, ids)
	}

	batch := newBatch(results)
	o.logger.Info("批次订单已就绪",
		slog.Int("orders", len(batch.Orders)),
		slog.Int("priced", len(batch.Priced)),
		slog.Int("locked", batch.LockedCount()))
	return batch, nil
}

func (o *Orchestrator) prepareOne(ctx context.Context, req Request, i int, domain market.Domain) (classified, error) {
	id := req.IDs[i]
	txHash, digest := req.hints(i)

	order, err := o.resolver.ResolveOrder(ctx, id, txHash, digest)
	if err != nil {
		return classified{}, xerrors.Annotate(err, xerrors.CodeNotFound, xerrors.StageFetch, nil)
	}
	if order.Request.ID == nil || order.Request.ID.Cmp(id) != 0 {
		return classified{}, xerrors.New(xerrors.CodeMalformed,
			"订单来源返回的请求 ID 与查询不一致: "+market.IDHex(order.Request.ID),
			xerrors.WithStage(xerrors.StageFetch))
	}

	if err := order.Request.VerifySignature(order.Signature, domain); err != nil {
		return classified{}, xerrors.Annotate(err, xerrors.CodeInvalidSignature, xerrors.StageVerify, nil)
	}

	locked, err := o.market.IsLocked(ctx, id)
	if err != nil {
		return classified{}, xerrors.Annotate(err, xerrors.CodeChain, xerrors.StageClassify, nil)
	}
	o.logger.Debug("订单已验证",
		slog.String("request_id", market.IDHex(id)),
		slog.String("source", order.Source.String()),
		slog.Bool("locked", locked))
	return classified{order: order, locked: locked}, nil
}
