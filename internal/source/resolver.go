// Package source resolves request ids to signed orders, on chain when the
// caller supplies hints and from the order stream otherwise.
package source

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/internal/observability/metrics"
	"ProofMarket/pkg/logger"
)

// ChainLookup finds requests submitted to the market contract.
type ChainLookup interface {
	FindOrder(ctx context.Context, id *big.Int, txHash, digest *common.Hash) (market.Order, error)
}

// StreamLookup finds requests published to the order stream.
type StreamLookup interface {
	FetchOrder(ctx context.Context, id *big.Int, digest *common.Hash) (market.Order, error)
}

// Resolver is safe for concurrent use as long as its lookups are.
type Resolver struct {
	chain  ChainLookup
	stream StreamLookup
	logger *slog.Logger
}

// NewResolver builds a resolver. Either lookup may be nil, not both.
func NewResolver(chain ChainLookup, stream StreamLookup) (*Resolver, error) {
	if chain == nil && stream == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置任何订单来源")
	}
	return &Resolver{chain: chain, stream: stream, logger: logger.Named("source")}, nil
}

// ResolveOrder returns the signed order for id. With a tx hash or digest the
// chain is consulted first and the stream is the fallback on NotFound;
// without hints the stream is used when configured, else the chain logs.
func (r *Resolver) ResolveOrder(ctx context.Context, id *big.Int, txHash, digest *common.Hash) (market.Order, error) {
	if id == nil {
		return market.Order{}, xerrors.New(xerrors.CodeConfiguration, "请求 ID 不能为空")
	}
	hinted := txHash != nil || digest != nil

	var (
		order market.Order
		err   error
	)
	switch {
	case hinted && r.chain != nil:
		order, err = r.chain.FindOrder(ctx, id, txHash, digest)
		if err != nil && xerrors.CodeOf(err) == xerrors.CodeNotFound && r.stream != nil && txHash == nil {
			r.logger.Debug("链上未找到，回退到 order-stream", slog.String("request_id", market.IDHex(id)))
			order, err = r.stream.FetchOrder(ctx, id, digest)
		}
	case r.stream != nil:
		order, err = r.stream.FetchOrder(ctx, id, digest)
	default:
		order, err = r.chain.FindOrder(ctx, id, txHash, digest)
	}
	if err != nil {
		return market.Order{}, xerrors.Annotate(err, xerrors.CodeNotFound, xerrors.StageFetch, []string{market.IDHex(id)})
	}
	metrics.ObserveOrderResolved(order.Source.Kind())
	r.logger.Debug("订单已获取",
		slog.String("request_id", market.IDHex(id)),
		slog.String("source", order.Source.String()))
	return order, nil
}
