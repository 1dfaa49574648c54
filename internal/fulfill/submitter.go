package fulfill

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"ProofMarket/internal/aggregation"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/pkg/logger"
)

// ChainSubmitter sends the two fulfillment transactions and waits for each
// to be confirmed.
type ChainSubmitter interface {
	SubmitMerkleRoot(ctx context.Context, root common.Hash, seal []byte) (common.Hash, error)
	PriceAndFulfillBatch(ctx context.Context, requests []market.ProofRequest, signatures [][]byte, fills []aggregation.Fill, assessor aggregation.AssessorReceipt) (common.Hash, error)
}

// Receipt holds the transaction hashes of a submitted batch.
type Receipt struct {
	RootTx    common.Hash
	FulfillTx common.Hash
}

// BatchSubmitter commits the aggregation root and then prices and fulfills
// the batch. Phase two never runs unless phase one is confirmed.
type BatchSubmitter struct {
	chain  ChainSubmitter
	logger *slog.Logger
}

// NewBatchSubmitter builds a BatchSubmitter.
func NewBatchSubmitter(chain ChainSubmitter) *BatchSubmitter {
	return &BatchSubmitter{chain: chain, logger: logger.Named("submit")}
}

// Submit runs both phases for batch using the aggregation result.
func (s *BatchSubmitter) Submit(ctx context.Context, batch *Batch, result *aggregation.Result) (*Receipt, error) {
	ids := batch.IDs()

	rootTx, err := s.chain.SubmitMerkleRoot(ctx, result.MerkleRoot, result.RootSeal)
	if err != nil {
		return nil, xerrors.Annotate(err, xerrors.CodeChain, xerrors.StageSubmitRoot, ids)
	}
	s.logger.Info("aggregation root 已提交",
		slog.String("root", result.MerkleRoot.Hex()),
		slog.String("tx", rootTx.Hex()))

	fulfillTx, err := s.chain.PriceAndFulfillBatch(ctx, batch.Priced, batch.PricedSignatures, result.Fills, result.Assessor)
	if err != nil {
		return nil, xerrors.Annotate(err, xerrors.CodeChain, xerrors.StageFulfill, ids)
	}
	s.logger.Info("批次已履约",
		slog.String("tx", fulfillTx.Hex()),
		slog.Int("priced", len(batch.Priced)),
		slog.Int("fills", len(result.Fills)))
	return &Receipt{RootTx: rootTx, FulfillTx: fulfillTx}, nil
}
