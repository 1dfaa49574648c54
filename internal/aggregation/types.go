// Package aggregation describes the contract with the external prover that
// turns a batch of orders into one aggregated proof, and validates what it
// returns before anything reaches the chain.
package aggregation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
)

// Fill is the per-request fulfillment covered by the aggregation root.
type Fill struct {
	ID            *big.Int
	RequestDigest common.Hash
	ImageID       common.Hash
	Journal       []byte
	Seal          []byte
}

// Selector pins the verifier selector the assessor checked for a request.
type Selector struct {
	Index uint32
	Value [4]byte
}

// AssessorCallback carries a callback the assessor accepted for a request.
type AssessorCallback struct {
	Index    uint32
	Address  common.Address
	GasLimit *big.Int
}

// AssessorReceipt attests that the batch was priced against the market
// requirements before aggregation.
type AssessorReceipt struct {
	Seal      []byte
	Selectors []Selector
	Callbacks []AssessorCallback
	Prover    common.Address
}

// Result is the output of one aggregation over an ordered batch of orders.
type Result struct {
	MerkleRoot common.Hash
	RootSeal   []byte
	Fills      []Fill
	Assessor   AssessorReceipt
}

// Aggregator produces one aggregated proof covering every order. The root
// must be a deterministic function of the ordered order list.
type Aggregator interface {
	Aggregate(ctx context.Context, orders []market.Order) (*Result, error)
}

// Validate checks that fills are positionally zippable with orders and that
// the result is internally consistent. A result that fails validation is
// never partially used.
func (r *Result) Validate(orders []market.Order) error {
	if r == nil {
		return xerrors.New(xerrors.CodeAggregation, "聚合结果为空", xerrors.WithStage(xerrors.StageAggregate))
	}
	if r.MerkleRoot == (common.Hash{}) {
		return xerrors.New(xerrors.CodeAggregation, "聚合结果缺少 merkle root", xerrors.WithStage(xerrors.StageAggregate))
	}
	if len(r.Fills) != len(orders) {
		return xerrors.New(xerrors.CodeAggregation,
			fmt.Sprintf("聚合结果包含 %d 个 fill，批次有 %d 个订单", len(r.Fills), len(orders)),
			xerrors.WithStage(xerrors.StageAggregate))
	}
	for i, fill := range r.Fills {
		want := orders[i].Request.ID
		if fill.ID == nil || want == nil || fill.ID.Cmp(want) != 0 {
			return xerrors.New(xerrors.CodeAggregation,
				fmt.Sprintf("第 %d 个 fill 对应请求 %s，期望 %s", i, market.IDHex(fill.ID), market.IDHex(want)),
				xerrors.WithStage(xerrors.StageAggregate))
		}
	}
	return nil
}

// VerifyRoot recomputes the root over the fills and compares it with the
// reported root.
func (r *Result) VerifyRoot() error {
	computed := RootOf(r.Fills)
	if computed != r.MerkleRoot {
		return xerrors.New(xerrors.CodeAggregation,
			fmt.Sprintf("merkle root 不匹配: 上报 %s, 计算 %s", r.MerkleRoot.Hex(), computed.Hex()),
			xerrors.WithStage(xerrors.StageAggregate))
	}
	return nil
}
