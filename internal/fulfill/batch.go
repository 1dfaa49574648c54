// Package fulfill drives one batch of proof requests from request ids to a
// confirmed on-chain fulfillment.
package fulfill

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
)

// Request names the orders of one batch. Digests and TxHashes are optional
// hints; when present they are positional with IDs.
type Request struct {
	IDs      []*big.Int
	Digests  []common.Hash
	TxHashes []common.Hash
}

// IDStrings formats the batch ids for errors and logs.
func (r Request) IDStrings() []string {
	return market.IDsHex(r.IDs)
}

// Validate checks the batch shape. It never touches the network.
func (r Request) Validate() error {
	ids := r.IDStrings()
	if len(r.IDs) == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "批次不能为空")
	}
	for i, id := range r.IDs {
		if id == nil {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("第 %d 个请求 ID 为空", i),
				xerrors.WithRequestIDs(ids))
		}
	}
	if r.Digests != nil && len(r.Digests) != len(r.IDs) {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("request digest 数量 %d 与请求数量 %d 不一致", len(r.Digests), len(r.IDs)),
			xerrors.WithRequestIDs(ids))
	}
	if r.TxHashes != nil && len(r.TxHashes) != len(r.IDs) {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("交易哈希数量 %d 与请求数量 %d 不一致", len(r.TxHashes), len(r.IDs)),
			xerrors.WithRequestIDs(ids))
	}
	return nil
}

func (r Request) hints(i int) (txHash, digest *common.Hash) {
	if r.TxHashes != nil {
		h := r.TxHashes[i]
		txHash = &h
	}
	if r.Digests != nil {
		d := r.Digests[i]
		digest = &d
	}
	return txHash, digest
}

// Batch is the verified and classified form of a Request. Orders and
// Signatures are in request order; Priced and PricedSignatures hold the
// unlocked subset in the same relative order.
type Batch struct {
	Orders           []market.Order
	Signatures       [][]byte
	Locked           []bool
	Priced           []market.ProofRequest
	PricedSignatures [][]byte
}

// IDs returns the request ids of every order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Orders))
	for i, o := range b.Orders {
		ids[i] = market.IDHex(o.Request.ID)
	}
	return ids
}

// LockedCount is the number of orders excluded from pricing.
func (b *Batch) LockedCount() int {
	return len(b.Orders) - len(b.Priced)
}

func newBatch(results []classified) *Batch {
	b := &Batch{
		Orders:     make([]market.Order, len(results)),
		Signatures: make([][]byte, len(results)),
		Locked:     make([]bool, len(results)),
	}
	for i, r := range results {
		b.Orders[i] = r.order
		b.Signatures[i] = r.order.Signature
		b.Locked[i] = r.locked
		if !r.locked {
			b.Priced = append(b.Priced, r.order.Request)
			b.PricedSignatures = append(b.PricedSignatures, r.order.Signature)
		}
	}
	return b
}
