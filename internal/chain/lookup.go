package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
)

// RequestSubmittedTopic is the topic0 of the market RequestSubmitted event.
var RequestSubmittedTopic = marketABI.Events["RequestSubmitted"].ID

// FindOrder locates a request submitted on chain. With a tx hash the
// transaction receipt is searched; otherwise the market logs are filtered by
// request id over the lookback window. A non-nil digest must match the
// EIP-712 digest of the decoded request.
func (c *Client) FindOrder(ctx context.Context, id *big.Int, txHash, digest *common.Hash) (market.Order, error) {
	var (
		candidates []market.Order
		err        error
	)
	if txHash != nil {
		candidates, err = c.ordersFromReceipt(ctx, *txHash)
	} else {
		candidates, err = c.ordersFromLogs(ctx, id)
	}
	if err != nil {
		return market.Order{}, err
	}

	var domain market.Domain
	if digest != nil {
		if domain, err = c.Domain(ctx); err != nil {
			return market.Order{}, err
		}
	}
	for _, order := range candidates {
		if order.Request.ID.Cmp(id) != 0 {
			continue
		}
		if digest != nil {
			hash, err := order.Request.SigningHash(domain)
			if err != nil || hash != *digest {
				continue
			}
		}
		if txHash != nil {
			h := *txHash
			order.Source = market.OrderSource{TxHash: &h}
		}
		return order, nil
	}
	return market.Order{}, xerrors.New(xerrors.CodeNotFound,
		fmt.Sprintf("链上未找到请求 %s", market.IDHex(id)),
		xerrors.WithStage(xerrors.StageFetch))
}

func (c *Client) ordersFromReceipt(ctx context.Context, txHash common.Hash) ([]market.Order, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("交易 %s 不存在", txHash.Hex()),
				xerrors.WithStage(xerrors.StageFetch))
		}
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "查询交易回执失败", xerrors.WithStage(xerrors.StageFetch))
	}
	return c.decodeLogs(receipt.Logs)
}

func (c *Client) ordersFromLogs(ctx context.Context, id *big.Int) ([]market.Order, error) {
	query := gethcore.FilterQuery{
		Addresses: []common.Address{c.marketAddr},
		Topics:    [][]common.Hash{{RequestSubmittedTopic}, {common.BigToHash(id)}},
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "获取最新区块失败", xerrors.WithStage(xerrors.StageFetch))
	}
	if head != nil && head.Number != nil && head.Number.Uint64() > c.lookback {
		query.FromBlock = new(big.Int).SetUint64(head.Number.Uint64() - c.lookback)
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "查询 RequestSubmitted 事件失败", xerrors.WithStage(xerrors.StageFetch))
	}
	ptrs := make([]*coretypes.Log, len(logs))
	for i := range logs {
		ptrs[i] = &logs[i]
	}
	return c.decodeLogs(ptrs)
}

func (c *Client) decodeLogs(logs []*coretypes.Log) ([]market.Order, error) {
	var orders []market.Order
	for _, lg := range logs {
		if lg == nil || lg.Address != c.marketAddr || len(lg.Topics) == 0 || lg.Topics[0] != RequestSubmittedTopic {
			continue
		}
		order, err := DecodeRequestSubmitted(*lg)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// DecodeRequestSubmitted decodes a RequestSubmitted log into an order.
func DecodeRequestSubmitted(lg coretypes.Log) (market.Order, error) {
	var ev requestSubmittedEvent
	if err := marketABI.UnpackIntoInterface(&ev, "RequestSubmitted", lg.Data); err != nil {
		return market.Order{}, xerrors.Wrap(xerrors.CodeMalformed, err, "解析 RequestSubmitted 事件失败",
			xerrors.WithStage(xerrors.StageFetch))
	}
	order := market.Order{Request: ev.Request.request(), Signature: ev.ClientSignature}
	if len(lg.Topics) > 1 {
		if indexed := lg.Topics[1].Big(); indexed.Cmp(order.Request.ID) != 0 {
			return market.Order{}, xerrors.New(xerrors.CodeMalformed,
				fmt.Sprintf("事件主题 id %s 与请求体 id %s 不一致", market.IDHex(indexed), market.IDHex(order.Request.ID)),
				xerrors.WithStage(xerrors.StageFetch))
		}
	}
	return order, nil
}
