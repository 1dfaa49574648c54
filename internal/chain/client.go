// Package chain adapts the market and set-verifier contracts: lock-state
// reads, the two fulfillment transactions and on-chain order lookup.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"ProofMarket/internal/aggregation"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/pkg/logger"
)

const (
	defaultReceiptTimeout = 5 * time.Minute
	defaultPollInterval   = time.Second
	defaultLookbackBlocks = 100_000
)

// Backend is the node surface the client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes the contracts and signer used for fulfillment.
type Config struct {
	RPCURL             string
	MarketAddress      common.Address
	SetVerifierAddress common.Address
	// PrivateKey may be nil for read-only use such as benchmarking.
	PrivateKey     *ecdsa.PrivateKey
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	LookbackBlocks uint64
}

// Client talks to the market deployment on one chain.
type Client struct {
	backend     Backend
	rpcClient   *gethrpc.Client
	market      *bind.BoundContract
	setVerifier *bind.BoundContract
	marketAddr  common.Address
	key         *ecdsa.PrivateKey
	logger      *slog.Logger

	receiptTimeout time.Duration
	pollInterval   time.Duration
	lookback       uint64

	mu      sync.Mutex
	chainID *big.Int
}

// Dial connects to cfg.RPCURL and returns a ready client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置链 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "连接链节点失败")
	}
	client, err := NewClient(ethclient.NewClient(rpcClient), cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	return client, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少链访问后端")
	}
	if cfg.MarketAddress == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置市场合约地址")
	}
	c := &Client{
		backend:        backend,
		market:         bind.NewBoundContract(cfg.MarketAddress, marketABI, backend, backend, backend),
		marketAddr:     cfg.MarketAddress,
		key:            cfg.PrivateKey,
		logger:         logger.Named("chain"),
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		lookback:       cfg.LookbackBlocks,
	}
	if cfg.SetVerifierAddress != (common.Address{}) {
		c.setVerifier = bind.NewBoundContract(cfg.SetVerifierAddress, setVerifierABI, backend, backend, backend)
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = defaultReceiptTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.lookback == 0 {
		c.lookback = defaultLookbackBlocks
	}
	return c, nil
}

// Close releases the RPC connection opened by Dial.
func (c *Client) Close() {
	if c == nil || c.rpcClient == nil {
		return
	}
	c.rpcClient.Close()
	c.rpcClient = nil
}

// MarketAddress returns the market contract address.
func (c *Client) MarketAddress() common.Address {
	return c.marketAddr
}

// ChainID returns the chain id, fetched once and cached.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "获取链 ID 失败")
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

// Domain returns the EIP-712 domain of the market deployment.
func (c *Client) Domain(ctx context.Context) (market.Domain, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return market.Domain{}, err
	}
	return market.Domain{Market: c.marketAddr, ChainID: id}, nil
}

// IsLocked reports whether the request is currently locked by a prover.
func (c *Client) IsLocked(ctx context.Context, id *big.Int) (bool, error) {
	var out []any
	if err := c.market.Call(&bind.CallOpts{Context: ctx}, &out, "isLocked", id); err != nil {
		return false, xerrors.Wrap(xerrors.CodeChain, err, fmt.Sprintf("查询请求 %s 锁定状态失败", market.IDHex(id)))
	}
	if len(out) != 1 {
		return false, xerrors.New(xerrors.CodeChain, "isLocked 返回值数量异常")
	}
	locked, ok := out[0].(bool)
	if !ok {
		return false, xerrors.New(xerrors.CodeChain, fmt.Sprintf("isLocked 返回类型异常: %T", out[0]))
	}
	return locked, nil
}

// ImageInfo returns the assessor image id and URL published by the market.
func (c *Client) ImageInfo(ctx context.Context) (common.Hash, string, error) {
	return imageInfo(ctx, c.market)
}

// SetBuilderImageInfo returns the set-builder image id and URL.
func (c *Client) SetBuilderImageInfo(ctx context.Context) (common.Hash, string, error) {
	if c.setVerifier == nil {
		return common.Hash{}, "", xerrors.New(xerrors.CodeConfiguration, "未配置 set verifier 合约地址")
	}
	return imageInfo(ctx, c.setVerifier)
}

func imageInfo(ctx context.Context, contract *bind.BoundContract) (common.Hash, string, error) {
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "imageInfo"); err != nil {
		return common.Hash{}, "", xerrors.Wrap(xerrors.CodeChain, err, "查询 imageInfo 失败")
	}
	if len(out) != 2 {
		return common.Hash{}, "", xerrors.New(xerrors.CodeChain, "imageInfo 返回值数量异常")
	}
	id, _ := out[0].([32]byte)
	url, _ := out[1].(string)
	return id, url, nil
}

// SubmitMerkleRoot publishes the aggregation root and its seal to the set
// verifier and waits for inclusion.
func (c *Client) SubmitMerkleRoot(ctx context.Context, root common.Hash, seal []byte) (common.Hash, error) {
	if c.setVerifier == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeConfiguration, "未配置 set verifier 合约地址")
	}
	return c.transact(ctx, c.setVerifier, "submitMerkleRoot", [32]byte(root), nonNil(seal))
}

// PriceAndFulfillBatch prices the given requests and fulfills every fill in
// one transaction.
func (c *Client) PriceAndFulfillBatch(ctx context.Context, requests []market.ProofRequest, signatures [][]byte, fills []aggregation.Fill, assessor aggregation.AssessorReceipt) (common.Hash, error) {
	if len(requests) != len(signatures) {
		return common.Hash{}, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("待定价请求 %d 个，签名 %d 个", len(requests), len(signatures)))
	}
	encoded := make([]abiProofRequest, len(requests))
	for i, r := range requests {
		encoded[i] = toABIRequest(r)
	}
	sigs := make([][]byte, len(signatures))
	for i, s := range signatures {
		sigs[i] = nonNil(s)
	}
	return c.transact(ctx, c.market, "priceAndFulfillBatch", encoded, sigs, toABIFills(fills), toABIAssessor(assessor))
}

func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, params ...any) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeConfiguration, "未配置交易签名私钥")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "创建交易签名器失败")
	}
	auth.Context = ctx

	tx, err := contract.Transact(auth, method, params...)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, fmt.Sprintf("发送 %s 交易失败", method))
	}
	c.logger.Debug("交易已发送", slog.String("method", method), slog.String("tx", tx.Hash().Hex()))

	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return tx.Hash(), xerrors.New(xerrors.CodeChain,
			fmt.Sprintf("%s 交易执行失败: %s", method, tx.Hash().Hex()),
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	c.logger.Info("交易已确认",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("gas_used", receipt.GasUsed))
	return tx.Hash(), nil
}

// waitReceipt polls for the receipt until it is available or the receipt
// timeout elapses.
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChain, err, "查询交易回执失败")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(),
					fmt.Sprintf("等待交易 %s 上链超时", hash.Hex()))
			}
			return nil, xerrors.Wrap(xerrors.CodeChain, ctx.Err(), "等待交易回执被取消")
		case <-ticker.C:
		}
	}
}
