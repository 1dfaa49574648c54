package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
)

// DefaultHTTPTimeout bounds one aggregation call. Aggregating a batch runs a
// full proving pipeline, so the budget is generous.
const DefaultHTTPTimeout = 30 * time.Minute

// ClientConfig configures the remote aggregation service client.
type ClientConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	VerifyRoot bool
}

// Client calls a remote aggregation service over HTTP.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	verifyRoot bool
	httpClient *http.Client
}

// NewClient builds an aggregation client. When httpClient is nil a client
// with cfg.Timeout (or DefaultHTTPTimeout) is used.
func NewClient(cfg ClientConfig, httpClient *http.Client) (*Client, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置聚合服务地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "聚合服务地址无效")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: parsed, apiKey: cfg.APIKey, verifyRoot: cfg.VerifyRoot, httpClient: httpClient}, nil
}

type orderJSON struct {
	Request   market.RequestJSON `json:"request"`
	Signature hexutil.Bytes      `json:"signature"`
}

type aggregateRequest struct {
	Orders []orderJSON `json:"orders"`
}

type fillJSON struct {
	ID            *hexutil.Big  `json:"id"`
	RequestDigest common.Hash   `json:"request_digest"`
	ImageID       common.Hash   `json:"image_id"`
	Journal       hexutil.Bytes `json:"journal"`
	Seal          hexutil.Bytes `json:"seal"`
}

type selectorJSON struct {
	Index uint32        `json:"index"`
	Value hexutil.Bytes `json:"value"`
}

type callbackJSON struct {
	Index    uint32         `json:"index"`
	Address  common.Address `json:"addr"`
	GasLimit *hexutil.Big   `json:"gas_limit"`
}

type assessorJSON struct {
	Seal      hexutil.Bytes  `json:"seal"`
	Selectors []selectorJSON `json:"selectors"`
	Callbacks []callbackJSON `json:"callbacks"`
	Prover    common.Address `json:"prover"`
}

type aggregateResponse struct {
	MerkleRoot common.Hash   `json:"merkle_root"`
	RootSeal   hexutil.Bytes `json:"root_seal"`
	Fills      []fillJSON    `json:"fills"`
	Assessor   assessorJSON  `json:"assessor"`
}

// Aggregate sends the ordered batch to the aggregation service.
func (c *Client) Aggregate(ctx context.Context, orders []market.Order) (*Result, error) {
	payload := aggregateRequest{Orders: make([]orderJSON, len(orders))}
	for i, o := range orders {
		payload.Orders[i] = orderJSON{Request: o.Request.ToJSON(), Signature: o.Signature}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAggregation, err, "序列化聚合请求失败")
	}

	endpoint := *c.baseURL
	endpoint.Path = path.Join(endpoint.Path, "/v1/aggregate")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAggregation, err, "构造聚合请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAggregation, err, "调用聚合服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, xerrors.New(xerrors.CodeAggregation,
			fmt.Sprintf("聚合服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var decoded aggregateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAggregation, err, "解析聚合结果失败")
	}
	result, err := decoded.result()
	if err != nil {
		return nil, err
	}
	if err := result.Validate(orders); err != nil {
		return nil, err
	}
	if c.verifyRoot {
		if err := result.VerifyRoot(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r aggregateResponse) result() (*Result, error) {
	out := &Result{
		MerkleRoot: r.MerkleRoot,
		RootSeal:   r.RootSeal,
		Fills:      make([]Fill, len(r.Fills)),
		Assessor: AssessorReceipt{
			Seal:   r.Assessor.Seal,
			Prover: r.Assessor.Prover,
		},
	}
	for i, f := range r.Fills {
		if f.ID == nil {
			return nil, xerrors.New(xerrors.CodeAggregation, fmt.Sprintf("第 %d 个 fill 缺少请求 ID", i))
		}
		out.Fills[i] = Fill{
			ID:            f.ID.ToInt(),
			RequestDigest: f.RequestDigest,
			ImageID:       f.ImageID,
			Journal:       f.Journal,
			Seal:          f.Seal,
		}
	}
	for _, s := range r.Assessor.Selectors {
		if len(s.Value) != 4 {
			return nil, xerrors.New(xerrors.CodeAggregation, fmt.Sprintf("selector 长度应为 4，实际 %d", len(s.Value)))
		}
		var value [4]byte
		copy(value[:], s.Value)
		out.Assessor.Selectors = append(out.Assessor.Selectors, Selector{Index: s.Index, Value: value})
	}
	for _, cb := range r.Assessor.Callbacks {
		gas := new(big.Int)
		if cb.GasLimit != nil {
			gas.Set(cb.GasLimit.ToInt())
		}
		out.Assessor.Callbacks = append(out.Assessor.Callbacks, AssessorCallback{Index: cb.Index, Address: cb.Address, GasLimit: gas})
	}
	return out, nil
}
