// Package orderstream is a client for the off-chain order-stream service,
// where clients publish signed requests without a submission transaction.
package orderstream

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

// DefaultHTTPTimeout is used when no http.Client is supplied.
const DefaultHTTPTimeout = 15 * time.Second

// Client fetches orders from an order-stream deployment.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// OrderJSON is the order body published to the stream.
type OrderJSON struct {
	Request       market.RequestJSON `json:"request"`
	RequestDigest common.Hash        `json:"request_digest"`
	Signature     hexutil.Bytes      `json:"signature"`
}

// OrderData is one stored order record.
type OrderData struct {
	ID        int64     `json:"id"`
	Order     OrderJSON `json:"order"`
	CreatedAt time.Time `json:"created_at"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order-stream error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a client for rawURL. When httpClient is nil a client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 order-stream 地址")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "order-stream 地址无效")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// FetchOrder returns the order published for id. When the stream holds
// several orders for the same id a digest is required to pick one.
func (c *Client) FetchOrder(ctx context.Context, id *big.Int, digest *common.Hash) (market.Order, error) {
	records, err := c.listOrders(ctx, id, digest)
	if err != nil {
		return market.Order{}, err
	}

	var matches []OrderData
	for _, rec := range records {
		if digest != nil && rec.Order.RequestDigest != *digest {
			continue
		}
		matches = append(matches, rec)
	}
	switch {
	case len(matches) == 0:
		return market.Order{}, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("order-stream 中未找到请求 %s", market.IDHex(id)),
			xerrors.WithStage(xerrors.StageFetch))
	case len(matches) > 1:
		return market.Order{}, xerrors.New(xerrors.CodeMalformed,
			fmt.Sprintf("请求 %s 在 order-stream 中存在 %d 个订单，需要提供 request digest", market.IDHex(id), len(matches)),
			xerrors.WithStage(xerrors.StageFetch))
	}

	req, err := matches[0].Order.Request.Request()
	if err != nil {
		return market.Order{}, xerrors.Wrap(xerrors.CodeMalformed, err, "order-stream 订单格式错误",
			xerrors.WithStage(xerrors.StageFetch))
	}
	if req.ID.Cmp(id) != 0 {
		return market.Order{}, xerrors.New(xerrors.CodeMalformed,
			fmt.Sprintf("order-stream 返回的请求 id %s 与查询 id %s 不一致", market.IDHex(req.ID), market.IDHex(id)),
			xerrors.WithStage(xerrors.StageFetch))
	}
	return market.Order{
		Request:   req,
		Signature: matches[0].Order.Signature,
		Source:    market.OrderSource{Stream: true},
	}, nil
}

func (c *Client) listOrders(ctx context.Context, id *big.Int, digest *common.Hash) ([]OrderData, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, "/api/v1/orders", market.IDHex(id))}
	u := c.baseURL.ResolveReference(rel)
	if digest != nil {
		q := u.Query()
		q.Set("digest", digest.Hex())
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "构造 order-stream 请求失败")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "请求 order-stream 失败", xerrors.WithStage(xerrors.StageFetch))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("order-stream 中未找到请求 %s", market.IDHex(id)),
			xerrors.WithStage(xerrors.StageFetch))
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return nil, xerrors.Wrap(xerrors.CodeNotFound, apiErr, "order-stream 返回错误", xerrors.WithStage(xerrors.StageFetch))
	}

	var records []OrderData
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformed, err, "解析 order-stream 响应失败", xerrors.WithStage(xerrors.StageFetch))
	}
	return records, nil
}
