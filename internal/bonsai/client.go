// Package bonsai is a client for the Bonsai proving REST API, also served
// locally by Bento.
package bonsai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "ProofMarket/internal/errors"
)

const (
	// DefaultURL is the local Bento endpoint.
	DefaultURL = "http://localhost:8081"
	// DefaultHTTPTimeout bounds a single API call, not a proving job.
	DefaultHTTPTimeout = 2 * time.Minute
	// DefaultVersion is sent as x-risc0-version.
	DefaultVersion = "2.0.0"
)

// Session statuses reported by the API.
const (
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusTimedOut  = "TIMED_OUT"
	StatusAborted   = "ABORTED"
)

// Config describes the endpoint. The URL is explicit; nothing is read from
// the process environment.
type Config struct {
	URL     string
	APIKey  string
	Version string
}

// Client calls the proving API.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	version    string
	httpClient *http.Client
}

// Session identifies a proving session.
type Session struct {
	UUID string `json:"uuid"`
}

// Stats are the execution statistics of a finished session.
type Stats struct {
	Segments    uint64 `json:"segments"`
	TotalCycles uint64 `json:"total_cycles"`
	Cycles      uint64 `json:"cycles"`
}

// SessionStatus is the polled state of a session.
type SessionStatus struct {
	Status      string  `json:"status"`
	ReceiptURL  string  `json:"receipt_url,omitempty"`
	ErrorMsg    string  `json:"error_msg,omitempty"`
	State       string  `json:"state,omitempty"`
	ElapsedTime float64 `json:"elapsed_time,omitempty"`
	Stats       *Stats  `json:"stats,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("bonsai api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a client. An empty URL selects DefaultURL.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		raw = DefaultURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "proving 后端地址无效")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	version := cfg.Version
	if version == "" {
		version = DefaultVersion
	}
	return &Client{baseURL: parsed, apiKey: cfg.APIKey, version: version, httpClient: httpClient}, nil
}

// Endpoint returns the configured base URL.
func (c *Client) Endpoint() string {
	return c.baseURL.String()
}

// UploadImage uploads program under imageID unless the backend already has it.
// It reports whether an upload happened.
func (c *Client) UploadImage(ctx context.Context, imageID string, program []byte) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/images/upload/"+url.PathEscape(imageID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeBackend, err, "查询镜像上传地址失败", xerrors.WithStage(xerrors.StageUpload))
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if err := checkStatus(resp); err != nil {
		return false, xerrors.Wrap(xerrors.CodeBackend, err, "查询镜像上传地址失败", xerrors.WithStage(xerrors.StageUpload))
	}
	var upload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return false, xerrors.Wrap(xerrors.CodeBackend, err, "解析镜像上传地址失败", xerrors.WithStage(xerrors.StageUpload))
	}
	if err := c.put(ctx, upload.URL, program); err != nil {
		return false, err
	}
	return true, nil
}

// UploadInput uploads guest stdin and returns its id.
func (c *Client) UploadInput(ctx context.Context, input []byte) (string, error) {
	var upload struct {
		URL  string `json:"url"`
		UUID string `json:"uuid"`
	}
	if err := c.getJSON(ctx, "/inputs/upload", &upload); err != nil {
		return "", xerrors.Wrap(xerrors.CodeBackend, err, "获取输入上传地址失败", xerrors.WithStage(xerrors.StageUpload))
	}
	if err := c.put(ctx, upload.URL, input); err != nil {
		return "", err
	}
	return upload.UUID, nil
}

// CreateSession starts proving imageID over inputID.
func (c *Client) CreateSession(ctx context.Context, imageID, inputID string) (Session, error) {
	payload := map[string]any{
		"img":          imageID,
		"input":        inputID,
		"assumptions":  []string{},
		"execute_only": false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Session{}, xerrors.Wrap(xerrors.CodeBackend, err, "序列化会话请求失败")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/sessions/create", bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var session Session
	if err := c.do(req, &session); err != nil {
		return Session{}, xerrors.Wrap(xerrors.CodeBackend, err, "创建 proving 会话失败", xerrors.WithStage(xerrors.StageProve))
	}
	if session.UUID == "" {
		return Session{}, xerrors.New(xerrors.CodeBackend, "proving 会话缺少 uuid", xerrors.WithStage(xerrors.StageProve))
	}
	return session, nil
}

// SessionStatus returns the current status of a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	if err := c.getJSON(ctx, "/sessions/status/"+url.PathEscape(sessionID), &status); err != nil {
		return SessionStatus{}, xerrors.Wrap(xerrors.CodeBackend, err, "查询会话状态失败", xerrors.WithStage(xerrors.StageProve))
	}
	return status, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) put(ctx context.Context, rawURL string, data []byte) error {
	if rawURL == "" {
		return xerrors.New(xerrors.CodeBackend, "上传地址为空", xerrors.WithStage(xerrors.StageUpload))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, bytes.NewReader(data))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBackend, err, "构造上传请求失败", xerrors.WithStage(xerrors.StageUpload))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBackend, err, "上传失败", xerrors.WithStage(xerrors.StageUpload))
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return xerrors.Wrap(xerrors.CodeBackend, err, "上传失败", xerrors.WithStage(xerrors.StageUpload))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackend, err, "构造请求失败")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("x-risc0-version", c.version)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
}
