// Package fetch downloads guest programs and inputs referenced by requests.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	xerrors "ProofMarket/internal/errors"
)

const (
	// DefaultTimeout bounds one download.
	DefaultTimeout = 2 * time.Minute
	// DefaultMaxBytes caps a single download.
	DefaultMaxBytes = 256 << 20
)

// Fetcher resolves http(s):// and file:// URLs.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithMaxBytes caps download size.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// New returns a Fetcher with defaults applied.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxBytes:   DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body behind rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformed, err, fmt.Sprintf("URL 无效: %s", rawURL))
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u)
	case "file":
		return f.fetchFile(u)
	default:
		return nil, xerrors.New(xerrors.CodeMalformed, fmt.Sprintf("不支持的 URL 协议 %q", u.Scheme))
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformed, err, "构造下载请求失败")
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("下载 %s 失败", u.Redacted()))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("下载 %s 返回 %d", u.Redacted(), resp.StatusCode))
	}
	return f.readLimited(resp.Body, u.Redacted())
}

func (f *Fetcher) fetchFile(u *url.URL) ([]byte, error) {
	file, err := os.Open(u.Path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("打开文件 %s 失败", u.Path))
	}
	defer file.Close()
	return f.readLimited(file, u.Path)
}

func (f *Fetcher) readLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("读取 %s 失败", name))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, xerrors.New(xerrors.CodeMalformed, fmt.Sprintf("%s 超过 %d 字节上限", name, f.maxBytes))
	}
	return data, nil
}
