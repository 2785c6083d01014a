package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shell-cache/shell-cache/internal/cache"
)

// Request 描述一次网络请求。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Fetcher 执行网络请求并返回完整读取的响应。任何非 2xx 状态都是正常响应，
// 只有无法得到响应时才返回 *NetworkError。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// NetworkError 表示请求未能得到任何响应（连接失败、超时、读取中断）。
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err (or anything it wraps) is a *NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// HTTPFetcher 基于共享 http.Client 实现 Fetcher。与 origin 同源的响应标记为 basic，
// 其余标记为 cors。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher constructs a fetcher. client nil 时使用 NewUpstreamClient(0)。
func NewHTTPFetcher(client *http.Client, origin *url.URL) *HTTPFetcher {
	if client == nil {
		client = NewUpstreamClient(0)
	}
	return &HTTPFetcher{client: client, origin: origin}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch request requires an absolute url")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := req.URL.String()

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = req.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Type:   f.responseType(req.URL),
		URL:    target,
	}, nil
}

func (f *HTTPFetcher) responseType(target *url.URL) cache.ResponseType {
	if SameOrigin(f.origin, target) {
		return cache.ResponseBasic
	}
	return cache.ResponseCORS
}

// SameOrigin 比较 scheme 与 host（含端口），大小写不敏感。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostWithPort(a), hostWithPort(b))
}

func hostWithPort(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return host + ":" + port
}
