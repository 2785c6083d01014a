package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/fetch"
	"github.com/shell-cache/shell-cache/internal/metrics"
)

// Source 标记响应的来源，写入 X-Shell-Cache-Source 头与日志。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// DefaultRevalidateTimeout bounds a single background revalidation.
const DefaultRevalidateTimeout = 10 * time.Second

// Request 是进入拦截策略的请求。URL 必须是绝对地址。
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Navigate bool
}

// Result 是策略给出的响应及其来源。Generation 为空表示请求未被拦截。
type Result struct {
	Response   *cache.Response
	Source     Source
	Generation string
}

// BucketSource 返回当前激活代际的句柄；尚无激活代际时返回 nil。
type BucketSource func() cache.Bucket

// Options 描述构造 Policy 所需的依赖与参数。
type Options struct {
	Origin            *url.URL
	Fallback          *url.URL
	CacheCrossOrigin  bool
	VaryHeaders       []string
	RevalidateTimeout time.Duration

	Fetcher fetch.Fetcher
	Current BucketSource
	Tasks   *Tasks
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// Policy 实现请求拦截策略，可被多个请求并发调用。
type Policy struct {
	opts Options

	revalidateSF singleflight.Group
}

// New validates options and builds a Policy.
func New(opts Options) (*Policy, error) {
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Current == nil {
		return nil, errors.New("bucket source is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("task group is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = DefaultRevalidateTimeout
	}
	return &Policy{opts: opts}, nil
}

// Identity 按策略的 Vary 配置计算请求的缓存键。
func (p *Policy) Identity(req *Request) cache.Identity {
	return cache.NewIdentity(req.Method, req.URL, req.Header, p.opts.VaryHeaders)
}

// CrossOrigin reports whether target is outside the application origin.
func (p *Policy) CrossOrigin(target *url.URL) bool {
	return !fetch.SameOrigin(p.opts.Origin, target)
}

// Handle 对单个请求执行拦截策略。返回的错误只可能是网络失败（*fetch.NetworkError）
// 或参数错误；缓存读写故障只记录日志，不会传播给调用方。
func (p *Policy) Handle(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.URL == nil || !req.URL.IsAbs() {
		return nil, errors.New("intercept request requires an absolute url")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	bucket := p.opts.Current()
	if bucket == nil {
		resp, err := p.opts.Fetcher.Fetch(ctx, fetchRequest(req))
		if err != nil {
			return nil, err
		}
		return p.result(resp, SourcePassthrough, ""), nil
	}

	if req.Method != http.MethodGet {
		resp, err := p.opts.Fetcher.Fetch(ctx, fetchRequest(req))
		if err != nil {
			return nil, err
		}
		return p.result(resp, SourceNetwork, bucket.Generation()), nil
	}

	if p.CrossOrigin(req.URL) {
		return p.networkFirst(ctx, bucket, req)
	}
	return p.cacheFirst(ctx, bucket, req)
}

// networkFirst 处理跨域请求：网络优先，失败时查当前代际，仍未命中则原样返回网络错误。
func (p *Policy) networkFirst(ctx context.Context, bucket cache.Bucket, req *Request) (*Result, error) {
	id := p.Identity(req)
	resp, err := p.opts.Fetcher.Fetch(ctx, fetchRequest(req))
	if err != nil {
		cached, cacheErr := bucket.Get(ctx, id)
		if cacheErr == nil {
			return p.result(cached, SourceCache, bucket.Generation()), nil
		}
		if !errors.Is(cacheErr, cache.ErrNotFound) {
			p.logStoreError("cache_get_failed", bucket, id, cacheErr)
		}
		return nil, err
	}
	if p.opts.CacheCrossOrigin {
		p.store(ctx, bucket, id, resp)
	}
	return p.result(resp, SourceNetwork, bucket.Generation()), nil
}

// cacheFirst 处理同源请求：命中立即返回并在后台刷新；未命中回源并写入；
// 导航请求回源失败时返回应用外壳。
func (p *Policy) cacheFirst(ctx context.Context, bucket cache.Bucket, req *Request) (*Result, error) {
	id := p.Identity(req)
	cached, err := bucket.Get(ctx, id)
	switch {
	case err == nil:
		p.revalidate(bucket, id, req)
		return p.result(cached, SourceCache, bucket.Generation()), nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		p.logStoreError("cache_get_failed", bucket, id, err)
	}

	resp, err := p.opts.Fetcher.Fetch(ctx, fetchRequest(req))
	if err != nil {
		if req.Navigate && p.opts.Fallback != nil {
			fallbackID := cache.NewIdentity(http.MethodGet, p.opts.Fallback, nil, p.opts.VaryHeaders)
			shell, shellErr := bucket.Get(ctx, fallbackID)
			if shellErr == nil {
				p.opts.Logger.WithFields(logrus.Fields{
					"action":     "navigation_fallback",
					"generation": bucket.Generation(),
					"target":     req.URL.String(),
					"fallback":   fallbackID.URL,
				}).WithError(err).Info("serving application shell")
				return p.result(shell, SourceFallback, bucket.Generation()), nil
			}
			if !errors.Is(shellErr, cache.ErrNotFound) {
				p.logStoreError("cache_get_failed", bucket, fallbackID, shellErr)
			}
		}
		return nil, err
	}
	p.store(ctx, bucket, id, resp)
	return p.result(resp, SourceNetwork, bucket.Generation()), nil
}

// revalidate 在后台重新获取 id 并在得到 200 时覆盖写入。同一代际同一 Identity
// 的并发刷新只会发出一次网络请求。
func (p *Policy) revalidate(bucket cache.Bucket, id cache.Identity, req *Request) {
	key := bucket.Generation() + "\x00" + id.Key()
	freshReq := fetchRequest(req)
	accepted := p.opts.Tasks.Go(func(ctx context.Context) {
		p.revalidateSF.Do(key, func() (interface{}, error) {
			rctx, cancel := context.WithTimeout(ctx, p.opts.RevalidateTimeout)
			defer cancel()

			fields := logrus.Fields{
				"action":     "revalidate",
				"generation": bucket.Generation(),
				"target":     id.URL,
			}
			resp, err := p.opts.Fetcher.Fetch(rctx, freshReq)
			if err != nil {
				p.opts.Metrics.Revalidation("failed")
				p.opts.Logger.WithFields(fields).WithError(err).Debug("revalidate_failed")
				return nil, nil
			}
			if err := cache.Eligible(resp); err != nil {
				p.opts.Metrics.Revalidation("skipped")
				p.opts.Logger.WithFields(fields).WithError(err).Debug("revalidate_skipped")
				return nil, nil
			}
			if err := bucket.Put(rctx, id, resp); err != nil {
				p.opts.Metrics.Revalidation("failed")
				p.opts.Logger.WithFields(fields).WithError(err).Debug("revalidate_write_failed")
				return nil, nil
			}
			p.opts.Metrics.Revalidation("updated")
			return nil, nil
		})
	})
	if !accepted {
		p.opts.Logger.WithFields(logrus.Fields{
			"action":     "revalidate",
			"generation": bucket.Generation(),
			"target":     id.URL,
		}).Debug("revalidate_dropped")
	}
}

// store 写入 resp 的副本；不满足条件或写入失败只记录日志。
func (p *Policy) store(ctx context.Context, bucket cache.Bucket, id cache.Identity, resp *cache.Response) {
	if err := cache.Eligible(resp); err != nil {
		p.opts.Metrics.StoreWrite("skipped")
		p.opts.Logger.WithFields(logrus.Fields{
			"action":     "cache_put",
			"generation": bucket.Generation(),
			"target":     id.URL,
		}).WithError(err).Debug("write_skipped")
		return
	}
	if err := bucket.Put(ctx, id, resp.Clone()); err != nil {
		p.opts.Metrics.StoreWrite("failed")
		p.logStoreError("cache_put_failed", bucket, id, err)
		return
	}
	p.opts.Metrics.StoreWrite("stored")
}

func (p *Policy) logStoreError(action string, bucket cache.Bucket, id cache.Identity, err error) {
	entry := p.opts.Logger.WithFields(logrus.Fields{
		"action":     action,
		"generation": bucket.Generation(),
		"target":     id.URL,
	}).WithError(err)
	if errors.Is(err, cache.ErrGenerationDeleted) {
		entry.Debug("store_error")
		return
	}
	entry.Warn("store_error")
}

func (p *Policy) result(resp *cache.Response, source Source, generation string) *Result {
	p.opts.Metrics.Request(string(source))
	return &Result{Response: resp, Source: source, Generation: generation}
}

func fetchRequest(req *Request) *fetch.Request {
	var header http.Header
	if req.Header != nil {
		header = req.Header.Clone()
	}
	return &fetch.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: header,
		Body:   req.Body,
	}
}

// String is used in logs.
func (r *Request) String() string {
	if r == nil || r.URL == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s", r.Method, r.URL.String())
}
