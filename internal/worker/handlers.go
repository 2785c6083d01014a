package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shell-cache/shell-cache/internal/broadcast"
	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/events"
	"github.com/shell-cache/shell-cache/internal/fetch"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/metrics"
)

// PopulateResult 汇总一次 cache-populate-request 的结果。
type PopulateResult struct {
	Generation string   `json:"generation"`
	Stored     []string `json:"stored"`
	Failed     []string `json:"failed,omitempty"`
}

func (rt *Runtime) handlePopulate(ctx context.Context, clientID string, msg broadcast.Message) error {
	rt.metrics.Message("in", string(msg.Type))
	_, err := rt.Populate(ctx, msg.URLs)
	if err != nil {
		rt.logger.WithFields(logging.ClientFields("cache_populate", clientID, string(msg.Type))).
			WithError(err).Warn("populate rejected")
	}
	return err
}

// Populate 并发获取 urls 并写入当前代际。相对地址以应用源站解析；
// 单个地址失败只记录，不影响其他地址。
func (rt *Runtime) Populate(ctx context.Context, urls []string) (*PopulateResult, error) {
	bucket := rt.currentBucket()
	if bucket == nil {
		return nil, ErrNoActiveGeneration
	}
	cfg := rt.Config()
	fetcher := rt.fetcherFor(cfg.App.OriginURL())
	result := &PopulateResult{Generation: bucket.Generation()}

	var mu sync.Mutex
	record := func(target string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failed = append(result.Failed, target)
			return
		}
		result.Stored = append(result.Stored, target)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.Global.PrimeConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, raw := range urls {
		target, err := cfg.App.ResolveURL(raw)
		if err != nil {
			rt.logger.WithFields(logrus.Fields{"action": "cache_populate", "target": raw}).
				WithError(err).Warn("invalid populate url")
			record(raw, err)
			continue
		}
		g.Go(func() error {
			err := populateOne(gctx, fetcher, bucket, target, cfg.App.VaryHeaders, rt.metrics)
			if err != nil {
				rt.logger.WithFields(logrus.Fields{
					"action":     "cache_populate",
					"generation": bucket.Generation(),
					"target":     target.String(),
				}).WithError(err).Warn("populate entry failed")
			}
			record(target.String(), err)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(result.Stored)
	sort.Strings(result.Failed)

	rt.logger.WithFields(logrus.Fields{
		"action":     "cache_populate",
		"generation": result.Generation,
		"stored":     len(result.Stored),
		"failed":     len(result.Failed),
	}).Info("populate finished")
	return result, nil
}

func populateOne(ctx context.Context, fetcher fetch.Fetcher, bucket cache.Bucket, target *url.URL, vary []string, m *metrics.Metrics) error {
	resp, err := fetcher.Fetch(ctx, &fetch.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		m.StoreWrite("failed")
		return err
	}
	if err := cache.Eligible(resp); err != nil {
		m.StoreWrite("skipped")
		return err
	}
	if err := bucket.Put(ctx, cache.NewIdentity(http.MethodGet, target, nil, vary), resp); err != nil {
		m.StoreWrite("failed")
		return fmt.Errorf("store %s: %w", target, err)
	}
	m.StoreWrite("stored")
	return nil
}

func (rt *Runtime) handleSkipWait(ctx context.Context, clientID string, msg broadcast.Message) error {
	rt.metrics.Message("in", string(msg.Type))
	rt.logger.WithFields(logging.ClientFields("skip_waiting", clientID, string(msg.Type))).Info("skip waiting requested")
	err := rt.SkipWaiting(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// broadcastSync 把后台触发转成 sync-requested 消息发给全部客户端。
func (rt *Runtime) broadcastSync(_ context.Context, event events.SyncEvent) error {
	delivered := rt.hub.PostAll(broadcast.Message{
		Type:     broadcast.TypeSyncRequested,
		Tag:      event.Tag,
		Periodic: event.Periodic,
	})
	rt.logger.WithFields(logrus.Fields{
		"action":    "sync_requested",
		"tag":       event.Tag,
		"periodic":  event.Periodic,
		"delivered": delivered,
	}).Info("sync broadcast")
	return nil
}
