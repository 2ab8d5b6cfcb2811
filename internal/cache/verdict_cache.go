package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var ComputePanicError = errors.New("verdict computation panicked")

type VerdictCache interface {
	Get(url string) (bool, bool)
	Put(url string, censored bool)
	Resolve(ctx context.Context, url string, compute ComputeFunc) (model.Verdict, bool, error)
	Len() int
}

// ComputeFunc classifies the media behind a URL on a cache miss.
type ComputeFunc func(ctx context.Context) (model.Verdict, error)

// LRUCache keeps the last verdict per URL. Keys are used verbatim. Entries are
// evicted least recently used first once MaxSize is reached and expire TTL
// after insertion when a TTL is configured.
type LRUCache struct {
	lru   *expirable.LRU[string, bool]
	group singleflight.Group
}

func NewLRUCache(cfg *config.CacheConfig) *LRUCache {
	slog.Info("creating verdict cache.", slog.Int("max_size", cfg.MaxSize),
		slog.Duration("ttl", cfg.TTL))
	return &LRUCache{
		lru: expirable.NewLRU[string, bool](cfg.MaxSize, nil, cfg.TTL),
	}
}

func (c *LRUCache) Get(url string) (bool, bool) {
	return c.lru.Get(url)
}

func (c *LRUCache) Put(url string, censored bool) {
	c.lru.Add(url, censored)
}

func (c *LRUCache) Len() int {
	return c.lru.Len()
}

type resolved struct {
	verdict model.Verdict
	hit     bool
}

// Resolve returns the cached verdict for url or computes it. Concurrent misses
// for the same url share one computation. The computation is detached from the
// caller's cancellation so that one disconnecting client does not fail the
// others; each caller still stops waiting when its own ctx ends. Only
// successful verdicts are stored. The boolean result reports a cache hit.
func (c *LRUCache) Resolve(ctx context.Context, url string, compute ComputeFunc) (model.Verdict, bool, error) {
	if censored, ok := c.Get(url); ok {
		return model.Verdict{Censored: censored}, true, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(url, func() (res any, err error) {
		// a panic inside DoChan cannot be recovered by the callers
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in verdict computation.", slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				err = fmt.Errorf("%w: %v", ComputePanicError, r)
			}
		}()
		// another flight may have finished between the lookup and this call
		if censored, ok := c.Get(url); ok {
			return resolved{verdict: model.Verdict{Censored: censored}, hit: true}, nil
		}
		verdict, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.Put(url, verdict.Censored)
		return resolved{verdict: verdict}, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return model.Verdict{}, false, r.Err
		}
		res := r.Val.(resolved)
		return res.verdict, res.hit, nil
	case <-ctx.Done():
		return model.Verdict{}, false, ctx.Err()
	}
}
