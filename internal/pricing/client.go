package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"galapagos/internal/metrics"
	"galapagos/pkg/logger"
)

const (
	defaultFreshTTL = 30 * time.Second
	defaultStaleTTL = 5 * time.Minute
)

// Client 价格预言机客户端
//
// 新鲜窗口内直接返回缓存；上游失败时在过期上限内返回旧报价，否则返回 ErrPriceUnavailable。
// 并发刷新不做合并，最后写入者生效。
type Client struct {
	source   Source
	shared   QuoteCache
	freshTTL time.Duration
	staleTTL time.Duration
	logger   *logger.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last Quote
}

// Option 客户端配置项
type Option func(*Client)

// WithSharedCache 使用共享缓存
func WithSharedCache(cache QuoteCache) Option {
	return func(c *Client) { c.shared = cache }
}

// WithTTL 设置新鲜窗口和过期上限
func WithTTL(fresh, stale time.Duration) Option {
	return func(c *Client) {
		c.freshTTL = fresh
		c.staleTTL = stale
	}
}

// WithLogger 设置日志记录器
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock 设置时间来源
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient 创建价格客户端
func NewClient(source Source, opts ...Option) *Client {
	c := &Client{
		source:   source,
		freshTTL: defaultFreshTTL,
		staleTTL: defaultStaleTTL,
		logger:   logger.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.staleTTL < c.freshTTL {
		c.staleTTL = c.freshTTL
	}
	return c
}

// GetUnitPrice 返回可用于计算奖励的单价
func (c *Client) GetUnitPrice(ctx context.Context) (Quote, error) {
	res, err := c.Lookup(ctx)
	if err != nil {
		return Quote{}, err
	}
	return res.Quote, nil
}

// Lookup 返回报价及其新鲜度
func (c *Client) Lookup(ctx context.Context) (Result, error) {
	now := c.now()

	if q, ok := c.cached(); ok && c.age(q, now) <= c.freshTTL {
		return c.result(q, Fresh), nil
	}

	var sharedQuote Quote
	if c.shared != nil {
		q, ok, err := c.shared.Load(ctx)
		if err != nil {
			c.logger.Warn("读取共享价格缓存失败", "error", err)
		} else if ok && q.Valid() {
			sharedQuote = q
			if c.age(q, now) <= c.freshTTL {
				c.store(q)
				return c.result(q, Fresh), nil
			}
		}
	}

	q, fetchErr := c.source.Fetch(ctx)
	if fetchErr == nil && !q.Valid() {
		fetchErr = fmt.Errorf("非法价格: %v", q.Price)
	}
	if fetchErr == nil {
		q.FetchedAt = c.now()
		if q.Source == "" {
			q.Source = c.source.Name()
		}
		c.store(q)
		if c.shared != nil {
			if err := c.shared.Store(ctx, q); err != nil {
				c.logger.Warn("写入共享价格缓存失败", "error", err)
			}
		}
		return c.result(q, Fresh), nil
	}

	c.logger.Warn("获取代币价格失败", "source", c.source.Name(), "error", fetchErr)

	best, ok := c.cached()
	if sharedQuote.Valid() && (!ok || sharedQuote.FetchedAt.After(best.FetchedAt)) {
		best, ok = sharedQuote, true
	}
	if ok && c.age(best, now) <= c.staleTTL {
		return c.result(best, Stale), nil
	}

	metrics.Redemption().ObservePrice(string(Unavailable))
	return Result{Freshness: Unavailable}, fmt.Errorf("%w: %v", ErrPriceUnavailable, fetchErr)
}

func (c *Client) result(q Quote, f Freshness) Result {
	metrics.Redemption().ObservePrice(string(f))
	return Result{Quote: copyQuote(q), Freshness: f}
}

func (c *Client) cached() (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.last.Valid()
}

func (c *Client) store(q Quote) {
	c.mu.Lock()
	c.last = copyQuote(q)
	c.mu.Unlock()
}

func (c *Client) age(q Quote, now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

func copyQuote(q Quote) Quote {
	if q.Price != nil {
		q.Price = new(big.Rat).Set(q.Price)
	}
	return q
}
