// Package pricing 获取奖励代币的单价，带缓存和过期策略
package pricing

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrPriceUnavailable 没有可用的价格，调用方应稍后重试
var ErrPriceUnavailable = errors.New("price unavailable")

// Quote 一次价格报价
type Quote struct {
	Price     *big.Rat
	FetchedAt time.Time
	Source    string
}

// Valid 价格存在且为正数
func (q Quote) Valid() bool {
	return q.Price != nil && q.Price.Sign() > 0
}

// Freshness 报价新鲜度
type Freshness string

const (
	Fresh       Freshness = "fresh"
	Stale       Freshness = "stale"
	Unavailable Freshness = "unavailable"
)

// Result 带新鲜度标记的查询结果
type Result struct {
	Quote     Quote
	Freshness Freshness
}

// Source 上游价格来源
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Quote, error)
}

// QuoteCache 多实例共享的报价缓存
type QuoteCache interface {
	Load(ctx context.Context) (Quote, bool, error)
	Store(ctx context.Context, quote Quote) error
}

// FixedSource 固定价格来源
type FixedSource struct {
	price *big.Rat
}

// NewFixedSource 创建固定价格来源
func NewFixedSource(price *big.Rat) *FixedSource {
	return &FixedSource{price: new(big.Rat).Set(price)}
}

// Name 来源名称
func (s *FixedSource) Name() string { return "fixed" }

// Fetch 返回配置的价格
func (s *FixedSource) Fetch(ctx context.Context) (Quote, error) {
	return Quote{Price: new(big.Rat).Set(s.price), Source: s.Name()}, nil
}
