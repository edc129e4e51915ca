package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

const quoteKeyPrefix = "galapagos:price:"

type cachedQuote struct {
	Price     string    `json:"price"`
	FetchedAt time.Time `json:"fetched_at"`
	Source    string    `json:"source"`
}

// RedisQuoteCache 将报价保存在 Redis 中供多个实例共享
type RedisQuoteCache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisQuoteCache 创建 Redis 报价缓存，ttl 一般取过期上限
func NewRedisQuoteCache(rdb *redis.Client, source string, ttl time.Duration) *RedisQuoteCache {
	return &RedisQuoteCache{rdb: rdb, key: quoteKeyPrefix + source, ttl: ttl}
}

// Load 读取共享报价
func (c *RedisQuoteCache) Load(ctx context.Context) (Quote, bool, error) {
	data, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, err
	}
	var cq cachedQuote
	if err := json.Unmarshal(data, &cq); err != nil {
		return Quote{}, false, fmt.Errorf("解析共享报价失败: %w", err)
	}
	price, ok := new(big.Rat).SetString(cq.Price)
	if !ok {
		return Quote{}, false, fmt.Errorf("共享报价价格非法: %q", cq.Price)
	}
	return Quote{Price: price, FetchedAt: cq.FetchedAt, Source: cq.Source}, true, nil
}

// Store 写入共享报价
func (c *RedisQuoteCache) Store(ctx context.Context, quote Quote) error {
	if !quote.Valid() {
		return fmt.Errorf("拒绝缓存非法报价")
	}
	data, err := json.Marshal(cachedQuote{
		Price:     quote.Price.RatString(),
		FetchedAt: quote.FetchedAt.UTC(),
		Source:    quote.Source,
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key, data, c.ttl).Err()
}
