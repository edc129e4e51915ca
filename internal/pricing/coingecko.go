package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// HTTPDoer 发送 HTTP 请求
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CoinGeckoSource 通过 CoinGecko simple price 接口获取价格
type CoinGeckoSource struct {
	client   HTTPDoer
	endpoint string
	tokenID  string
	currency string
}

// NewCoinGeckoSource 创建 CoinGecko 价格来源
func NewCoinGeckoSource(client HTTPDoer, endpoint, tokenID, currency string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	cur := strings.ToLower(strings.TrimSpace(currency))
	if cur == "" {
		cur = "usd"
	}
	return &CoinGeckoSource{
		client:   client,
		endpoint: ep,
		tokenID:  strings.TrimSpace(tokenID),
		currency: cur,
	}
}

// Name 来源名称
func (s *CoinGeckoSource) Name() string { return "coingecko" }

// Fetch 请求最新价格
func (s *CoinGeckoSource) Fetch(ctx context.Context) (Quote, error) {
	if s.tokenID == "" {
		return Quote{}, fmt.Errorf("coingecko: 未配置代币 ID")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", s.tokenID)
	values.Set("vs_currencies", s.currency)
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	raw, ok := payload[s.tokenID][s.currency]
	if !ok || raw.String() == "" {
		return Quote{}, fmt.Errorf("coingecko: 缺少 %s/%s 报价", s.tokenID, s.currency)
	}
	price, ok := new(big.Rat).SetString(raw.String())
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: 无法解析价格 %q", raw.String())
	}
	if price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("coingecko: 非法价格 %s", raw.String())
	}
	return Quote{Price: price, Source: s.Name()}, nil
}
