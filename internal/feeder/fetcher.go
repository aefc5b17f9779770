package feeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceFetcher retrieves the current external price in major units.
type PriceFetcher interface {
	FetchPrice(ctx context.Context) (decimal.Decimal, error)
}

// HTTPOptions parameterise the external price endpoint.
type HTTPOptions struct {
	BaseURL   string
	AssetID   string
	Currency  string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// HTTPFetcher polls a CoinGecko-style simple-price endpoint.
type HTTPFetcher struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPFetcher constructs the fetcher.
func NewHTTPFetcher(opts HTTPOptions, logger zerolog.Logger) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.AssetID == "" {
		opts.AssetID = "ethereum"
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}

	return &HTTPFetcher{
		opts:    opts,
		logger:  logger.With().Str("component", "price_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchPrice 拉取当前外部报价。
func (f *HTTPFetcher) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", f.opts.AssetID)
	query.Set("vs_currencies", f.opts.Currency)

	endpoint := fmt.Sprintf("%s/simple/price?%s", f.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create price request: %w", err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	if f.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", f.opts.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Decimal{}, fmt.Errorf("price endpoint returned status %d", resp.StatusCode)
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price response: %w", err)
	}

	quotes, ok := payload[f.opts.AssetID]
	if !ok {
		return decimal.Decimal{}, errors.New("price response missing asset")
	}
	price, ok := quotes[f.opts.Currency]
	if !ok || price.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("price response missing or non-positive quote")
	}

	f.logger.Debug().Str("price", price.String()).Msg("external price fetched")
	return price, nil
}

var _ PriceFetcher = (*HTTPFetcher)(nil)

// ToCents converts a major-unit price to cents, rounded half-up.
func ToCents(price decimal.Decimal) (uint64, error) {
	cents := price.Mul(decimal.NewFromInt(100)).Round(0)
	if cents.Sign() <= 0 {
		return 0, errors.New("price rounds to zero cents")
	}
	if !cents.IsInteger() || cents.GreaterThan(decimal.NewFromUint64(^uint64(0)>>1)) {
		return 0, errors.New("price out of range")
	}
	return uint64(cents.IntPart()), nil
}
