package coinbase

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coin-pilot/internal/config"
	"coin-pilot/internal/core"
)

const (
	defaultRetryAfter  = 10 * time.Second
	defaultMaxAttempts = 5
)

// Client talks to the Coinbase Advanced Trade REST API. Every request
// carries a fresh single-use JWT; 429 responses are retried with a bounded,
// context-aware backoff. Safe for concurrent use.
type Client struct {
	keyName      string
	privateKey   *rsa.PrivateKey
	host         string
	baseURL      string
	accountsPath string
	pricesPath   string
	ordersPath   string
	maxAttempts  int
	httpClient   *http.Client

	sleep func(ctx context.Context, d time.Duration) error
}

type Options struct {
	KeyName             string
	KeySecret           string
	RequestHost         string
	AccountsPath        string
	PricesPath          string
	OrdersPath          string
	HTTPTimeoutSec      int64
	MaxRateLimitRetries int
	// BaseURL overrides the https://<host> target; tests point it at a
	// local server while the token's uri claim keeps using RequestHost.
	BaseURL string
}

func NewClient(cfg config.ExchangeConfig) (*Client, error) {
	return NewClientWithOptions(Options{
		KeyName:             cfg.KeyName,
		KeySecret:           cfg.KeySecret,
		RequestHost:         cfg.RequestHost,
		AccountsPath:        cfg.AccountsPath,
		PricesPath:          cfg.PricesPath,
		OrdersPath:          cfg.OrdersPath,
		HTTPTimeoutSec:      cfg.HTTPTimeoutSec,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
	})
}

func NewClientWithOptions(opts Options) (*Client, error) {
	if opts.KeyName == "" || opts.KeySecret == "" {
		return nil, errors.New("key_name/key_secret required")
	}
	key, err := parsePrivateKey(opts.KeySecret)
	if err != nil {
		return nil, err
	}
	host := strings.TrimSuffix(opts.RequestHost, "/")
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://" + host
	}
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	maxAttempts := opts.MaxRateLimitRetries
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &Client{
		keyName:      opts.KeyName,
		privateKey:   key,
		host:         host,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		accountsPath: opts.AccountsPath,
		pricesPath:   opts.PricesPath,
		ordersPath:   opts.OrdersPath,
		maxAttempts:  maxAttempts,
		httpClient:   &http.Client{Timeout: timeout},
		sleep:        sleepCtx,
	}, nil
}

func (c *Client) Name() string { return "coinbase" }

// do executes one logical call. The token is minted per attempt so a retry
// after a long Retry-After pause never presents an expired token.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}
	// The uri claim binds method+path without the query string.
	claimPath, _, _ := strings.Cut(path, "?")

	for attempt := 1; ; attempt++ {
		token, err := mintToken(c.privateKey, c.keyName, c.host, method, claimPath, time.Now())
		if err != nil {
			return nil, err
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("coinbase %s %s: %w", method, claimPath, err)
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("coinbase %s %s: read body: %w", method, claimPath, err)
		}
		if resp.StatusCode/100 == 2 {
			return respBody, nil
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return nil, APIError{Status: resp.StatusCode, Body: string(respBody)}
		}

		wait := retryAfter(resp.Header.Get("Retry-After"))
		if attempt >= c.maxAttempts {
			return nil, RateLimitError{Attempts: attempt, LastWait: wait}
		}
		log.Printf(
			"level=WARN event=rate_limited method=%q path=%q attempt=%d max_attempts=%d retry_after_sec=%d",
			method,
			claimPath,
			attempt,
			c.maxAttempts,
			int64(wait/time.Second),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPrice prefers the best bid and falls back to the most recent trade.
// Failures and absent fields degrade to ok=false so the caller can apply
// fallback pricing instead of aborting the whole refresh.
func (c *Client) GetPrice(ctx context.Context, productID string) (decimal.Decimal, bool) {
	path := strings.ReplaceAll(c.pricesPath, "{product_id}", url.PathEscape(productID))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		log.Printf("level=WARN event=price_lookup_failed product_id=%q error=%q", productID, err.Error())
		return decimal.Zero, false
	}
	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Printf("level=WARN event=price_decode_failed product_id=%q error=%q", productID, err.Error())
		return decimal.Zero, false
	}
	raw := resp.BestBid
	if raw == "" && len(resp.Trades) > 0 {
		raw = resp.Trades[0].Price
	}
	if raw == "" {
		log.Printf("level=WARN event=price_unavailable product_id=%q", productID)
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=WARN event=price_unparsable product_id=%q value=%q", productID, raw)
		return decimal.Zero, false
	}
	return price, true
}

// GetAccounts pages through the accounts listing. Any failure returns an
// empty slice; the refresh cycle keeps its stale values rather than halting.
func (c *Client) GetAccounts(ctx context.Context) []core.Account {
	accounts := make([]core.Account, 0)
	cursor := ""
	for {
		path := c.accountsPath
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			log.Printf("level=WARN event=accounts_fetch_failed error=%q", err.Error())
			return []core.Account{}
		}
		var resp accountsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Printf("level=WARN event=accounts_decode_failed error=%q", err.Error())
			return []core.Account{}
		}
		for _, entry := range resp.Accounts {
			if entry.Currency == "" {
				continue
			}
			balance, err := decimal.NewFromString(entry.AvailableBalance.Value)
			if err != nil {
				log.Printf("level=WARN event=account_balance_unparsable currency=%q value=%q", entry.Currency, entry.AvailableBalance.Value)
				continue
			}
			accounts = append(accounts, core.Account{Currency: entry.Currency, Balance: balance})
		}
		if !resp.HasNext || resp.Cursor == "" {
			return accounts
		}
		cursor = resp.Cursor
	}
}

// PlaceMarketOrder is declared for interface completeness. There is no
// decision policy to drive it, so it reports unsupported without touching
// the orders endpoint.
func (c *Client) PlaceMarketOrder(ctx context.Context, asset string, side core.Side) (core.OrderResult, error) {
	log.Printf("level=WARN event=market_order_unsupported asset=%q side=%q orders_path=%q", asset, string(side), c.ordersPath)
	return core.OrderResult{Reason: core.ErrOrderUnsupported.Error()}, core.ErrOrderUnsupported
}
