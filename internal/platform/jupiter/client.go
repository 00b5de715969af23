// Package jupiter is a REST client for the Jupiter aggregator: token prices,
// swap quotes and serialized swap transactions.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// Well-known mints.
const (
	SOLMint  = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Config holds endpoints and per-call timeouts.
type Config struct {
	PriceURL                 string
	QuoteURL                 string
	SwapURL                  string
	PriceTimeout             time.Duration
	QuoteTimeout             time.Duration
	SwapTimeout              time.Duration
	SlippageBps              int
	PriorityFeeMicroLamports int64
}

// Client talks to the price, quote and swap endpoints. Prices are quoted in
// SOL unless PriceIn is used.
type Client struct {
	cfg         Config
	priceClient *http.Client
	tradeClient *http.Client
}

// NewClient creates a Jupiter client.
func NewClient(cfg Config) *Client {
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 1400 * time.Millisecond
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 10 * time.Second
	}
	if cfg.SwapTimeout <= 0 {
		cfg.SwapTimeout = 15 * time.Second
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 300
	}
	return &Client{
		cfg:         cfg,
		priceClient: &http.Client{Timeout: cfg.PriceTimeout},
		tradeClient: &http.Client{},
	}
}

// Price returns the price of assetID in SOL. It satisfies the exit engine's
// price oracle; every failure wraps domain.ErrPriceUnavailable.
func (c *Client) Price(ctx context.Context, assetID string) (float64, error) {
	return c.PriceIn(ctx, assetID, SOLMint)
}

// PriceIn returns the price of mint denominated in vsToken.
func (c *Client) PriceIn(ctx context.Context, mint, vsToken string) (float64, error) {
	params := url.Values{}
	params.Set("ids", mint)
	params.Set("vsToken", vsToken)

	body, err := c.do(ctx, c.priceClient, http.MethodGet, c.cfg.PriceURL+"?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("jupiter: price %s: %w: %w", mint, domain.ErrPriceUnavailable, err)
	}

	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("jupiter: decode price: %w: %w", domain.ErrPriceUnavailable, err)
	}
	entry, ok := resp.Data[mint]
	if !ok || !(float64(entry.Price) > 0) {
		return 0, fmt.Errorf("jupiter: price %s: %w", mint, domain.ErrPriceUnavailable)
	}
	return float64(entry.Price), nil
}

// Quote requests a swap route for amount base units of inputMint.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (Quote, error) {
	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(c.cfg.SlippageBps))
	params.Set("onlyDirectRoutes", "false")
	params.Set("asLegacyTransaction", "false")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.QuoteTimeout)
	defer cancel()

	body, err := c.do(ctx, c.tradeClient, http.MethodGet, c.cfg.QuoteURL+"?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("jupiter: quote %s->%s: %w", short(inputMint), short(outputMint), err)
	}
	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return Quote{}, fmt.Errorf("jupiter: decode quote: %w", err)
	}
	q.Raw = json.RawMessage(body)
	if q.OutAmount == "" || q.OutAmount == "0" {
		return Quote{}, fmt.Errorf("jupiter: quote %s->%s: no route", short(inputMint), short(outputMint))
	}
	return q, nil
}

// SwapTransaction asks Jupiter to build the unsigned, base64 encoded
// transaction for a quote.
func (c *Client) SwapTransaction(ctx context.Context, q Quote, userPublicKey string) (string, error) {
	payload, err := json.Marshal(swapRequest{
		QuoteResponse:                 q.Raw,
		UserPublicKey:                 userPublicKey,
		WrapAndUnwrapSol:              true,
		UseSharedAccounts:             true,
		ComputeUnitPriceMicroLamports: c.cfg.PriorityFeeMicroLamports,
	})
	if err != nil {
		return "", fmt.Errorf("jupiter: encode swap request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SwapTimeout)
	defer cancel()

	body, err := c.do(ctx, c.tradeClient, http.MethodPost, c.cfg.SwapURL, payload)
	if err != nil {
		return "", fmt.Errorf("jupiter: swap: %w", err)
	}
	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("jupiter: decode swap: %w", err)
	}
	if resp.SwapTransaction == "" {
		return "", fmt.Errorf("jupiter: swap: empty transaction")
	}
	return resp.SwapTransaction, nil
}

// Prewarm issues a small quote so the route is cached upstream before a buy.
// Errors are ignored.
func (c *Client) Prewarm(ctx context.Context, mint string) {
	_, _ = c.Quote(ctx, SOLMint, mint, 5_000_000)
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, rawURL string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
	return data, nil
}

func short(mint string) string {
	if len(mint) <= 8 {
		return mint
	}
	return mint[:4] + ".." + mint[len(mint)-4:]
}
