// Package solana is a thin JSON-RPC and websocket client for the Solana
// cluster: balances, transaction submission, signing and a slot heartbeat.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// RPCConfig holds endpoint and submission options.
type RPCConfig struct {
	URL            string
	Commitment     string
	Timeout        time.Duration
	SendMaxRetries int
	SkipPreflight  bool
}

// Client is a Solana JSON-RPC client.
type Client struct {
	cfg        RPCConfig
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates an RPC client.
func NewClient(cfg RPCConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// GetBalance returns the SOL balance of pubkey in lamports.
func (c *Client) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{pubkey, map[string]any{"commitment": c.cfg.Commitment}}, &out); err != nil {
		return 0, fmt.Errorf("solana: get balance: %w", err)
	}
	return out.Value, nil
}

// TokenBalance is the summed balance of every token account an owner holds
// for one mint.
type TokenBalance struct {
	Amount   uint64
	Decimals int
}

// UI returns the balance in whole tokens.
func (b TokenBalance) UI() float64 {
	d := 1.0
	for i := 0; i < b.Decimals; i++ {
		d *= 10
	}
	return float64(b.Amount) / d
}

// GetTokenBalance sums owner's token accounts for mint.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint string) (TokenBalance, error) {
	var out struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals int    `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []any{
		owner,
		map[string]any{"mint": mint},
		map[string]any{"encoding": "jsonParsed", "commitment": c.cfg.Commitment},
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &out); err != nil {
		return TokenBalance{}, fmt.Errorf("solana: get token balance: %w", err)
	}

	var bal TokenBalance
	for _, acc := range out.Value {
		ta := acc.Account.Data.Parsed.Info.TokenAmount
		n, err := strconv.ParseUint(ta.Amount, 10, 64)
		if err != nil {
			return TokenBalance{}, fmt.Errorf("solana: parse token amount %q: %w", ta.Amount, err)
		}
		bal.Amount += n
		bal.Decimals = ta.Decimals
	}
	return bal, nil
}

// SendTransaction submits a signed, base64 encoded transaction and returns
// its signature.
func (c *Client) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	opts := map[string]any{
		"encoding":            "base64",
		"skipPreflight":       c.cfg.SkipPreflight,
		"preflightCommitment": c.cfg.Commitment,
		"maxRetries":          c.cfg.SendMaxRetries,
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", []any{txBase64, opts}, &sig); err != nil {
		return "", fmt.Errorf("solana: send transaction: %w", err)
	}
	return sig, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
