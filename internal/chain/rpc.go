package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RPCConfig configures a gateway client.
type RPCConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond of 0 disables the client-side limit.
	RequestsPerSecond float64
	Burst             int
}

// Client is a JSON-RPC 2.0 client over HTTP.
type Client struct {
	cfg     RPCConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	nextID  atomic.Uint64
}

func NewClient(cfg RPCConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "rpc").Logger(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Error codes the gateway uses for contract-level failures.
const (
	codeReverted         = 3
	codeProofUnavailable = 4
	codeNotFound         = 5
)

// Call invokes method and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("X-API-KEY", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	c.logger.Debug().Str("method", method).Dur("took", time.Since(start)).Int("status", resp.StatusCode).Msg("rpc call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status=%d body=%s", method, resp.StatusCode, string(raw))
	}
	var r rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if r.Error != nil {
		return r.Error.asError(method)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (e *rpcError) asError(method string) error {
	switch e.Code {
	case codeReverted:
		reason := e.Data
		if reason == "" {
			reason = e.Message
		}
		return fmt.Errorf("%s: %w", method, Revert(reason))
	case codeProofUnavailable:
		return fmt.Errorf("%s: %w: %s", method, ErrProofUnavailable, e.Message)
	case codeNotFound:
		return fmt.Errorf("%s: %w: %s", method, ErrTxNotFound, e.Message)
	default:
		return fmt.Errorf("%s: rpc error %d: %s", method, e.Code, e.Message)
	}
}
