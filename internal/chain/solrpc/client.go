package solrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidConfig    = errors.New("solrpc: invalid config")
	ErrRPC              = errors.New("solrpc: rpc error")
	ErrResponseTooLarge = errors.New("solrpc: response too large")
	ErrTxNotFound       = errors.New("solrpc: transaction not found")
)

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "solrpc: nil rpc error"
	}
	return fmt.Sprintf("solrpc: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

// Client is a minimal Solana JSON-RPC client covering the signature-stream
// and transaction-lookup calls the settlement pipeline needs.
type Client struct {
	url          string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
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
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", []any{map[string]string{"commitment": "confirmed"}}, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBalance reads an account's confirmed lamport balance.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	params := []any{address, map[string]string{"commitment": "confirmed"}}
	if err := c.call(ctx, "getBalance", params, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Err       any    `json:"err"`
}

// GetSignaturesForAddress lists confirmed signatures touching an address,
// newest first, bounded by limit and stopping at untilSig when non-empty.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address, untilSig string, limit int) ([]SignatureInfo, error) {
	opts := map[string]any{"limit": limit, "commitment": "confirmed"}
	if strings.TrimSpace(untilSig) != "" {
		opts["until"] = untilSig
	}
	var out []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []any{address, opts}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transfer is a simplified system/SPL transfer extracted from a parsed
// transaction.
type Transfer struct {
	Signature string
	Slot      uint64
	BlockTime *int64
	From      string
	To        string
	Lamports  uint64
}

// GetTransaction fetches one confirmed transaction by signature and extracts
// the first transfer instruction. A null result maps to ErrTxNotFound.
func (c *Client) GetTransaction(ctx context.Context, signature string) (Transfer, error) {
	type parsedResult struct {
		Slot        uint64 `json:"slot"`
		BlockTime   *int64 `json:"blockTime"`
		Transaction struct {
			Message struct {
				Instructions []struct {
					Parsed struct {
						Type string `json:"type"`
						Info struct {
							Source      string `json:"source"`
							Destination string `json:"destination"`
							Lamports    uint64 `json:"lamports"`
							Amount      string `json:"amount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
	}

	params := []any{signature, map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}}
	var raw json.RawMessage
	if err := c.call(ctx, "getTransaction", params, &raw); err != nil {
		return Transfer{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return Transfer{}, ErrTxNotFound
	}
	var res parsedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Transfer{}, fmt.Errorf("solrpc: unmarshal transaction: %w", err)
	}
	for _, ins := range res.Transaction.Message.Instructions {
		if ins.Parsed.Type != "transfer" && ins.Parsed.Type != "transferChecked" {
			continue
		}
		return Transfer{
			Signature: signature,
			Slot:      res.Slot,
			BlockTime: res.BlockTime,
			From:      ins.Parsed.Info.Source,
			To:        ins.Parsed.Info.Destination,
			Lamports:  ins.Parsed.Info.Lamports,
		}, nil
	}
	return Transfer{}, fmt.Errorf("solrpc: no transfer instruction in %s", signature)
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("solrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("solrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("solrpc: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return fmt.Errorf("solrpc: read response: %w", err)
	}
	if int64(len(body)) > c.maxRespBytes {
		return ErrResponseTooLarge
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("solrpc: http status %d: %s", resp.StatusCode, msg)
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("solrpc: unmarshal response: %w", err)
	}
	if rr.Error != nil {
		return &RPCError{Code: rr.Error.Code, Message: rr.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("solrpc: unmarshal result: %w", err)
	}
	return nil
}
