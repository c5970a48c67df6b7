package btcrpc

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
	ErrInvalidConfig    = errors.New("btcrpc: invalid config")
	ErrRPC              = errors.New("btcrpc: rpc error")
	ErrResponseTooLarge = errors.New("btcrpc: response too large")
	ErrTxNotFound       = errors.New("btcrpc: transaction not found")
)

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "btcrpc: nil rpc error"
	}
	return fmt.Sprintf("btcrpc: rpc error code %d: %s", e.Code, e.Message)
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

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client is a minimal bitcoind JSON-RPC client covering the calls the
// settlement pipeline needs.
type Client struct {
	url          string
	user         string
	pass         string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

func New(url, user, pass string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	if user == "" || pass == "" {
		return nil, fmt.Errorf("%w: missing rpc credentials", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		user:         user,
		pass:         pass,
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
	ID      string `json:"id"`
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
	ID     string          `json:"id"`
}

func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := c.call(ctx, "getblockcount", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// TxOutput is one output of a wallet-visible transaction.
type TxOutput struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"` // BTC, converted to sats by callers
}

// WalletTx is a simplified listsinceblock entry.
type WalletTx struct {
	TxID          string  `json:"txid"`
	Address       string  `json:"address"`
	Category      string  `json:"category"` // "receive", "send", "generate"
	Amount        float64 `json:"amount"`
	BlockHeight   uint64  `json:"blockheight"`
	Vout          uint32  `json:"vout"`
	Confirmations int64   `json:"confirmations"`
	BlockTime     int64   `json:"blocktime"`
}

// ListSinceBlock returns wallet transactions since the given block hash
// (empty hash means from genesis) together with the lastblock cursor hash.
func (c *Client) ListSinceBlock(ctx context.Context, blockHash string) ([]WalletTx, string, error) {
	type result struct {
		Transactions []WalletTx `json:"transactions"`
		LastBlock    string     `json:"lastblock"`
	}
	params := []any{}
	if strings.TrimSpace(blockHash) != "" {
		params = append(params, blockHash)
	}
	var res result
	if err := c.call(ctx, "listsinceblock", params, &res); err != nil {
		return nil, "", err
	}
	return res.Transactions, res.LastBlock, nil
}

// GetBlockHash resolves a height to a block hash, used to seed the
// listsinceblock cursor from a numeric watcher height.
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var s string
	if err := c.call(ctx, "getblockhash", []any{height}, &s); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// GetTransaction fetches one wallet transaction by id. Code -5 from the node
// maps to ErrTxNotFound.
func (c *Client) GetTransaction(ctx context.Context, txid string) (WalletTx, error) {
	type result struct {
		TxID          string     `json:"txid"`
		Amount        float64    `json:"amount"`
		BlockHeight   uint64     `json:"blockheight"`
		Confirmations int64      `json:"confirmations"`
		BlockTime     int64      `json:"blocktime"`
		Details       []TxOutput `json:"details"`
	}
	var res result
	err := c.call(ctx, "gettransaction", []any{strings.TrimSpace(txid)}, &res)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -5 {
			return WalletTx{}, ErrTxNotFound
		}
		return WalletTx{}, err
	}
	out := WalletTx{
		TxID:          res.TxID,
		Amount:        res.Amount,
		BlockHeight:   res.BlockHeight,
		Confirmations: res.Confirmations,
		BlockTime:     res.BlockTime,
	}
	if len(res.Details) > 0 {
		out.Address = res.Details[0].Address
	}
	if out.TxID == "" {
		out.TxID = strings.TrimSpace(txid)
	}
	return out, nil
}

// GetReceivedByAddress returns the total BTC received by a wallet address
// with at least minConf confirmations.
func (c *Client) GetReceivedByAddress(ctx context.Context, address string, minConf int) (float64, error) {
	var amt float64
	if err := c.call(ctx, "getreceivedbyaddress", []any{strings.TrimSpace(address), minConf}, &amt); err != nil {
		return 0, err
	}
	return amt, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	id := c.nextID.Add(1)
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      fmt.Sprintf("%d", id),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("btcrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("btcrpc: build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("btcrpc: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		// Sanitize: never echo the request body, it may carry wallet params.
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("btcrpc: http status %d: %s", resp.StatusCode, msg)
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("btcrpc: unmarshal response: %w", err)
	}
	if rr.Error != nil {
		return &RPCError{Code: rr.Error.Code, Message: rr.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("btcrpc: unmarshal result: %w", err)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("btcrpc: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
