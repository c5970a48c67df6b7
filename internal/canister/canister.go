// Package canister talks to the receipt canister and the DVN message
// canister through their HTTP gateway. Both calls live on the anchoring
// path, so every error here is reported as a warning upstream and never
// fails a payment.
package canister

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("canister: invalid config")
	ErrGateway       = errors.New("canister: gateway error")
)

// ReceiptClient issues an immutable receipt for a settled payment.
type ReceiptClient interface {
	IssueReceipt(ctx context.Context, dataHash string) (string, error)
}

// DVNClient submits a cross-chain message and reads its delivery status.
type DVNClient interface {
	SubmitMessage(ctx context.Context, msg Message) (string, error)
	MessageStatus(ctx context.Context, messageID string) (MessageState, error)
}

// Message is one cross-chain payload handed to the DVN.
type Message struct {
	SourceChain      uint64 `json:"sourceChain"`
	DestinationChain uint64 `json:"destinationChain"`
	Sender           string `json:"sender"`
	Payload          []byte `json:"payload"`
}

type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageDelivered MessageState = "delivered"
	MessageFailed    MessageState = "failed"
)

// GatewayError carries the canister gateway's structured rejection.
type GatewayError struct {
	Status  int
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ErrGateway.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("canister: gateway %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("canister: gateway %d: %s", e.Status, e.Message)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }

type Config struct {
	// BaseURL is the gateway root, e.g. https://gw.example.net.
	BaseURL string

	HTTPClient *http.Client
	Timeout    time.Duration

	// MaxResponseBytes bounds gateway replies; oversized bodies fail the
	// call instead of ballooning memory.
	MaxResponseBytes int64
}

// Client implements ReceiptClient and DVNClient against the HTTP gateway.
type Client struct {
	base string
	hc   *http.Client
	max  int64
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	max := cfg.MaxResponseBytes
	if max <= 0 {
		max = 1 << 20
	}
	return &Client{base: base, hc: hc, max: max}, nil
}

type issueReceiptRequest struct {
	DataHash string `json:"dataHash"`
}

type issueReceiptResponse struct {
	ReceiptID string `json:"receiptId"`
}

func (c *Client) IssueReceipt(ctx context.Context, dataHash string) (string, error) {
	dataHash = strings.TrimSpace(dataHash)
	if dataHash == "" {
		return "", fmt.Errorf("%w: empty data hash", ErrInvalidConfig)
	}
	var out issueReceiptResponse
	if err := c.post(ctx, "/v1/receipts", issueReceiptRequest{DataHash: dataHash}, &out); err != nil {
		return "", err
	}
	if out.ReceiptID == "" {
		return "", fmt.Errorf("%w: gateway returned empty receipt id", ErrGateway)
	}
	return out.ReceiptID, nil
}

type submitMessageResponse struct {
	MessageID string `json:"messageId"`
}

func (c *Client) SubmitMessage(ctx context.Context, msg Message) (string, error) {
	if len(msg.Payload) == 0 {
		return "", fmt.Errorf("%w: empty message payload", ErrInvalidConfig)
	}
	var out submitMessageResponse
	if err := c.post(ctx, "/v1/messages", msg, &out); err != nil {
		return "", err
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("%w: gateway returned empty message id", ErrGateway)
	}
	return out.MessageID, nil
}

type messageStatusResponse struct {
	Status MessageState `json:"status"`
}

func (c *Client) MessageStatus(ctx context.Context, messageID string) (MessageState, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return "", fmt.Errorf("%w: empty message id", ErrInvalidConfig)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/messages/"+messageID, nil)
	if err != nil {
		return "", fmt.Errorf("canister: build request: %w", err)
	}
	var out messageStatusResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case MessagePending, MessageDelivered, MessageFailed:
		return out.Status, nil
	default:
		return "", fmt.Errorf("%w: unknown message status %q", ErrGateway, out.Status)
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("canister: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("canister: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.max))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}
	if resp.StatusCode != http.StatusOK {
		gwErr := &GatewayError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &body) == nil && (body.Code != "" || body.Message != "") {
			gwErr.Code = body.Code
			gwErr.Message = body.Message
		}
		return gwErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGateway, err)
	}
	return nil
}
