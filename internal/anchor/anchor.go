// Package anchor records settled payments on the receipt canister and
// broadcasts them through the DVN. Anchoring sits strictly after payment
// success: whatever fails here degrades to a warning on the response and an
// outbox row for the re-drive worker, never a failed payment.
package anchor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/agent-credit/credit-rails/internal/canister"
	"github.com/agent-credit/credit-rails/internal/payment"
)

var ErrInvalidConfig = errors.New("anchor: invalid config")

const (
	StageReceipt = "receipt"
	StageDVN     = "dvn"
)

// DataHash is the canonical receipt preimage digest:
// keccak256("{kind}_{txHash}_{chainID}_{unixSeconds}"), 0x-hex encoded.
func DataHash(kind, txHash string, chainID uint64, at time.Time) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(fmt.Sprintf("%s_%s_%d_%d", kind, txHash, chainID, at.UTC().Unix())))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Request identifies the settled payment being anchored.
type Request struct {
	Kind    string // "payment" or "batch"
	TxHash  string
	ChainID uint64
}

// Result reports how far anchoring got. Warning is nil on full success.
type Result struct {
	DataHash  string                 `json:"dataHash"`
	ReceiptID string                 `json:"receiptId,omitempty"`
	MessageID string                 `json:"messageId,omitempty"`
	Warning   *payment.AnchorWarning `json:"warning,omitempty"`
}

type Config struct {
	// DestinationChain routes DVN anchor messages; the anchoring
	// pseudo-chain (0) is the default destination.
	DestinationChain uint64

	// Sender identifies this deployment on the DVN.
	Sender string

	// CallTimeout bounds each canister call independently.
	CallTimeout time.Duration

	Now func() time.Time
	Log *slog.Logger
}

// Coordinator runs the two anchoring steps in order. The receipt is the
// prerequisite: without one there is nothing for the DVN message to carry,
// so a receipt failure skips the DVN step entirely.
type Coordinator struct {
	receipts canister.ReceiptClient
	dvn      canister.DVNClient
	outbox   Outbox
	cfg      Config
}

func New(receipts canister.ReceiptClient, dvn canister.DVNClient, outbox Outbox, cfg Config) (*Coordinator, error) {
	if receipts == nil {
		return nil, fmt.Errorf("%w: nil receipt client", ErrInvalidConfig)
	}
	if dvn == nil {
		return nil, fmt.Errorf("%w: nil dvn client", ErrInvalidConfig)
	}
	if outbox == nil {
		return nil, fmt.Errorf("%w: nil outbox", ErrInvalidConfig)
	}
	if cfg.Sender == "" {
		cfg.Sender = "anchor"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{receipts: receipts, dvn: dvn, outbox: outbox, cfg: cfg}, nil
}

// Anchor never returns an error. Failures are folded into Result.Warning
// and, where a later re-drive can finish the job, an outbox entry.
func (c *Coordinator) Anchor(ctx context.Context, req Request) Result {
	now := c.cfg.Now().UTC()
	res := Result{DataHash: DataHash(req.Kind, req.TxHash, req.ChainID, now)}

	receiptCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	receiptID, err := c.receipts.IssueReceipt(receiptCtx, res.DataHash)
	cancel()
	if err != nil {
		c.cfg.Log.Warn("receipt issuance failed",
			"tx", req.TxHash, "chain", req.ChainID, "err", err)
		res.Warning = &payment.AnchorWarning{Stage: StageReceipt, Message: err.Error()}
		if putErr := c.outbox.Put(ctx, Entry{
			TxHash:    req.TxHash,
			ChainID:   req.ChainID,
			Kind:      req.Kind,
			Stage:     StageReceipt,
			DataHash:  res.DataHash,
			CreatedAt: now,
		}); putErr != nil {
			c.cfg.Log.Error("outbox write failed", "tx", req.TxHash, "err", putErr)
		}
		return res
	}
	res.ReceiptID = receiptID

	messageID, err := c.submitDVN(ctx, req.ChainID, res.DataHash, receiptID)
	if err != nil {
		c.cfg.Log.Warn("dvn submission failed",
			"tx", req.TxHash, "chain", req.ChainID, "receipt", receiptID, "err", err)
		res.Warning = &payment.AnchorWarning{Stage: StageDVN, Message: err.Error()}
		if putErr := c.outbox.Put(ctx, Entry{
			TxHash:    req.TxHash,
			ChainID:   req.ChainID,
			Kind:      req.Kind,
			Stage:     StageDVN,
			DataHash:  res.DataHash,
			ReceiptID: receiptID,
			CreatedAt: now,
		}); putErr != nil {
			c.cfg.Log.Error("outbox write failed", "tx", req.TxHash, "err", putErr)
		}
		return res
	}
	res.MessageID = messageID

	c.cfg.Log.Info("payment anchored",
		"tx", req.TxHash, "chain", req.ChainID, "receipt", receiptID, "message", messageID)
	return res
}

func (c *Coordinator) submitDVN(ctx context.Context, sourceChain uint64, dataHash, receiptID string) (string, error) {
	dvnCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	payload := fmt.Sprintf(`{"dataHash":%q,"receiptId":%q}`, dataHash, receiptID)
	return c.dvn.SubmitMessage(dvnCtx, canister.Message{
		SourceChain:      sourceChain,
		DestinationChain: c.cfg.DestinationChain,
		Sender:           c.cfg.Sender,
		Payload:          []byte(payload),
	})
}
