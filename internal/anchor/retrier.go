package anchor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agent-credit/credit-rails/internal/canister"
)

type RetrierConfig struct {
	// Interval paces outbox sweeps.
	Interval time.Duration

	// BatchLimit bounds entries per sweep.
	BatchLimit int

	// MaxAttempts retires an entry after too many failed re-drives.
	MaxAttempts int

	// DestinationChain and Sender mirror the coordinator's DVN routing.
	DestinationChain uint64
	Sender           string

	CallTimeout time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration)
	Log   *slog.Logger
}

// Retrier drains the anchor outbox. Only failed steps run again: a
// StageDVN entry reuses its stored receipt id, a StageReceipt entry starts
// from receipt issuance.
type Retrier struct {
	receipts canister.ReceiptClient
	dvn      canister.DVNClient
	outbox   Outbox
	cfg      RetrierConfig
}

func NewRetrier(receipts canister.ReceiptClient, dvn canister.DVNClient, outbox Outbox, cfg RetrierConfig) (*Retrier, error) {
	if receipts == nil || dvn == nil || outbox == nil {
		return nil, fmt.Errorf("%w: receipts, dvn and outbox are required", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Sender == "" {
		cfg.Sender = "anchor-outbox"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retrier{receipts: receipts, dvn: dvn, outbox: outbox, cfg: cfg}, nil
}

// Run sweeps until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Sweep(ctx); err != nil {
			r.cfg.Log.Error("outbox sweep failed", "err", err)
		}
		r.cfg.Sleep(ctx, r.cfg.Interval)
	}
}

// Sweep re-drives one batch of pending entries and reports how many
// completed.
func (r *Retrier) Sweep(ctx context.Context) (int, error) {
	entries, err := r.outbox.Pending(ctx, r.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("anchor: list pending: %w", err)
	}
	done := 0
	for _, e := range entries {
		if e.Attempts >= r.cfg.MaxAttempts {
			r.cfg.Log.Error("retiring anchor entry after max attempts",
				"tx", e.TxHash, "chain", e.ChainID, "stage", e.Stage)
			if err := r.outbox.MarkDone(ctx, e.TxHash, e.ChainID); err != nil {
				r.cfg.Log.Error("outbox retire failed", "tx", e.TxHash, "err", err)
			}
			continue
		}
		if err := r.drive(ctx, e); err != nil {
			r.cfg.Log.Warn("anchor re-drive failed",
				"tx", e.TxHash, "chain", e.ChainID, "stage", e.Stage, "err", err)
			if bumpErr := r.outbox.Bump(ctx, e.TxHash, e.ChainID); bumpErr != nil {
				r.cfg.Log.Error("outbox bump failed", "tx", e.TxHash, "err", bumpErr)
			}
			continue
		}
		if err := r.outbox.MarkDone(ctx, e.TxHash, e.ChainID); err != nil {
			r.cfg.Log.Error("outbox mark done failed", "tx", e.TxHash, "err", err)
			continue
		}
		done++
	}
	return done, nil
}

func (r *Retrier) drive(ctx context.Context, e Entry) error {
	receiptID := e.ReceiptID
	if e.Stage == StageReceipt {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		id, err := r.receipts.IssueReceipt(callCtx, e.DataHash)
		cancel()
		if err != nil {
			return fmt.Errorf("issue receipt: %w", err)
		}
		receiptID = id
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	payload := fmt.Sprintf(`{"dataHash":%q,"receiptId":%q}`, e.DataHash, receiptID)
	messageID, err := r.dvn.SubmitMessage(callCtx, canister.Message{
		SourceChain:      e.ChainID,
		DestinationChain: r.cfg.DestinationChain,
		Sender:           r.cfg.Sender,
		Payload:          []byte(payload),
	})
	if err != nil {
		// Preserve the receipt id for the next sweep so receipt
		// issuance never repeats.
		if receiptID != "" && e.ReceiptID == "" {
			e.Stage = StageDVN
			e.ReceiptID = receiptID
			if putErr := r.outbox.Put(ctx, e); putErr != nil {
				r.cfg.Log.Error("outbox stage update failed", "tx", e.TxHash, "err", putErr)
			}
		}
		return fmt.Errorf("submit message: %w", err)
	}
	r.cfg.Log.Info("anchor re-driven",
		"tx", e.TxHash, "chain", e.ChainID, "receipt", receiptID, "message", messageID)
	return nil
}
