package anchor

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/agent-credit/credit-rails/internal/batching"
	"github.com/agent-credit/credit-rails/internal/payment"
)

// BatchAnchorer folds settled events into periodic batch anchors so one
// receipt covers a burst of settlements instead of one canister call each.
// Per-payment anchoring on the API path stays untouched; this amortizes the
// high-volume watcher stream.
type BatchAnchorer struct {
	coord   *Coordinator
	batcher *batching.Batcher[string]
	log     *slog.Logger
}

type BatchConfig struct {
	// MaxItems flushes a batch by size.
	MaxItems int

	// MaxAge flushes a partial batch by age.
	MaxAge time.Duration

	Now func() time.Time
	Log *slog.Logger
}

func NewBatchAnchorer(coord *Coordinator, cfg BatchConfig) (*BatchAnchorer, error) {
	if coord == nil {
		return nil, fmt.Errorf("%w: nil coordinator", ErrInvalidConfig)
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 64
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = batching.DefaultMaxAge
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b, err := batching.New[string](batching.Config{
		MaxItems: cfg.MaxItems,
		MaxAge:   cfg.MaxAge,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return &BatchAnchorer{coord: coord, batcher: b, log: cfg.Log}, nil
}

// Observe adds one settled event; a size-complete batch anchors immediately.
func (b *BatchAnchorer) Observe(ctx context.Context, ev payment.Event) {
	if ev.ID == "" {
		return
	}
	if batch, ok := b.batcher.Add(eventDigest(ev.ID), ev.ID); ok {
		b.anchorBatch(ctx, batch)
	}
}

// Run flushes age-expired batches until ctx is cancelled, then anchors the
// remainder so a shutdown never strands observed events.
func (b *BatchAnchorer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if batch, ok := b.batcher.Flush(); ok {
				b.anchorBatch(context.WithoutCancel(ctx), batch)
			}
			return
		case <-ticker.C:
			b.FlushDue(ctx)
		}
	}
}

// FlushDue anchors the current batch if it has aged out.
func (b *BatchAnchorer) FlushDue(ctx context.Context) bool {
	batch, ok := b.batcher.FlushDue()
	if ok {
		b.anchorBatch(ctx, batch)
	}
	return ok
}

func (b *BatchAnchorer) anchorBatch(ctx context.Context, batch batching.Batch[string]) {
	ids := make([][32]byte, len(batch.Items))
	for i, it := range batch.Items {
		ids[i] = it.ID
	}
	batchID := batching.AnchorBatchIDV1(ids)
	res := b.coord.Anchor(ctx, Request{
		Kind:   "batch",
		TxHash: "0x" + hex.EncodeToString(batchID[:]),
	})
	if res.Warning != nil {
		b.log.Warn("batch anchor degraded",
			"events", len(batch.Items), "stage", res.Warning.Stage)
		return
	}
	b.log.Info("batch anchored",
		"events", len(batch.Items), "receipt", res.ReceiptID, "message", res.MessageID)
}

func eventDigest(eventID string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventID))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
