package anchor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry is one anchoring step awaiting a re-drive, keyed by (TxHash,
// ChainID). Stage names the step that failed; a StageDVN entry already
// holds its receipt id and only needs the DVN call repeated.
type Entry struct {
	TxHash    string    `json:"txHash"`
	ChainID   uint64    `json:"chainId"`
	Kind      string    `json:"kind"`
	Stage     string    `json:"stage"`
	DataHash  string    `json:"dataHash"`
	ReceiptID string    `json:"receiptId,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}

func (e Entry) key() string {
	return fmt.Sprintf("%s/%d", e.TxHash, e.ChainID)
}

// Outbox persists pending anchor steps. Put upserts by (TxHash, ChainID);
// a second failure for the same payment replaces the earlier entry.
type Outbox interface {
	Put(ctx context.Context, e Entry) error
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkDone(ctx context.Context, txHash string, chainID uint64) error
	Bump(ctx context.Context, txHash string, chainID uint64) error
}

// MemoryOutbox is the single-process Outbox.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[string]Entry)}
}

func (o *MemoryOutbox) Put(_ context.Context, e Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.entries[e.key()]; ok {
		e.Attempts = prev.Attempts
		if e.CreatedAt.IsZero() {
			e.CreatedAt = prev.CreatedAt
		}
	}
	o.entries[e.key()] = e
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *MemoryOutbox) MarkDone(_ context.Context, txHash string, chainID uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, Entry{TxHash: txHash, ChainID: chainID}.key())
	return nil
}

func (o *MemoryOutbox) Bump(_ context.Context, txHash string, chainID uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := Entry{TxHash: txHash, ChainID: chainID}.key()
	if e, ok := o.entries[k]; ok {
		e.Attempts++
		o.entries[k] = e
	}
	return nil
}

func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
