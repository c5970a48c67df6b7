package anchor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agent-credit/credit-rails/internal/payment"
)

func newBatchAnchorer(t *testing.T, coord *Coordinator, maxItems int, now *time.Time) *BatchAnchorer {
	t.Helper()
	b, err := NewBatchAnchorer(coord, BatchConfig{
		MaxItems: maxItems,
		MaxAge:   time.Minute,
		Now:      func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("NewBatchAnchorer: %v", err)
	}
	return b
}

func TestBatchAnchorer_SizeFlush(t *testing.T) {
	receipts := &fakeReceipts{}
	dvn := &fakeDVN{}
	outbox := NewMemoryOutbox()
	coord := newCoordinator(t, receipts, dvn, outbox)

	now := fixedNow()
	b := newBatchAnchorer(t, coord, 2, &now)
	ctx := context.Background()

	b.Observe(ctx, payment.Event{ID: "421614:0xaa"})
	if receipts.calls != 0 {
		t.Fatalf("anchored before the batch filled")
	}
	b.Observe(ctx, payment.Event{ID: "421614:0xbb"})

	if receipts.calls != 1 || dvn.calls != 1 {
		t.Fatalf("receipts=%d dvn=%d, want one anchor per full batch", receipts.calls, dvn.calls)
	}
	if outbox.Len() != 0 {
		t.Fatalf("successful batch anchor left %d outbox entries", outbox.Len())
	}
}

func TestBatchAnchorer_AgeFlush(t *testing.T) {
	receipts := &fakeReceipts{}
	dvn := &fakeDVN{}
	coord := newCoordinator(t, receipts, dvn, NewMemoryOutbox())

	now := fixedNow()
	b := newBatchAnchorer(t, coord, 100, &now)
	ctx := context.Background()

	b.Observe(ctx, payment.Event{ID: "84532:0xcc"})
	if b.FlushDue(ctx) {
		t.Fatalf("fresh batch flushed early")
	}

	now = now.Add(2 * time.Minute)
	if !b.FlushDue(ctx) {
		t.Fatalf("aged batch did not flush")
	}
	if receipts.calls != 1 {
		t.Fatalf("receipts.calls = %d, want 1", receipts.calls)
	}
}

func TestBatchAnchorer_IgnoresEventsWithoutID(t *testing.T) {
	receipts := &fakeReceipts{}
	coord := newCoordinator(t, receipts, &fakeDVN{}, NewMemoryOutbox())

	now := fixedNow()
	b := newBatchAnchorer(t, coord, 2, &now)
	ctx := context.Background()

	b.Observe(ctx, payment.Event{})
	b.Observe(ctx, payment.Event{})
	b.Observe(ctx, payment.Event{ID: "101:sig1"})

	if receipts.calls != 0 {
		t.Fatalf("id-less events counted toward the batch")
	}
}

func TestBatchAnchorer_FailureLandsInOutbox(t *testing.T) {
	receipts := &fakeReceipts{err: errors.New("canister down")}
	outbox := NewMemoryOutbox()
	coord := newCoordinator(t, receipts, &fakeDVN{}, outbox)

	now := fixedNow()
	b := newBatchAnchorer(t, coord, 1, &now)

	b.Observe(context.Background(), payment.Event{ID: "0:f00d"})

	entries, err := outbox.Pending(context.Background(), 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("outbox entries = %d, want 1", len(entries))
	}
	if entries[0].Kind != "batch" || entries[0].Stage != StageReceipt {
		t.Fatalf("entry = %+v, want batch kind at receipt stage", entries[0])
	}
}
