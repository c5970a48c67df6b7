package anchor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-credit/credit-rails/internal/canister"
)

type fakeReceipts struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReceipts) IssueReceipt(_ context.Context, dataHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "rcpt-" + dataHash[:8], nil
}

type fakeDVN struct {
	mu    sync.Mutex
	calls int
	err   error
	last  canister.Message
}

func (f *fakeDVN) SubmitMessage(_ context.Context, msg canister.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.last = msg
	return "msg-1", nil
}

func (f *fakeDVN) MessageStatus(context.Context, string) (canister.MessageState, error) {
	return canister.MessageDelivered, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func newCoordinator(t *testing.T, receipts *fakeReceipts, dvn *fakeDVN, outbox Outbox) *Coordinator {
	t.Helper()
	c, err := New(receipts, dvn, outbox, Config{
		DestinationChain: 0,
		Sender:           "test",
		Now:              fixedNow,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestDataHash_Deterministic(t *testing.T) {
	at := fixedNow()
	a := DataHash("payment", "0xabc", 421614, at)
	b := DataHash("payment", "0xabc", 421614, at)
	if a != b {
		t.Fatalf("same inputs hashed differently: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "0x") || len(a) != 66 {
		t.Fatalf("hash format %q", a)
	}
	if DataHash("payment", "0xabc", 84532, at) == a {
		t.Fatalf("chain id not bound into the hash")
	}
	if DataHash("batch", "0xabc", 421614, at) == a {
		t.Fatalf("kind not bound into the hash")
	}
}

func TestAnchor_FullSuccess(t *testing.T) {
	dvn := &fakeDVN{}
	outbox := NewMemoryOutbox()
	res := newCoordinator(t, &fakeReceipts{}, dvn, outbox).
		Anchor(context.Background(), Request{Kind: "payment", TxHash: "0xabc", ChainID: 421614})
	if res.Warning != nil {
		t.Fatalf("warning on success: %v", res.Warning)
	}
	if res.ReceiptID == "" || res.MessageID == "" {
		t.Fatalf("result = %+v", res)
	}
	if dvn.last.SourceChain != 421614 || dvn.last.DestinationChain != 0 {
		t.Fatalf("message routing = %+v", dvn.last)
	}
	if outbox.Len() != 0 {
		t.Fatalf("outbox not empty after success")
	}
}

func TestAnchor_ReceiptFailureSkipsDVN(t *testing.T) {
	dvn := &fakeDVN{}
	outbox := NewMemoryOutbox()
	res := newCoordinator(t, &fakeReceipts{err: errors.New("canister down")}, dvn, outbox).
		Anchor(context.Background(), Request{Kind: "payment", TxHash: "0xabc", ChainID: 421614})

	if res.Warning == nil || res.Warning.Stage != StageReceipt {
		t.Fatalf("warning = %v, want receipt stage", res.Warning)
	}
	if dvn.calls != 0 {
		t.Fatalf("DVN called without a receipt")
	}
	pending, _ := outbox.Pending(context.Background(), 10)
	if len(pending) != 1 || pending[0].Stage != StageReceipt {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestAnchor_DVNFailureKeepsReceipt(t *testing.T) {
	outbox := NewMemoryOutbox()
	res := newCoordinator(t, &fakeReceipts{}, &fakeDVN{err: errors.New("dvn stalled")}, outbox).
		Anchor(context.Background(), Request{Kind: "payment", TxHash: "0xabc", ChainID: 421614})

	if res.Warning == nil || res.Warning.Stage != StageDVN {
		t.Fatalf("warning = %v, want dvn stage", res.Warning)
	}
	if res.ReceiptID == "" {
		t.Fatalf("receipt id lost on DVN failure")
	}
	pending, _ := outbox.Pending(context.Background(), 10)
	if len(pending) != 1 || pending[0].Stage != StageDVN || pending[0].ReceiptID != res.ReceiptID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestRetrier_RedrivesDVNOnly(t *testing.T) {
	receipts := &fakeReceipts{}
	dvn := &fakeDVN{}
	outbox := NewMemoryOutbox()
	_ = outbox.Put(context.Background(), Entry{
		TxHash: "0xabc", ChainID: 421614, Kind: "payment",
		Stage: StageDVN, DataHash: "0xfeed", ReceiptID: "rcpt-1",
		CreatedAt: fixedNow(),
	})

	r, err := NewRetrier(receipts, dvn, outbox, RetrierConfig{Now: fixedNow})
	if err != nil {
		t.Fatalf("NewRetrier: %v", err)
	}
	done, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if done != 1 {
		t.Fatalf("done = %d", done)
	}
	if receipts.calls != 0 {
		t.Fatalf("receipt issuance repeated for a DVN-stage entry")
	}
	if dvn.calls != 1 {
		t.Fatalf("dvn calls = %d", dvn.calls)
	}
	if outbox.Len() != 0 {
		t.Fatalf("entry not cleared after re-drive")
	}
}

func TestRetrier_ReceiptStageRunsBothSteps(t *testing.T) {
	receipts := &fakeReceipts{}
	dvn := &fakeDVN{}
	outbox := NewMemoryOutbox()
	_ = outbox.Put(context.Background(), Entry{
		TxHash: "0xabc", ChainID: 421614, Kind: "payment",
		Stage: StageReceipt, DataHash: "0xfeedfeed",
		CreatedAt: fixedNow(),
	})

	r, err := NewRetrier(receipts, dvn, outbox, RetrierConfig{Now: fixedNow})
	if err != nil {
		t.Fatalf("NewRetrier: %v", err)
	}
	if done, _ := r.Sweep(context.Background()); done != 1 {
		t.Fatalf("sweep did not complete the entry")
	}
	if receipts.calls != 1 || dvn.calls != 1 {
		t.Fatalf("calls = %d receipts, %d dvn", receipts.calls, dvn.calls)
	}
}

func TestRetrier_DVNFailurePreservesFreshReceipt(t *testing.T) {
	receipts := &fakeReceipts{}
	dvn := &fakeDVN{err: errors.New("still down")}
	outbox := NewMemoryOutbox()
	_ = outbox.Put(context.Background(), Entry{
		TxHash: "0xabc", ChainID: 421614, Kind: "payment",
		Stage: StageReceipt, DataHash: "0xfeedfeed",
		CreatedAt: fixedNow(),
	})

	r, err := NewRetrier(receipts, dvn, outbox, RetrierConfig{Now: fixedNow})
	if err != nil {
		t.Fatalf("NewRetrier: %v", err)
	}
	if done, _ := r.Sweep(context.Background()); done != 0 {
		t.Fatalf("entry completed against a failing DVN")
	}

	// The receipt survived; the next sweep must not issue another one.
	pending, _ := outbox.Pending(context.Background(), 10)
	if len(pending) != 1 || pending[0].Stage != StageDVN || pending[0].ReceiptID == "" {
		t.Fatalf("pending = %+v", pending)
	}
	dvn.err = nil
	if done, _ := r.Sweep(context.Background()); done != 1 {
		t.Fatalf("second sweep did not finish")
	}
	if receipts.calls != 1 {
		t.Fatalf("receipt issued %d times, want 1", receipts.calls)
	}
}

func TestRetrier_RetiresAfterMaxAttempts(t *testing.T) {
	dvn := &fakeDVN{err: errors.New("permanent")}
	outbox := NewMemoryOutbox()
	_ = outbox.Put(context.Background(), Entry{
		TxHash: "0xabc", ChainID: 421614, Kind: "payment",
		Stage: StageDVN, DataHash: "0xfeed", ReceiptID: "rcpt-1",
		CreatedAt: fixedNow(),
	})

	r, err := NewRetrier(&fakeReceipts{}, dvn, outbox, RetrierConfig{MaxAttempts: 2, Now: fixedNow})
	if err != nil {
		t.Fatalf("NewRetrier: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = r.Sweep(context.Background())
	}
	if outbox.Len() != 0 {
		t.Fatalf("exhausted entry still pending")
	}
}
