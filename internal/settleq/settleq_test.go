package settleq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-credit/credit-rails/internal/canister"
	"github.com/agent-credit/credit-rails/internal/payment"
	"github.com/agent-credit/credit-rails/internal/queue"
)

type fakeDVN struct {
	mu      sync.Mutex
	submits []canister.Message
	err     error
}

func (f *fakeDVN) SubmitMessage(_ context.Context, msg canister.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.submits = append(f.submits, msg)
	return "msg-1", nil
}

func (f *fakeDVN) MessageStatus(context.Context, string) (canister.MessageState, error) {
	return canister.MessagePending, nil
}

func (f *fakeDVN) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func testEvent(txHash string) payment.Event {
	return payment.Event{
		ID:          payment.EventID(421614, txHash, 0),
		ChainID:     421614,
		ChainType:   payment.ChainTypeEVM,
		Type:        payment.EventTransfer,
		TxHash:      txHash,
		BlockHeight: 12,
		Amount:      "800000000000000000",
	}
}

// stdio consumer plus an in-memory pipe gives a real end-to-end queue run.
func runWorker(t *testing.T, dvn *fakeDVN, store SubmissionStore, lines ...string) Stats {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver: queue.DriverStdio,
		Reader: strings.NewReader(strings.Join(lines, "\n") + "\n"),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	w, err := NewWorker(dvn, store, consumer, Config{
		DestinationChain: 0,
		Sender:           "test",
		Now:              func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	return w.Stats()
}

func marshal(t *testing.T, ev payment.Event) string {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestWorker_SubmitsEachEventOnce(t *testing.T) {
	dvn := &fakeDVN{}
	store := NewMemorySubmissionStore()
	ev := testEvent("0xaaa")

	stats := runWorker(t, dvn, store, marshal(t, ev), marshal(t, ev), marshal(t, ev))
	if dvn.count() != 1 {
		t.Fatalf("%d DVN submissions for one event id, want 1", dvn.count())
	}
	if stats.Submitted != 1 || stats.Duplicate != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := dvn.submits[0]; got.SourceChain != 421614 || got.DestinationChain != 0 {
		t.Fatalf("message routing = %+v", got)
	}
}

func TestWorker_DistinctEventsAllSubmitted(t *testing.T) {
	dvn := &fakeDVN{}
	store := NewMemorySubmissionStore()
	stats := runWorker(t, dvn, store,
		marshal(t, testEvent("0xaaa")),
		marshal(t, testEvent("0xbbb")),
	)
	if dvn.count() != 2 || stats.Submitted != 2 {
		t.Fatalf("submits = %d, stats = %+v", dvn.count(), stats)
	}
}

func TestWorker_DVNFailureCounted(t *testing.T) {
	dvn := &fakeDVN{err: errors.New("gateway down")}
	store := NewMemorySubmissionStore()
	stats := runWorker(t, dvn, store, marshal(t, testEvent("0xaaa")))
	if stats.Failed != 1 || stats.Submitted != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	// Nothing recorded: a later redelivery must still submit.
	done, _ := store.Submitted(context.Background(), testEvent("0xaaa").ID)
	if done {
		t.Fatalf("failed submission must not be marked settled")
	}
}

func TestWorker_MalformedPayloadDropped(t *testing.T) {
	dvn := &fakeDVN{}
	store := NewMemorySubmissionStore()
	stats := runWorker(t, dvn, store, "{not json", marshal(t, testEvent("0xccc")))
	if dvn.count() != 1 || stats.Failed != 0 {
		t.Fatalf("submits = %d, stats = %+v", dvn.count(), stats)
	}
}

func TestWorker_OnSettledFiresOncePerEvent(t *testing.T) {
	dvn := &fakeDVN{}
	store := NewMemorySubmissionStore()
	ev := testEvent("0xeee")
	lines := []string{marshal(t, ev), marshal(t, ev), marshal(t, testEvent("0xfff"))}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver: queue.DriverStdio,
		Reader: strings.NewReader(strings.Join(lines, "\n") + "\n"),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}

	var settled []string
	w, err := NewWorker(dvn, store, consumer, Config{
		Sender:    "test",
		OnSettled: func(_ context.Context, ev payment.Event) { settled = append(settled, ev.ID) },
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}

	if len(settled) != 2 {
		t.Fatalf("OnSettled fired %d times, want 2 (once per unique event)", len(settled))
	}
	if settled[0] == settled[1] {
		t.Fatalf("OnSettled fired twice for event %q", settled[0])
	}
}

func TestPublisher_KeysByChain(t *testing.T) {
	var out bytes.Buffer
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver: queue.DriverStdio,
		Writer: &out,
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	pub, err := NewPublisher(producer, "settlement.events")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	ev := testEvent("0xddd")
	if err := pub.PublishEvent(context.Background(), ev); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	var round payment.Event
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &round); err != nil {
		t.Fatalf("published payload not an event: %v", err)
	}
	if round.ID != ev.ID {
		t.Fatalf("round-tripped id = %q, want %q", round.ID, ev.ID)
	}
}
