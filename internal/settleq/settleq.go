// Package settleq drains normalized chain events off the queue and submits
// each one to the DVN canister exactly once. The deterministic event id is
// the dedupe key, so redelivered queue messages never produce a second DVN
// submission.
package settleq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/agent-credit/credit-rails/internal/canister"
	"github.com/agent-credit/credit-rails/internal/payment"
	"github.com/agent-credit/credit-rails/internal/queue"
)

var ErrInvalidConfig = errors.New("settleq: invalid config")

// SubmissionStore remembers which event ids reached the DVN. MarkSubmitted
// must be an atomic first-writer-wins check, mirroring the redemption store.
type SubmissionStore interface {
	MarkSubmitted(ctx context.Context, eventID string, messageID string, at time.Time) (bool, error)
	Submitted(ctx context.Context, eventID string) (bool, error)
}

// Publisher pushes events onto the settlement topic, keyed by chain id so a
// chain's events land on one partition in order.
type Publisher struct {
	producer queue.Producer
	topic    string
}

func NewPublisher(producer queue.Producer, topic string) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	return &Publisher{producer: producer, topic: topic}, nil
}

func (p *Publisher) PublishEvent(ctx context.Context, ev payment.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("settleq: marshal event %s: %w", ev.ID, err)
	}
	key := []byte(strconv.FormatUint(ev.ChainID, 10))
	if err := p.producer.Publish(ctx, p.topic, key, payload); err != nil {
		return fmt.Errorf("settleq: publish event %s: %w", ev.ID, err)
	}
	return nil
}

type Config struct {
	// DestinationChain is the DVN target for settlement messages.
	DestinationChain uint64

	// Sender identifies this deployment to the canister gateway.
	Sender string

	// SubmitTimeout bounds each DVN call.
	SubmitTimeout time.Duration

	// OnSettled runs after an event's first successful DVN submission,
	// never for duplicates.
	OnSettled func(ctx context.Context, ev payment.Event)

	Now func() time.Time
	Log *slog.Logger
}

// Worker consumes queue messages and drives DVN submission.
type Worker struct {
	dvn      canister.DVNClient
	store    SubmissionStore
	consumer queue.Consumer
	cfg      Config

	mu      sync.Mutex
	stats   Stats
	stopped chan struct{}
}

// Stats is a monitoring counter snapshot.
type Stats struct {
	Consumed  uint64 `json:"consumed"`
	Submitted uint64 `json:"submitted"`
	Duplicate uint64 `json:"duplicate"`
	Failed    uint64 `json:"failed"`
}

func NewWorker(dvn canister.DVNClient, store SubmissionStore, consumer queue.Consumer, cfg Config) (*Worker, error) {
	if dvn == nil {
		return nil, fmt.Errorf("%w: nil dvn client", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil submission store", ErrInvalidConfig)
	}
	if consumer == nil {
		return nil, fmt.Errorf("%w: nil consumer", ErrInvalidConfig)
	}
	if cfg.Sender == "" {
		cfg.Sender = "settle-worker"
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		dvn:      dvn,
		store:    store,
		consumer: consumer,
		cfg:      cfg,
		stopped:  make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled or the consumer closes. A failed DVN
// submission leaves the message unacked for the broker to redeliver; the
// submission store makes the redelivery harmless.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	msgs := w.consumer.Messages()
	errs := w.consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				// Keep draining buffered messages after the error
				// channel closes.
				errs = nil
				continue
			}
			if err != nil {
				w.cfg.Log.Warn("queue consumer error", "err", err)
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			w.bump(func(s *Stats) { s.Consumed++ })
			if err := w.handle(ctx, msg); err != nil {
				w.bump(func(s *Stats) { s.Failed++ })
				w.cfg.Log.Error("settlement submission failed", "err", err)
				continue
			}
			if err := msg.Ack(ctx); err != nil {
				w.cfg.Log.Warn("ack failed", "err", err)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	var ev payment.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// Returning an error would redeliver a payload that can never
		// parse; ack and drop it loudly instead.
		w.cfg.Log.Error("dropping malformed event payload", "err", err)
		return nil
	}
	if ev.ID == "" {
		w.cfg.Log.Error("dropping event without id", "txHash", ev.TxHash)
		return nil
	}

	done, err := w.store.Submitted(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("settleq: submission lookup %s: %w", ev.ID, err)
	}
	if done {
		w.bump(func(s *Stats) { s.Duplicate++ })
		w.cfg.Log.Debug("event already settled", "event", ev.ID)
		return nil
	}

	subCtx, cancel := context.WithTimeout(ctx, w.cfg.SubmitTimeout)
	defer cancel()
	messageID, err := w.dvn.SubmitMessage(subCtx, canister.Message{
		SourceChain:      ev.ChainID,
		DestinationChain: w.cfg.DestinationChain,
		Sender:           w.cfg.Sender,
		Payload:          msg.Value,
	})
	if err != nil {
		return fmt.Errorf("settleq: submit event %s: %w", ev.ID, err)
	}

	first, err := w.store.MarkSubmitted(ctx, ev.ID, messageID, w.cfg.Now().UTC())
	if err != nil {
		return fmt.Errorf("settleq: record submission %s: %w", ev.ID, err)
	}
	if !first {
		w.bump(func(s *Stats) { s.Duplicate++ })
	} else {
		w.bump(func(s *Stats) { s.Submitted++ })
		if w.cfg.OnSettled != nil {
			w.cfg.OnSettled(ctx, ev)
		}
	}
	w.cfg.Log.Info("event settled", "event", ev.ID, "chain", ev.ChainID,
		"type", ev.Type, "message", messageID)
	return nil
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Done closes after Run returns.
func (w *Worker) Done() <-chan struct{} { return w.stopped }

func (w *Worker) bump(f func(*Stats)) {
	w.mu.Lock()
	f(&w.stats)
	w.mu.Unlock()
}

// MemorySubmissionStore is the single-process SubmissionStore.
type MemorySubmissionStore struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemorySubmissionStore() *MemorySubmissionStore {
	return &MemorySubmissionStore{seen: make(map[string]string)}
}

func (s *MemorySubmissionStore) MarkSubmitted(_ context.Context, eventID, messageID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[eventID]; dup {
		return false, nil
	}
	s.seen[eventID] = messageID
	return true, nil
}

func (s *MemorySubmissionStore) Submitted(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[eventID]
	return ok, nil
}
