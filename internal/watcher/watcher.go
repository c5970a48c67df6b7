// Package watcher runs one long-lived listener per configured chain,
// classifies raw chain activity into normalized events, and fans them into a
// single downstream channel. Chains fail independently: an erroring chain
// parks itself in the Error state without touching its siblings.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/payment"
)

var (
	ErrInvalidConfig = errors.New("watcher: invalid config")
	ErrUnknownChain  = errors.New("watcher: unknown chain")
)

// State is the lifecycle of one chain watcher.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

// ChainStatus is a monitoring snapshot of one chain watcher.
type ChainStatus struct {
	ChainID           uint64            `json:"chainId"`
	ChainType         payment.ChainType `json:"chainType"`
	State             State             `json:"state"`
	EventsProcessed   uint64            `json:"eventsProcessed"`
	LastBlock         uint64            `json:"lastBlock"`
	LastEventAt       time.Time         `json:"lastEventAt"`
	ConsecutiveErrors int               `json:"consecutiveErrors"`
	LastError         string            `json:"lastError,omitempty"`
}

type Config struct {
	// MaxConsecutiveErrors parks a chain in the Error state instead of
	// busy-looping against a broken endpoint.
	MaxConsecutiveErrors int

	// StartHeights seeds each chain's cursor; missing chains start at 0.
	StartHeights map[uint64]uint64

	// Buffer sizes the fan-in event channel.
	Buffer int

	Now func() time.Time
}

type Pool struct {
	registry *chain.Registry
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	watchers map[uint64]*chainWatcher
	out      chan payment.Event
	running  bool
	wg       sync.WaitGroup
}

type chainWatcher struct {
	chainID uint64
	ctype   payment.ChainType
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	status ChainStatus
	cursor uint64
}

func NewPool(registry *chain.Registry, cfg Config, log *slog.Logger) (*Pool, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil chain registry", ErrInvalidConfig)
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		registry: registry,
		cfg:      cfg,
		log:      log,
		watchers: make(map[uint64]*chainWatcher),
		out:      make(chan payment.Event, cfg.Buffer),
	}, nil
}

// Events is the fan-in of every chain's normalized events. Per-chain order
// follows the chain's (blockHeight, logIndex); no order holds across chains.
func (p *Pool) Events() <-chan payment.Event {
	return p.out
}

// Start brings every registered chain to Running. Individual chain failures
// are recorded in that chain's status and do not abort the others.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	for _, chainID := range p.registry.ChainIDs() {
		p.startChainLocked(ctx, chainID)
	}
	return nil
}

// Stop tears down every live subscription and transitions all chains to
// Stopped, releasing adapter resources.
func (p *Pool) Stop() {
	p.mu.Lock()
	watchers := make([]*chainWatcher, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.running = false
	p.mu.Unlock()

	for _, w := range watchers {
		if w.cancel != nil {
			w.cancel()
		}
	}
	p.wg.Wait()

	for _, w := range watchers {
		w.mu.Lock()
		if w.status.State != StateError {
			w.status.State = StateStopped
		} else {
			w.status.State = StateStopped
			w.status.LastError = ""
		}
		w.mu.Unlock()
	}
}

// Restart tears down one chain's subscription and brings it up again from
// its last cursor. This is the only way out of the Error state.
func (p *Pool) Restart(ctx context.Context, chainID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watchers[chainID]
	if ok && w.cancel != nil {
		w.cancel()
		// The dying run may still record a final error; wait it out so it
		// cannot clobber the fresh run's status.
		if w.done != nil {
			<-w.done
		}
	}
	if _, err := p.registry.Adapter(chainID); err != nil {
		return fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	p.startChainLocked(ctx, chainID)
	return nil
}

// Status reports every chain's snapshot, sorted by chain id.
func (p *Pool) Status() []ChainStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChainStatus, 0, len(p.watchers))
	for _, w := range p.watchers {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func (p *Pool) startChainLocked(ctx context.Context, chainID uint64) {
	adapter, err := p.registry.Adapter(chainID)
	if err != nil {
		return
	}

	w, ok := p.watchers[chainID]
	if !ok {
		w = &chainWatcher{
			chainID: chainID,
			ctype:   adapter.Type(),
			cursor:  p.cfg.StartHeights[chainID],
			status: ChainStatus{
				ChainID:   chainID,
				ChainType: adapter.Type(),
				State:     StateStopped,
			},
		}
		p.watchers[chainID] = w
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	w.mu.Lock()
	w.status.State = StateStarting
	w.status.ConsecutiveErrors = 0
	w.status.LastError = ""
	w.mu.Unlock()

	p.wg.Add(1)
	go p.runChain(runCtx, adapter, w, w.done)
}

func (p *Pool) runChain(ctx context.Context, adapter chain.Adapter, w *chainWatcher, done chan<- struct{}) {
	defer p.wg.Done()
	defer close(done)

	w.mu.Lock()
	from := w.cursor
	w.mu.Unlock()

	records, errs, err := adapter.Subscribe(ctx, from)
	if err != nil {
		p.log.Error("chain subscription failed", "chain", w.chainID, "err", err)
		w.mu.Lock()
		w.status.State = StateError
		w.status.ConsecutiveErrors++
		w.status.LastError = err.Error()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.status.State = StateRunning
	w.mu.Unlock()
	p.log.Info("chain watcher running", "chain", w.chainID, "from", from)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			ev := p.classify(adapter, rec)
			w.mu.Lock()
			w.status.EventsProcessed++
			w.status.ConsecutiveErrors = 0
			w.status.LastError = ""
			if rec.BlockHeight > w.status.LastBlock {
				w.status.LastBlock = rec.BlockHeight
				w.cursor = rec.BlockHeight
			}
			w.status.LastEventAt = p.cfg.Now().UTC()
			w.mu.Unlock()
			select {
			case p.out <- ev:
			case <-ctx.Done():
				return
			}
		case serr, ok := <-errs:
			if !ok || serr == nil {
				continue
			}
			w.mu.Lock()
			w.status.ConsecutiveErrors++
			w.status.LastError = serr.Error()
			parked := w.status.ConsecutiveErrors >= p.cfg.MaxConsecutiveErrors
			if parked {
				w.status.State = StateError
			}
			w.mu.Unlock()
			p.log.Warn("chain stream error", "chain", w.chainID, "err", serr)
			if parked {
				p.log.Error("chain watcher parked after sustained errors",
					"chain", w.chainID, "errors", p.cfg.MaxConsecutiveErrors)
				if w.cancel != nil {
					w.cancel()
				}
				return
			}
		}
	}
}

func (p *Pool) classify(adapter chain.Adapter, rec chain.Record) payment.Event {
	eventType := payment.EventTransfer
	switch {
	case isZeroParty(adapter.Type(), rec.From):
		eventType = payment.EventMint
	case isZeroParty(adapter.Type(), rec.To):
		eventType = payment.EventBurn
	}
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = p.cfg.Now().UTC()
	}
	return payment.Event{
		ID:          payment.EventID(adapter.ChainID(), rec.TxHash, rec.LogIndex),
		ChainID:     adapter.ChainID(),
		ChainType:   adapter.Type(),
		Type:        eventType,
		TxHash:      rec.TxHash,
		BlockHeight: rec.BlockHeight,
		LogIndex:    rec.LogIndex,
		Timestamp:   ts,
		From:        rec.From,
		To:          rec.To,
		Amount:      amount,
		Raw:         rec.Raw,
	}
}

// Zero-party sentinels per backend family: the EVM zero address, the
// Bitcoin coinbase marker, and the Solana system program.
const (
	evmZeroAddress      = "0x0000000000000000000000000000000000000000"
	bitcoinCoinbase     = "coinbase"
	solanaSystemProgram = "11111111111111111111111111111111"
)

func isZeroParty(ct payment.ChainType, addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	switch ct {
	case payment.ChainTypeEVM:
		return strings.EqualFold(addr, evmZeroAddress)
	case payment.ChainTypeBitcoin:
		return strings.EqualFold(addr, bitcoinCoinbase)
	case payment.ChainTypeSolana:
		return addr == solanaSystemProgram
	default:
		return false
	}
}
