package watcher

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/payment"
)

// scriptAdapter feeds pre-staged records and errors through Subscribe.
type scriptAdapter struct {
	chainID uint64
	ctype   payment.ChainType

	mu      sync.Mutex
	records chan chain.Record
	errs    chan error
	subErr  error
}

func newScriptAdapter(chainID uint64, ctype payment.ChainType) *scriptAdapter {
	a := &scriptAdapter{chainID: chainID, ctype: ctype}
	a.reset()
	return a
}

func (a *scriptAdapter) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = make(chan chain.Record, 16)
	a.errs = make(chan error, 16)
}

func (a *scriptAdapter) feed(r chain.Record) {
	a.mu.Lock()
	ch := a.records
	a.mu.Unlock()
	ch <- r
}

func (a *scriptAdapter) fail(err error) {
	a.mu.Lock()
	ch := a.errs
	a.mu.Unlock()
	ch <- err
}

func (a *scriptAdapter) ChainID() uint64         { return a.chainID }
func (a *scriptAdapter) Type() payment.ChainType { return a.ctype }

func (a *scriptAdapter) GetBalance(context.Context, string, asset.Info) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (a *scriptAdapter) SubmitTransfer(context.Context, chain.SubmitRequest) (payment.TransferReceipt, error) {
	return payment.TransferReceipt{}, errors.New("not supported")
}

func (a *scriptAdapter) Subscribe(context.Context, uint64) (<-chan chain.Record, <-chan error, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subErr != nil {
		return nil, nil, a.subErr
	}
	return a.records, a.errs, nil
}

func (a *scriptAdapter) FetchTransfer(context.Context, string) (chain.Record, error) {
	return chain.Record{}, payment.ErrNotFound
}

func testPool(t *testing.T, adapters ...chain.Adapter) *Pool {
	t.Helper()
	reg, err := chain.NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	pool, err := NewPool(reg, Config{
		MaxConsecutiveErrors: 3,
		Now:                  func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) },
	}, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func waitEvent(t *testing.T, pool *Pool) payment.Event {
	t.Helper()
	select {
	case ev := <-pool.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return payment.Event{}
	}
}

func waitState(t *testing.T, pool *Pool, chainID uint64, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, st := range pool.Status() {
			if st.ChainID == chainID && st.State == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("chain %d never reached state %q, status: %+v", chainID, want, pool.Status())
}

func TestClassification(t *testing.T) {
	evm := newScriptAdapter(asset.ChainIDArbSepolia, payment.ChainTypeEVM)
	btc := newScriptAdapter(asset.ChainIDBitcoin, payment.ChainTypeBitcoin)
	sol := newScriptAdapter(asset.ChainIDSolana, payment.ChainTypeSolana)
	pool := testPool(t, evm, btc, sol)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	cases := []struct {
		name string
		feed func(chain.Record)
		rec  chain.Record
		want payment.EventType
	}{
		{
			name: "evm mint from zero address",
			feed: evm.feed,
			rec: chain.Record{
				TxHash: "0xaa", From: "0x0000000000000000000000000000000000000000",
				To: "0x1111111111111111111111111111111111111111", Amount: big.NewInt(5),
			},
			want: payment.EventMint,
		},
		{
			name: "evm burn to zero address",
			feed: evm.feed,
			rec: chain.Record{
				TxHash: "0xbb", From: "0x2222222222222222222222222222222222222222",
				To: "0x0000000000000000000000000000000000000000", Amount: big.NewInt(5),
			},
			want: payment.EventBurn,
		},
		{
			name: "evm plain transfer",
			feed: evm.feed,
			rec: chain.Record{
				TxHash: "0xcc", From: "0x2222222222222222222222222222222222222222",
				To: "0x1111111111111111111111111111111111111111", Amount: big.NewInt(5),
			},
			want: payment.EventTransfer,
		},
		{
			name: "bitcoin coinbase is a mint",
			feed: btc.feed,
			rec: chain.Record{
				TxHash: "f00d", From: "coinbase", To: "bc1qtreasury", Amount: big.NewInt(2000),
			},
			want: payment.EventMint,
		},
		{
			name: "solana system program source is a mint",
			feed: sol.feed,
			rec: chain.Record{
				TxHash: "sig1", From: "11111111111111111111111111111111",
				To: "So1Treasury", Amount: big.NewInt(8),
			},
			want: payment.EventMint,
		},
	}

	for _, tc := range cases {
		tc.feed(tc.rec)
		ev := waitEvent(t, pool)
		if ev.Type != tc.want {
			t.Errorf("%s: type = %q, want %q", tc.name, ev.Type, tc.want)
		}
		if ev.ID != payment.EventID(ev.ChainID, tc.rec.TxHash, tc.rec.LogIndex) {
			t.Errorf("%s: non-deterministic event id %q", tc.name, ev.ID)
		}
	}
}

func TestEventIDsUniquePerLogIndex(t *testing.T) {
	evm := newScriptAdapter(asset.ChainIDBaseSepolia, payment.ChainTypeEVM)
	pool := testPool(t, evm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	// Same transaction, two logs.
	evm.feed(chain.Record{TxHash: "0xdd", BlockHeight: 10, LogIndex: 0, From: "0xa", To: "0xb", Amount: big.NewInt(1)})
	evm.feed(chain.Record{TxHash: "0xdd", BlockHeight: 10, LogIndex: 1, From: "0xa", To: "0xb", Amount: big.NewInt(1)})

	first := waitEvent(t, pool)
	second := waitEvent(t, pool)
	if first.ID == second.ID {
		t.Fatalf("distinct log indexes produced the same event id %q", first.ID)
	}
}

func TestPerChainOrderingPreserved(t *testing.T) {
	evm := newScriptAdapter(asset.ChainIDOpSepolia, payment.ChainTypeEVM)
	pool := testPool(t, evm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	heights := []uint64{5, 6, 7, 8}
	for _, h := range heights {
		evm.feed(chain.Record{TxHash: "0xee", BlockHeight: h, From: "0xa", To: "0xb", Amount: big.NewInt(1)})
	}
	for i, want := range heights {
		ev := waitEvent(t, pool)
		if ev.BlockHeight != want {
			t.Fatalf("event %d: height %d, want %d", i, ev.BlockHeight, want)
		}
	}
}

func TestChainFailureIsolated(t *testing.T) {
	healthy := newScriptAdapter(asset.ChainIDArbSepolia, payment.ChainTypeEVM)
	broken := newScriptAdapter(asset.ChainIDBaseSepolia, payment.ChainTypeEVM)
	pool := testPool(t, healthy, broken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		broken.fail(errors.New("rpc down"))
	}
	waitState(t, pool, asset.ChainIDBaseSepolia, StateError)

	// The healthy chain keeps streaming.
	healthy.feed(chain.Record{TxHash: "0xff", From: "0xa", To: "0xb", Amount: big.NewInt(1)})
	ev := waitEvent(t, pool)
	if ev.ChainID != asset.ChainIDArbSepolia {
		t.Fatalf("event from chain %d, want healthy chain", ev.ChainID)
	}
	waitState(t, pool, asset.ChainIDArbSepolia, StateRunning)
}

func TestRestartRecoversErroredChain(t *testing.T) {
	a := newScriptAdapter(asset.ChainIDArbSepolia, payment.ChainTypeEVM)
	pool := testPool(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()
	waitState(t, pool, a.chainID, StateRunning)

	for i := 0; i < 3; i++ {
		a.fail(errors.New("rpc down"))
	}
	waitState(t, pool, a.chainID, StateError)

	// New channels for the fresh subscription.
	a.reset()
	if err := pool.Restart(ctx, a.chainID); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitState(t, pool, a.chainID, StateRunning)

	a.feed(chain.Record{TxHash: "0xab", From: "0xa", To: "0xb", Amount: big.NewInt(1)})
	waitEvent(t, pool)
}

// teardownAdapter's first subscription fails only once cancelled, like an
// RPC call erroring out mid-teardown.
type teardownAdapter struct {
	*scriptAdapter
	callsMu sync.Mutex
	calls   int
}

func (a *teardownAdapter) Subscribe(ctx context.Context, from uint64) (<-chan chain.Record, <-chan error, error) {
	a.callsMu.Lock()
	a.calls++
	first := a.calls == 1
	a.callsMu.Unlock()
	if first {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil, nil, errors.New("subscription torn down")
	}
	return a.scriptAdapter.Subscribe(ctx, from)
}

func (a *teardownAdapter) subscribeCalls() int {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()
	return a.calls
}

func TestRestartWaitsOutOldRun(t *testing.T) {
	a := &teardownAdapter{scriptAdapter: newScriptAdapter(asset.ChainIDArbSepolia, payment.ChainTypeEVM)}
	pool := testPool(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for a.subscribeCalls() == 0 {
		if !time.Now().Before(deadline) {
			t.Fatalf("first subscription never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := pool.Restart(ctx, a.chainID); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitState(t, pool, a.chainID, StateRunning)

	// The old run's dying error must not land on the fresh run's status.
	time.Sleep(100 * time.Millisecond)
	for _, st := range pool.Status() {
		if st.ChainID != a.chainID {
			continue
		}
		if st.State != StateRunning || st.LastError != "" {
			t.Fatalf("status after restart = %+v, want clean Running", st)
		}
	}
}

func TestRestartUnknownChain(t *testing.T) {
	a := newScriptAdapter(asset.ChainIDArbSepolia, payment.ChainTypeEVM)
	pool := testPool(t, a)
	if err := pool.Restart(context.Background(), 9999); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("Restart(9999) = %v, want ErrUnknownChain", err)
	}
}
