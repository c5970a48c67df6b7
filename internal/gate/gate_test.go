package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agent-credit/credit-rails/internal/payment"
)

type staticFetcher struct{}

func (staticFetcher) Fetch(_ context.Context, resourceID string) (Resource, error) {
	return Resource{ResourceID: resourceID, Payload: []byte("ok")}, nil
}

func testGate(t *testing.T, now func() time.Time) *Gate {
	t.Helper()
	g, err := New(NewMemoryStore(0, 15*time.Minute), staticFetcher{}, Config{
		ProofTTL: 15 * time.Minute,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func freshProof(at time.Time) payment.Proof {
	return payment.Proof{
		Type:       "a2a-payment",
		AssetKey:   "ARB_TESTNET_CREDIT",
		ChainID:    421614,
		TxID:       "0xabc",
		VerifiedAt: at,
	}
}

func TestAccess_ResourceThenDenied(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	g := testGate(t, func() time.Time { return base })
	proof := freshProof(base.Add(-time.Minute))

	res, err := g.Access(context.Background(), "svc:compute:quote", proof)
	if err != nil {
		t.Fatalf("first Access: %v", err)
	}
	if res.ResourceID != "svc:compute:quote" {
		t.Fatalf("resource = %+v", res)
	}

	_, err = g.Access(context.Background(), "svc:compute:quote", proof)
	if !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("second Access: expected ErrAlreadyRedeemed, got %v", err)
	}
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("replay denial must be an ErrDenied")
	}
}

func TestAccess_ConcurrentRedemption_ExactlyOneWins(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	g := testGate(t, func() time.Time { return base })
	proof := freshProof(base.Add(-time.Minute))

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Access(context.Background(), "r", proof); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("%d concurrent redemptions succeeded, want exactly 1", won)
	}
}

func TestAccess_ExpiredProofDenied(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	g := testGate(t, func() time.Time { return base })
	proof := freshProof(base.Add(-16 * time.Minute))

	_, err := g.Access(context.Background(), "r", proof)
	if !errors.Is(err, ErrProofExpired) {
		t.Fatalf("expected ErrProofExpired, got %v", err)
	}

	// Expiry must not consume the redemption slot: a fresh proof with the
	// same key still redeems.
	fresh := proof
	fresh.VerifiedAt = base.Add(-time.Minute)
	if _, err := g.Access(context.Background(), "r", fresh); err != nil {
		t.Fatalf("fresh proof after expired attempt: %v", err)
	}
}

func TestAccess_IncompleteProofDenied(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	g := testGate(t, func() time.Time { return base })
	_, err := g.Access(context.Background(), "r", payment.Proof{VerifiedAt: base})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestMemoryStore_FreshEntriesSurviveTheBound(t *testing.T) {
	s := NewMemoryStore(2, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for _, k := range []string{"a", "b", "c"} {
		first, err := s.Redeem(ctx, k, now)
		if err != nil || !first {
			t.Fatalf("Redeem(%s) = %v, %v", k, first, err)
		}
	}
	// A burst past the bound must not reopen replay while the proofs are
	// still within the TTL.
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3 fresh entries kept", s.Len())
	}
	for _, k := range []string{"a", "b", "c"} {
		if first, _ := s.Redeem(ctx, k, now); first {
			t.Fatalf("%s replayed while its proof was fresh", k)
		}
	}

	// Expired entries reclaim the capacity.
	later := now.Add(2 * time.Minute)
	if first, _ := s.Redeem(ctx, "d", later); !first {
		t.Fatalf("d must redeem")
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d after expiry sweep, want 2", s.Len())
	}
}
