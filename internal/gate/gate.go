// Package gate releases a protected resource in exchange for a payment
// proof, at most once per proof.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agent-credit/credit-rails/internal/payment"
)

var (
	ErrInvalidConfig = errors.New("gate: invalid config")

	// ErrDenied covers every refusal: expired, already redeemed, or
	// malformed proof. Callers map it to a 401/403-equivalent response.
	ErrDenied = errors.New("gate: access denied")

	// ErrAlreadyRedeemed is wrapped into ErrDenied when the proof's
	// redemption key was spent earlier.
	ErrAlreadyRedeemed = fmt.Errorf("%w: proof already redeemed", ErrDenied)

	// ErrProofExpired is wrapped into ErrDenied when VerifiedAt is older
	// than the configured TTL.
	ErrProofExpired = fmt.Errorf("%w: proof expired", ErrDenied)
)

// RedemptionStore is the one place in the pipeline requiring synchronized
// state. Redeem must be an atomic check-and-set: it returns true exactly
// once per key, even under concurrent callers or multiple processes.
type RedemptionStore interface {
	Redeem(ctx context.Context, key string, at time.Time) (bool, error)
}

// Resource is what the gate releases.
type Resource struct {
	ResourceID string `json:"resourceId"`
	Payload    []byte `json:"payload"`
}

// Fetcher loads the protected resource after the proof is accepted.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID string) (Resource, error)
}

type Config struct {
	// ProofTTL bounds the age of an acceptable proof.
	ProofTTL time.Duration

	Now func() time.Time
}

type Gate struct {
	store   RedemptionStore
	fetcher Fetcher
	cfg     Config
}

func New(store RedemptionStore, fetcher Fetcher, cfg Config) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil redemption store", ErrInvalidConfig)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("%w: nil resource fetcher", ErrInvalidConfig)
	}
	if cfg.ProofTTL <= 0 {
		cfg.ProofTTL = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{store: store, fetcher: fetcher, cfg: cfg}, nil
}

// Access exchanges a proof for the resource. The TTL check runs before the
// redemption CAS so an expired proof never consumes its redemption slot.
func (g *Gate) Access(ctx context.Context, resourceID string, proof payment.Proof) (Resource, error) {
	if proof.TxID == "" || proof.AssetKey == "" {
		return Resource{}, fmt.Errorf("%w: incomplete proof", ErrDenied)
	}
	now := g.cfg.Now()
	if proof.VerifiedAt.IsZero() || now.Sub(proof.VerifiedAt) > g.cfg.ProofTTL {
		return Resource{}, ErrProofExpired
	}
	first, err := g.store.Redeem(ctx, proof.RedemptionKey(), now)
	if err != nil {
		return Resource{}, fmt.Errorf("gate: redemption store: %w", err)
	}
	if !first {
		return Resource{}, ErrAlreadyRedeemed
	}
	res, err := g.fetcher.Fetch(ctx, resourceID)
	if err != nil {
		return Resource{}, fmt.Errorf("gate: fetch resource %q: %w", resourceID, err)
	}
	return res, nil
}
