package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/payment"
)

var (
	ErrUnsupportedChain  = errors.New("chain: unsupported chain id")
	ErrInsufficientFunds = errors.New("chain: insufficient signer funds")
)

// Record is one raw unit of chain activity, ordered within a chain by
// (BlockHeight, LogIndex).
type Record struct {
	TxHash      string
	BlockHeight uint64
	LogIndex    uint32
	From        string
	To          string
	// Token is the emitting contract for token transfers, empty for
	// native-unit chains.
	Token     string
	Amount    *big.Int
	Timestamp time.Time
	Raw       []byte
}

// SubmitRequest is a canonicalized transfer submission handed to an adapter.
type SubmitRequest struct {
	Asset     asset.Info
	To        string
	Amount    *big.Int
	SignerRef string
}

// Adapter is the uniform per-chain backend contract. Implementations exist
// per backend family (EVM, Bitcoin, Solana); one instance serves one
// concrete chain.
type Adapter interface {
	ChainID() uint64
	Type() payment.ChainType

	// GetBalance reads the asset balance of an address.
	GetBalance(ctx context.Context, address string, a asset.Info) (*big.Int, error)

	// SubmitTransfer moves funds and blocks until one confirmation, or
	// returns manual instructions for chains without a programmatic signer.
	SubmitTransfer(ctx context.Context, req SubmitRequest) (payment.TransferReceipt, error)

	// Subscribe streams raw records from the given height. The returned
	// channels close when ctx is cancelled.
	Subscribe(ctx context.Context, fromHeight uint64) (<-chan Record, <-chan error, error)

	// FetchTransfer re-reads a known transfer for verification.
	FetchTransfer(ctx context.Context, txID string) (Record, error)
}

// Registry dispatches by chain id. Unknown chain ids fail fast; the caller
// must not retry them.
type Registry struct {
	adapters map[uint64]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	m := make(map[uint64]Adapter, len(adapters))
	for _, a := range adapters {
		if a == nil {
			return nil, errors.New("chain: nil adapter")
		}
		if _, dup := m[a.ChainID()]; dup {
			return nil, fmt.Errorf("chain: duplicate adapter for chain %d", a.ChainID())
		}
		m[a.ChainID()] = a
	}
	return &Registry{adapters: m}, nil
}

func (r *Registry) Adapter(chainID uint64) (Adapter, error) {
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return a, nil
}

// ChainIDs lists every registered chain in no particular order.
func (r *Registry) ChainIDs() []uint64 {
	out := make([]uint64, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}
