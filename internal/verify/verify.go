// Package verify re-examines a submitted transfer against its originating
// intent and emits the portable payment proof the resource gate accepts.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/payment"
)

var ErrInvalidConfig = errors.New("verify: invalid config")

// Policy selects how manual-settlement chains are verified.
type Policy string

const (
	// PolicyOptimistic accepts a syntactically plausible transaction id
	// without independent on-chain confirmation. This trades security for
	// interactive-flow speed; the proof-of-state receipt is the authority.
	PolicyOptimistic Policy = "optimistic"

	// PolicyConfirmed re-reads the transaction through the chain RPC
	// before issuing a proof.
	PolicyConfirmed Policy = "confirmed"
)

// Request carries the verification target plus the optional expected values
// from the original intent. Empty expected fields are not checked.
type Request struct {
	AssetKey string
	TxID     string

	ExpectedChainID uint64
	ExpectedToken   string
	ExpectedPayTo   string
	ExpectedAmount  *big.Int
}

type Config struct {
	ManualPolicy Policy
	Now          func() time.Time
}

type Verifier struct {
	registry *asset.Registry
	chains   *chain.Registry
	cfg      Config
}

func New(registry *asset.Registry, chains *chain.Registry, cfg Config) (*Verifier, error) {
	if registry == nil || chains == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	switch cfg.ManualPolicy {
	case "":
		cfg.ManualPolicy = PolicyOptimistic
	case PolicyOptimistic, PolicyConfirmed:
	default:
		return nil, fmt.Errorf("%w: unknown manual policy %q", ErrInvalidConfig, cfg.ManualPolicy)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{registry: registry, chains: chains, cfg: cfg}, nil
}

var (
	evmTxIDPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	btcTxIDPattern   = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	solanaSigPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{64,88}$`)
)

// Verify checks a transfer against the intent expectations and returns a
// proof. NotFound means retry after a delay; Mismatch is fatal.
func (v *Verifier) Verify(ctx context.Context, req Request) (payment.Proof, error) {
	info, err := v.registry.Lookup(req.AssetKey)
	if err != nil {
		return payment.Proof{}, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err)
	}
	if req.ExpectedChainID != 0 && req.ExpectedChainID != info.ChainID {
		return payment.Proof{}, fmt.Errorf("%w: asset %s settles on chain %d, expected %d",
			payment.ErrMismatch, info.Key, info.ChainID, req.ExpectedChainID)
	}
	if req.ExpectedToken != "" && !strings.EqualFold(req.ExpectedToken, info.TokenAddress) {
		return payment.Proof{}, fmt.Errorf("%w: token %s does not match asset %s",
			payment.ErrMismatch, req.ExpectedToken, info.Key)
	}
	txID := strings.TrimSpace(req.TxID)
	if txID == "" {
		return payment.Proof{}, fmt.Errorf("%w: missing txId", payment.ErrInvalidRequest)
	}

	if info.ManualSettlement && v.cfg.ManualPolicy == PolicyOptimistic {
		if !plausibleTxID(info.ChainType, txID) {
			return payment.Proof{}, fmt.Errorf("%w: txId %q is not plausible for %s",
				payment.ErrInvalidRequest, txID, info.ChainType)
		}
		return v.proof(info, txID, req), nil
	}

	adapter, err := v.chains.Adapter(info.ChainID)
	if err != nil {
		return payment.Proof{}, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err)
	}
	rec, err := adapter.FetchTransfer(ctx, txID)
	if err != nil {
		return payment.Proof{}, err
	}
	// The paying contract must be the asset's credit token; a transfer of
	// some other token to the right address in the right amount is worthless.
	if rec.Token != "" && !strings.EqualFold(rec.Token, info.TokenAddress) {
		return payment.Proof{}, fmt.Errorf("%w: transfer emitted by token %s, asset %s settles in %s",
			payment.ErrMismatch, rec.Token, info.Key, info.TokenAddress)
	}
	if req.ExpectedPayTo != "" && !strings.EqualFold(rec.To, req.ExpectedPayTo) {
		return payment.Proof{}, fmt.Errorf("%w: paid to %s, intent names %s",
			payment.ErrMismatch, rec.To, req.ExpectedPayTo)
	}
	if req.ExpectedAmount != nil && (rec.Amount == nil || rec.Amount.Cmp(req.ExpectedAmount) != 0) {
		return payment.Proof{}, fmt.Errorf("%w: amount %s, intent names %s",
			payment.ErrMismatch, rec.Amount, req.ExpectedAmount)
	}
	return v.proof(info, txID, req), nil
}

func (v *Verifier) proof(info asset.Info, txID string, req Request) payment.Proof {
	amount := ""
	if req.ExpectedAmount != nil {
		amount = req.ExpectedAmount.String()
	}
	return payment.Proof{
		Type:       "a2a-payment",
		AssetKey:   info.Key,
		ChainID:    info.ChainID,
		TxID:       txID,
		PayTo:      firstNonEmpty(req.ExpectedPayTo, info.PayTo),
		Amount:     amount,
		VerifiedAt: v.cfg.Now().UTC(),
	}
}

func plausibleTxID(ct payment.ChainType, txID string) bool {
	switch ct {
	case payment.ChainTypeEVM:
		return evmTxIDPattern.MatchString(txID)
	case payment.ChainTypeBitcoin:
		return btcTxIDPattern.MatchString(txID)
	case payment.ChainTypeSolana:
		return solanaSigPattern.MatchString(txID)
	default:
		return false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
