package verify

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/payment"
)

type stubAdapter struct {
	chainID uint64
	rec     chain.Record
	err     error
	fetches int
}

func (a *stubAdapter) ChainID() uint64         { return a.chainID }
func (a *stubAdapter) Type() payment.ChainType { return payment.ChainTypeEVM }

func (a *stubAdapter) GetBalance(context.Context, string, asset.Info) (*big.Int, error) {
	return nil, errors.New("not implemented")
}

func (a *stubAdapter) SubmitTransfer(context.Context, chain.SubmitRequest) (payment.TransferReceipt, error) {
	return payment.TransferReceipt{}, errors.New("not implemented")
}

func (a *stubAdapter) Subscribe(context.Context, uint64) (<-chan chain.Record, <-chan error, error) {
	return nil, nil, errors.New("not implemented")
}

func (a *stubAdapter) FetchTransfer(context.Context, string) (chain.Record, error) {
	a.fetches++
	return a.rec, a.err
}

func newVerifier(t *testing.T, policy Policy, adapters ...chain.Adapter) *Verifier {
	t.Helper()
	reg, err := asset.NewRegistry(asset.TestnetConfig("0xtreasury", "tb1qdeposit", "SolDeposit"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	chains, err := chain.NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("chain.NewRegistry: %v", err)
	}
	v, err := New(reg, chains, Config{
		ManualPolicy: policy,
		Now:          func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestVerify_OptimisticAcceptsPlausibleUnbroadcastTx(t *testing.T) {
	// Deliberate trust tradeoff for manual-settlement chains: the tx id is
	// never confirmed on-chain under the optimistic policy.
	v := newVerifier(t, PolicyOptimistic)
	txID := strings.Repeat("ab", 32)
	proof, err := v.Verify(context.Background(), Request{
		AssetKey: asset.KeyBTCCredit,
		TxID:     txID,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if proof.TxID != txID || proof.ChainID != asset.ChainIDBitcoin {
		t.Fatalf("proof = %+v", proof)
	}
	if proof.VerifiedAt.IsZero() {
		t.Fatalf("proof missing VerifiedAt")
	}
}

func TestVerify_OptimisticRejectsImplausibleTxID(t *testing.T) {
	v := newVerifier(t, PolicyOptimistic)
	_, err := v.Verify(context.Background(), Request{
		AssetKey: asset.KeyBTCCredit,
		TxID:     "not-hex",
	})
	if !errors.Is(err, payment.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestVerify_ProgrammaticRereadsChainState(t *testing.T) {
	adapter := &stubAdapter{
		chainID: asset.ChainIDArbSepolia,
		rec: chain.Record{
			TxHash: "0x" + strings.Repeat("11", 32),
			To:     "0xTREASURY",
			Token:  "0x91C8E417BDE14C43A1B06A48C6D0D1E0C0D0A901",
			Amount: big.NewInt(800),
		},
	}
	v := newVerifier(t, PolicyOptimistic, adapter)
	proof, err := v.Verify(context.Background(), Request{
		AssetKey:       asset.KeyArbTestnetCredit,
		TxID:           "0x" + strings.Repeat("11", 32),
		ExpectedPayTo:  "0xtreasury",
		ExpectedAmount: big.NewInt(800),
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if adapter.fetches != 1 {
		t.Fatalf("programmatic verify must re-read the chain, fetches = %d", adapter.fetches)
	}
	if proof.Amount != "800" {
		t.Fatalf("proof amount = %s", proof.Amount)
	}
}

func TestVerify_WrongTokenContractRejected(t *testing.T) {
	// Right destination and amount, but the Transfer log was emitted by a
	// contract other than the asset's credit token.
	adapter := &stubAdapter{
		chainID: asset.ChainIDArbSepolia,
		rec: chain.Record{
			TxHash: "0x" + strings.Repeat("11", 32),
			To:     "0xtreasury",
			Token:  "0xdeadbeef00000000000000000000000000000000",
			Amount: big.NewInt(800),
		},
	}
	v := newVerifier(t, PolicyOptimistic, adapter)
	_, err := v.Verify(context.Background(), Request{
		AssetKey:       asset.KeyArbTestnetCredit,
		TxID:           "0x" + strings.Repeat("11", 32),
		ExpectedPayTo:  "0xtreasury",
		ExpectedAmount: big.NewInt(800),
	})
	if !errors.Is(err, payment.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestVerify_MismatchIsFatal(t *testing.T) {
	adapter := &stubAdapter{
		chainID: asset.ChainIDArbSepolia,
		rec: chain.Record{
			To:     "0xsomeoneelse",
			Amount: big.NewInt(800),
		},
	}
	v := newVerifier(t, PolicyOptimistic, adapter)
	_, err := v.Verify(context.Background(), Request{
		AssetKey:      asset.KeyArbTestnetCredit,
		TxID:          "0x" + strings.Repeat("11", 32),
		ExpectedPayTo: "0xtreasury",
	})
	if !errors.Is(err, payment.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestVerify_NotFoundIsRetryable(t *testing.T) {
	adapter := &stubAdapter{
		chainID: asset.ChainIDArbSepolia,
		err:     payment.ErrNotFound,
	}
	v := newVerifier(t, PolicyOptimistic, adapter)
	_, err := v.Verify(context.Background(), Request{
		AssetKey: asset.KeyArbTestnetCredit,
		TxID:     "0x" + strings.Repeat("11", 32),
	})
	if !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerify_ConfirmedPolicyRereadsManualChain(t *testing.T) {
	adapter := &stubAdapter{
		chainID: asset.ChainIDBitcoin,
		rec:     chain.Record{To: "tb1qdeposit", Amount: big.NewInt(2000)},
	}
	v := newVerifier(t, PolicyConfirmed, adapter)
	_, err := v.Verify(context.Background(), Request{
		AssetKey:      asset.KeyBTCCredit,
		TxID:          strings.Repeat("ab", 32),
		ExpectedPayTo: "tb1qdeposit",
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if adapter.fetches != 1 {
		t.Fatalf("confirmed policy must re-read, fetches = %d", adapter.fetches)
	}
}

func TestVerify_WrongExpectedChainID(t *testing.T) {
	v := newVerifier(t, PolicyOptimistic)
	_, err := v.Verify(context.Background(), Request{
		AssetKey:        asset.KeyBTCCredit,
		TxID:            strings.Repeat("ab", 32),
		ExpectedChainID: asset.ChainIDArbSepolia,
	})
	if !errors.Is(err, payment.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}
