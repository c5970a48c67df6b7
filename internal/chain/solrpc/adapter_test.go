package solrpc

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/payment"
)

type fakeRPC struct {
	lamports   uint64
	balanceErr error
	txs        map[string]Transfer
}

func (f *fakeRPC) GetBalance(context.Context, string) (uint64, error) {
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.lamports, nil
}

func (f *fakeRPC) GetSignaturesForAddress(context.Context, string, string, int) ([]SignatureInfo, error) {
	return nil, nil
}

func (f *fakeRPC) GetTransaction(_ context.Context, sig string) (Transfer, error) {
	tx, ok := f.txs[sig]
	if !ok {
		return Transfer{}, ErrTxNotFound
	}
	return tx, nil
}

func testSolAdapter(t *testing.T, rpc RPC) *Adapter {
	t.Helper()
	a, err := NewAdapter(rpc, AdapterConfig{DepositAddress: "Dep1111111111111111111111111111111111111111"})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

func TestGetBalance_ReturnsLamports(t *testing.T) {
	a := testSolAdapter(t, &fakeRPC{lamports: 2_500_000})
	bal, err := a.GetBalance(context.Background(), "Payer111111111111111111111111111111111111111", asset.Info{})
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Fatalf("balance = %s, want 2500000", bal)
	}
}

func TestGetBalance_UpstreamErrorMapped(t *testing.T) {
	a := testSolAdapter(t, &fakeRPC{balanceErr: errors.New("node down")})
	_, err := a.GetBalance(context.Background(), "Payer111111111111111111111111111111111111111", asset.Info{})
	if !errors.Is(err, payment.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestFetchTransfer_MissingSignatureIsNotFound(t *testing.T) {
	a := testSolAdapter(t, &fakeRPC{})
	_, err := a.FetchTransfer(context.Background(), "5ome51gnature")
	if !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
