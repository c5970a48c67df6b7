package intent

import (
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/payment"
)

func testService(t *testing.T) *Service {
	t.Helper()
	reg, err := asset.NewRegistry(asset.TestnetConfig(
		"0x00000000000000000000000000000000000000aa",
		"tb1qtreasury",
		"Treas111",
	))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(reg, func() time.Time { return fixed })
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestCreateIntent_ComputeQuoteOnArbitrum(t *testing.T) {
	svc := testService(t)
	in, err := svc.CreateIntent("svc:compute:quote", "ARB_TESTNET_CREDIT")
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if in.ChainID != asset.ChainIDArbSepolia {
		t.Fatalf("chain id = %d, want Arbitrum testnet (%d)", in.ChainID, asset.ChainIDArbSepolia)
	}
	want, _ := new(big.Int).SetString("800000000000000000", 10)
	if in.Amount.Cmp(want) != 0 {
		t.Fatalf("amount = %s, want %s", in.Amount, want)
	}
	if in.PayTo == "" || in.TokenAddress == "" {
		t.Fatalf("intent missing settlement addresses: %+v", in)
	}
}

func TestCreateIntent_Purity(t *testing.T) {
	svc := testService(t)
	a, err := svc.CreateIntent("svc:compute:quote", "ARB_TESTNET_CREDIT")
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	b, err := svc.CreateIntent("svc:compute:quote", "ARB_TESTNET_CREDIT")
	if err != nil {
		t.Fatalf("CreateIntent (repeat): %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("repeat intents differ:\n%+v\n%+v", a, b)
	}
}

func TestCreateIntent_UnknownInputs(t *testing.T) {
	svc := testService(t)
	if _, err := svc.CreateIntent("svc:compute:quote", "NOPE"); !errors.Is(err, payment.ErrInvalidRequest) {
		t.Fatalf("unknown asset: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.CreateIntent("svc:unknown", "ARB_TESTNET_CREDIT"); !errors.Is(err, payment.ErrInvalidRequest) {
		t.Fatalf("unknown resource: expected ErrInvalidRequest, got %v", err)
	}
}
