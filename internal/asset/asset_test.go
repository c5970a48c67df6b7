package asset

import (
	"errors"
	"math/big"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(TestnetConfig(
		"0x00000000000000000000000000000000000000aa",
		"tb1qtreasury000000000000000000000000000000",
		"Treas1111111111111111111111111111111111111",
	))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestLookup_CaseInsensitive(t *testing.T) {
	r := testRegistry(t)
	info, err := r.Lookup(" arb_testnet_credit ")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info.ChainID != ChainIDArbSepolia {
		t.Fatalf("chain id = %d, want %d", info.ChainID, ChainIDArbSepolia)
	}
	if info.ManualSettlement {
		t.Fatalf("EVM credit must not be manual settlement")
	}
}

func TestLookup_UnknownAsset(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Lookup("DOGE_CREDIT")
	if !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestPrice_ComputeQuoteOnArbitrum(t *testing.T) {
	r := testRegistry(t)
	amt, err := r.Price("svc:compute:quote", "ARB_TESTNET_CREDIT")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	want, _ := new(big.Int).SetString("800000000000000000", 10)
	if amt.Cmp(want) != 0 {
		t.Fatalf("price = %s, want %s", amt, want)
	}

	// The returned value must be a copy; mutating it must not poison the table.
	amt.SetInt64(1)
	again, err := r.Price("svc:compute:quote", "ARB_TESTNET_CREDIT")
	if err != nil {
		t.Fatalf("Price (second): %v", err)
	}
	if again.Cmp(want) != 0 {
		t.Fatalf("price table mutated through returned value")
	}
}

func TestPrice_UnknownResource(t *testing.T) {
	r := testRegistry(t)
	if _, err := r.Price("svc:unknown", "ARB_TESTNET_CREDIT"); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}
	if _, err := r.Price("svc:compute:quote", "OP_TESTNET_CREDIT"); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource for unpriced asset, got %v", err)
	}
}

func TestDisplayAmount(t *testing.T) {
	r := testRegistry(t)
	btc, err := r.Lookup(KeyBTCCredit)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got := btc.DisplayAmount(big.NewInt(2_000)); got != "0.00002" {
		t.Fatalf("btc display = %s, want 0.00002", got)
	}
	arb, _ := r.Lookup(KeyArbTestnetCredit)
	want, _ := new(big.Int).SetString("800000000000000000", 10)
	if got := arb.DisplayAmount(want); got != "0.8" {
		t.Fatalf("arb display = %s, want 0.8", got)
	}
}

func TestNewRegistry_RejectsPriceForUnknownAsset(t *testing.T) {
	cfg := TestnetConfig("0xaa", "tb1q", "Sol1")
	cfg.Prices["svc:compute:quote"]["GHOST_CREDIT"] = big.NewInt(1)
	if _, err := NewRegistry(cfg); err == nil {
		t.Fatalf("expected error for price naming an unknown asset")
	}
}
