package asset

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/agent-credit/credit-rails/internal/payment"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAsset    = errors.New("asset: unknown asset key")
	ErrUnknownResource = errors.New("asset: unknown resource")
)

// Chain id conventions: 0 is the Bitcoin/anchoring pseudo-chain, 101 is
// Solana testnet, EVM testnets keep their standard numeric ids.
const (
	ChainIDBitcoin     uint64 = 0
	ChainIDSolana      uint64 = 101
	ChainIDArbSepolia  uint64 = 421614
	ChainIDBaseSepolia uint64 = 84532
	ChainIDOpSepolia   uint64 = 11155420
)

// Asset keys for the micro-credit settlement instruments.
const (
	KeyArbTestnetCredit  = "ARB_TESTNET_CREDIT"
	KeyBaseTestnetCredit = "BASE_TESTNET_CREDIT"
	KeyOpTestnetCredit   = "OP_TESTNET_CREDIT"
	KeyBTCCredit         = "BTC_CREDIT"
	KeySOLCredit         = "SOL_CREDIT"
)

// Info resolves one asset key to its concrete settlement parameters.
type Info struct {
	Key          string
	ChainID      uint64
	ChainType    payment.ChainType
	TokenAddress string // ERC-20 contract (EVM) or SPL mint (Solana)
	Decimals     int32
	PayTo        string // deposit/treasury address receiving payments
	Network      string // human-readable network name for instructions

	// ManualSettlement marks chains without a programmatic signer; payers
	// follow instructions and supply the tx id afterwards.
	ManualSettlement bool
}

// Registry is the static asset and price table. It is read-only after
// construction; CreateIntent purity depends on that.
type Registry struct {
	assets map[string]Info
	prices map[string]map[string]*big.Int // resourceID -> assetKey -> amount
}

type Config struct {
	Assets []Info
	// Prices maps resourceID -> assetKey -> price in smallest units.
	Prices map[string]map[string]*big.Int
}

func NewRegistry(cfg Config) (*Registry, error) {
	if len(cfg.Assets) == 0 {
		return nil, errors.New("asset: no assets configured")
	}
	assets := make(map[string]Info, len(cfg.Assets))
	for _, a := range cfg.Assets {
		key := strings.ToUpper(strings.TrimSpace(a.Key))
		if key == "" {
			return nil, errors.New("asset: empty asset key")
		}
		if _, dup := assets[key]; dup {
			return nil, fmt.Errorf("asset: duplicate asset key %s", key)
		}
		if strings.TrimSpace(a.PayTo) == "" {
			return nil, fmt.Errorf("asset: %s missing pay-to address", key)
		}
		if a.Decimals < 0 {
			return nil, fmt.Errorf("asset: %s negative decimals", key)
		}
		a.Key = key
		assets[key] = a
	}

	prices := make(map[string]map[string]*big.Int, len(cfg.Prices))
	for res, byAsset := range cfg.Prices {
		res = strings.TrimSpace(res)
		if res == "" {
			return nil, errors.New("asset: empty resource id in price table")
		}
		row := make(map[string]*big.Int, len(byAsset))
		for key, amt := range byAsset {
			key = strings.ToUpper(strings.TrimSpace(key))
			if _, ok := assets[key]; !ok {
				return nil, fmt.Errorf("asset: price for unknown asset %s", key)
			}
			if amt == nil || amt.Sign() <= 0 {
				return nil, fmt.Errorf("asset: non-positive price for %s/%s", res, key)
			}
			row[key] = new(big.Int).Set(amt)
		}
		prices[res] = row
	}

	return &Registry{assets: assets, prices: prices}, nil
}

// Lookup resolves an asset key, tolerating case and surrounding whitespace.
func (r *Registry) Lookup(key string) (Info, error) {
	info, ok := r.assets[strings.ToUpper(strings.TrimSpace(key))]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnknownAsset, key)
	}
	return info, nil
}

// ByChainID returns every asset settled on the given chain.
func (r *Registry) ByChainID(chainID uint64) []Info {
	var out []Info
	for _, a := range r.assets {
		if a.ChainID == chainID {
			out = append(out, a)
		}
	}
	return out
}

// Price returns the fixed price of a resource in the chosen asset's smallest
// unit. The returned value is a copy.
func (r *Registry) Price(resourceID, assetKey string) (*big.Int, error) {
	row, ok := r.prices[strings.TrimSpace(resourceID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, resourceID)
	}
	amt, ok := row[strings.ToUpper(strings.TrimSpace(assetKey))]
	if !ok {
		return nil, fmt.Errorf("%w: %q not priced in %q", ErrUnknownResource, resourceID, assetKey)
	}
	return new(big.Int).Set(amt), nil
}

// DisplayAmount renders a smallest-unit amount as a human-readable decimal
// string for manual payment instructions.
func (info Info) DisplayAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -info.Decimals).String()
}
