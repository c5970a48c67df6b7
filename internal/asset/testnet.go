package asset

import (
	"math/big"

	"github.com/agent-credit/credit-rails/internal/payment"
)

// TestnetConfig is the default deployment table for the public testnets.
// Token and treasury addresses are deployment inputs; callers overwrite the
// placeholders before use in production.
func TestnetConfig(treasuryEVM, treasuryBTC, treasurySOL string) Config {
	price08, _ := new(big.Int).SetString("800000000000000000", 10)
	price05, _ := new(big.Int).SetString("500000000000000000", 10)
	// Minor units: sats for BTC, lamport-denominated credit units for SOL.
	priceBTC := big.NewInt(2_000)
	priceSOL := big.NewInt(8_000_000)

	return Config{
		Assets: []Info{
			{
				Key:          KeyArbTestnetCredit,
				ChainID:      ChainIDArbSepolia,
				ChainType:    payment.ChainTypeEVM,
				TokenAddress: "0x91c8e417bde14c43a1b06a48c6d0d1e0c0d0a901",
				Decimals:     18,
				PayTo:        treasuryEVM,
				Network:      "Arbitrum Sepolia",
			},
			{
				Key:          KeyBaseTestnetCredit,
				ChainID:      ChainIDBaseSepolia,
				ChainType:    payment.ChainTypeEVM,
				TokenAddress: "0x91c8e417bde14c43a1b06a48c6d0d1e0c0d0a902",
				Decimals:     18,
				PayTo:        treasuryEVM,
				Network:      "Base Sepolia",
			},
			{
				Key:          KeyOpTestnetCredit,
				ChainID:      ChainIDOpSepolia,
				ChainType:    payment.ChainTypeEVM,
				TokenAddress: "0x91c8e417bde14c43a1b06a48c6d0d1e0c0d0a903",
				Decimals:     18,
				PayTo:        treasuryEVM,
				Network:      "OP Sepolia",
			},
			{
				Key:              KeyBTCCredit,
				ChainID:          ChainIDBitcoin,
				ChainType:        payment.ChainTypeBitcoin,
				Decimals:         8,
				PayTo:            treasuryBTC,
				Network:          "Bitcoin testnet",
				ManualSettlement: true,
			},
			{
				Key:              KeySOLCredit,
				ChainID:          ChainIDSolana,
				ChainType:        payment.ChainTypeSolana,
				Decimals:         9,
				PayTo:            treasurySOL,
				Network:          "Solana testnet",
				ManualSettlement: true,
			},
		},
		Prices: map[string]map[string]*big.Int{
			"svc:compute:quote": {
				KeyArbTestnetCredit:  price08,
				KeyBaseTestnetCredit: price08,
				KeyBTCCredit:         priceBTC,
				KeySOLCredit:         priceSOL,
			},
			"svc:data:feed": {
				KeyArbTestnetCredit:  price05,
				KeyBaseTestnetCredit: price05,
				KeyOpTestnetCredit:   price05,
			},
		},
	}
}
