package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ERC-20 selectors and the Transfer event topic, precomputed from the
// canonical signatures.
var (
	selTransfer  = methodID("transfer(address,uint256)")
	selBalanceOf = methodID("balanceOf(address)")

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
)

func methodID(sig string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(sig))
	var out [4]byte
	copy(out[:], h.Sum(nil)[:4])
	return out
}

// TransferCalldata packs transfer(to, amount).
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("evm: transfer amount must be > 0")
	}
	if amount.BitLen() > 256 {
		return nil, fmt.Errorf("evm: transfer amount exceeds uint256")
	}
	out := make([]byte, 4+32+32)
	copy(out[:4], selTransfer[:])
	copy(out[4+12:4+32], to.Bytes())
	amount.FillBytes(out[4+32 : 4+64])
	return out, nil
}

// BalanceOfCalldata packs balanceOf(owner).
func BalanceOfCalldata(owner common.Address) []byte {
	out := make([]byte, 4+32)
	copy(out[:4], selBalanceOf[:])
	copy(out[4+12:], owner.Bytes())
	return out
}
