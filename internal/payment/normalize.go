package payment

import (
	"fmt"
	"math/big"
	"strings"
)

// TransferRequest is the canonical internal form of a transfer submission.
// Field-name tolerance lives only in NormalizeTransferRequest; everything
// past the protocol boundary uses this struct.
type TransferRequest struct {
	ChainID      uint64
	TokenAddress string
	To           string
	Amount       *big.Int
	AssetKey     string
	PayerRef     string
}

// recipientAliases are the accepted spellings for the destination field,
// checked in priority order.
var recipientAliases = []string{"to", "payTo", "recipient", "address"}

// tokenAliases are the accepted spellings for the token field.
var tokenAliases = []string{"tokenAddress", "token", "asset"}

// NormalizeTransferRequest canonicalizes a loosely-spelled transfer
// submission. Missing required fields are reported together so callers can
// self-debug; the returned slice is nil when the request is complete.
func NormalizeTransferRequest(fields map[string]any) (TransferRequest, []string, error) {
	var req TransferRequest
	var missing []string

	if v, ok := lookupString(fields, recipientAliases); ok {
		req.To = v
	} else {
		missing = append(missing, "to")
	}
	if v, ok := lookupString(fields, tokenAliases); ok {
		req.TokenAddress = v
	}
	if v, ok := lookupString(fields, []string{"assetKey", "assetLabel"}); ok {
		req.AssetKey = strings.ToUpper(v)
	} else {
		missing = append(missing, "assetKey")
	}
	if v, ok := lookupString(fields, []string{"payerRef", "payer"}); ok {
		req.PayerRef = v
	}

	switch v := fields["chainId"].(type) {
	case float64:
		if v < 0 {
			return TransferRequest{}, nil, fmt.Errorf("%w: negative chainId", ErrInvalidRequest)
		}
		req.ChainID = uint64(v)
	case uint64:
		req.ChainID = v
	case int:
		if v < 0 {
			return TransferRequest{}, nil, fmt.Errorf("%w: negative chainId", ErrInvalidRequest)
		}
		req.ChainID = uint64(v)
	case nil:
		missing = append(missing, "chainId")
	default:
		return TransferRequest{}, nil, fmt.Errorf("%w: chainId must be numeric", ErrInvalidRequest)
	}

	amount, ok := lookupAmount(fields)
	if !ok {
		missing = append(missing, "amount")
	} else if amount.Sign() <= 0 {
		return TransferRequest{}, nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	req.Amount = amount

	if len(missing) > 0 {
		return TransferRequest{}, missing, fmt.Errorf("%w: missing fields %s", ErrInvalidRequest, strings.Join(missing, ","))
	}
	return req, nil, nil
}

func lookupString(fields map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := fields[k].(string)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v != "" {
			return v, true
		}
	}
	return "", false
}

func lookupAmount(fields map[string]any) (*big.Int, bool) {
	switch v := fields["amount"].(type) {
	case string:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, false
		}
		return n, true
	case float64:
		// JSON numbers lose precision past 2^53; accepted for small test
		// amounts, production callers send strings.
		if v != float64(uint64(v)) {
			return nil, false
		}
		return new(big.Int).SetUint64(uint64(v)), true
	default:
		return nil, false
	}
}
