package payment

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Error taxonomy shared by every pipeline stage. Callers branch on these with
// errors.Is; each stage wraps them with its own diagnostic context.
var (
	// ErrInvalidRequest marks client errors (unknown asset, chain, or
	// resource). Never retried.
	ErrInvalidRequest = errors.New("payment: invalid request")

	// ErrInconclusive marks a transfer that was broadcast but whose
	// confirmation is unknown. Requires manual reconciliation; never
	// auto-retried with a new transfer.
	ErrInconclusive = errors.New("payment: transfer inconclusive")

	// ErrNotFound marks a verification target that is not yet visible
	// on-chain. Retry after a delay.
	ErrNotFound = errors.New("payment: not found")

	// ErrMismatch marks a verification target that disagrees with its
	// intent. Fatal.
	ErrMismatch = errors.New("payment: proof mismatch")

	// ErrUpstreamUnavailable marks an unreachable chain RPC or canister.
	// Retried with backoff at the call site, bounded attempts.
	ErrUpstreamUnavailable = errors.New("payment: upstream unavailable")
)

// ChainType names a backend family.
type ChainType string

const (
	ChainTypeEVM     ChainType = "evm"
	ChainTypeBitcoin ChainType = "bitcoin"
	ChainTypeSolana  ChainType = "solana"
)

// TransferStatus is the chain-agnostic status of a submitted transfer.
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusConfirmed TransferStatus = "confirmed"
	StatusFailed    TransferStatus = "failed"
)

// Intent is the exact payment a payer must satisfy for one resource. It is
// created per attempt and never mutated.
type Intent struct {
	ResourceID   string
	AssetKey     string
	ChainID      uint64
	TokenAddress string // empty for native or manual-settlement assets
	PayTo        string
	Amount       *big.Int // smallest unit
	IssuedAt     time.Time
}

// Instructions are the human-followable steps returned for a
// manual-settlement asset in place of an executed transfer.
type Instructions struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Note    string `json:"note,omitempty"`
}

// TransferReceipt normalizes the result of a transfer submission across
// backend families. Immutable once Status is confirmed.
type TransferReceipt struct {
	TxID            string
	ChainID         uint64
	Status          TransferStatus
	ConfirmedAmount *big.Int
	Raw             []byte

	// Manual is set instead of a real TxID for manual-settlement assets.
	Manual *Instructions
}

// RequiresManualPayment reports whether the receipt carries instructions
// rather than an executed transfer.
func (r TransferReceipt) RequiresManualPayment() bool {
	return r.Manual != nil
}

// Proof is the portable artifact produced once a transfer is confirmed to
// match its originating intent. It is the only credential the resource gate
// accepts.
type Proof struct {
	Type       string    `json:"type"`
	AssetKey   string    `json:"assetKey"`
	ChainID    uint64    `json:"chainId"`
	TxID       string    `json:"txId"`
	PayTo      string    `json:"payTo"`
	Amount     string    `json:"amount"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// RedemptionKey is the at-most-once redemption identity of a proof.
// Two proofs with equal keys must never both release a resource.
func (p Proof) RedemptionKey() string {
	return strings.ToUpper(strings.TrimSpace(p.AssetKey)) + "/" +
		fmt.Sprintf("%d", p.ChainID) + "/" +
		strings.ToLower(strings.TrimSpace(p.TxID))
}

// EventType classifies normalized chain activity.
type EventType string

const (
	EventMint     EventType = "mint"
	EventBurn     EventType = "burn"
	EventTransfer EventType = "transfer"
)

// Event is a write-once normalized record of on-chain activity. ID is the
// idempotence key for downstream queue submission.
type Event struct {
	ID          string    `json:"id"`
	ChainID     uint64    `json:"chainId"`
	ChainType   ChainType `json:"chainType"`
	Type        EventType `json:"eventType"`
	TxHash      string    `json:"txHash"`
	BlockHeight uint64    `json:"blockHeight"`
	LogIndex    uint32    `json:"logIndex"`
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	Raw         []byte    `json:"-"`
}

// EventID computes the deterministic, globally unique event id for one chain
// record: keccak256("chainevent" || chainID || txHash || logIndex), rendered
// as chainId:hex so operators can still eyeball the source chain.
func EventID(chainID uint64, txHash string, logIndex uint32) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("chainevent"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d:%s:%d", chainID, strings.ToLower(strings.TrimSpace(txHash)), logIndex)))
	sum := h.Sum(nil)
	return fmt.Sprintf("%d:%s", chainID, hex.EncodeToString(sum[:16]))
}

// AnchorWarning is a non-fatal diagnostic attached to a successful payment
// result when anchoring (receipt or message submission) failed. It is a
// value, never an error: anchoring trouble must not fail a payment.
type AnchorWarning struct {
	Stage   string `json:"stage"` // "receipt" or "dvn"
	Message string `json:"message"`
}

func (w AnchorWarning) String() string {
	return w.Stage + ": " + w.Message
}
