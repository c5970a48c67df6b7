package solrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/payment"
)

// SystemProgramSentinel marks mint-side activity attributed to the system
// program, the Solana equivalent of the EVM zero address.
const SystemProgramSentinel = "11111111111111111111111111111111"

// RPC is the node surface the adapter needs; *Client satisfies it.
type RPC interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, address, untilSig string, limit int) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (Transfer, error)
}

type AdapterConfig struct {
	// DepositAddress receives manual-settlement payments and is the address
	// whose signature stream Subscribe follows.
	DepositAddress string

	PollInterval   time.Duration
	SignatureLimit int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Adapter is the manual-settlement Solana backend, mirroring the Bitcoin
// adapter: instructions out, caller-supplied signature in.
type Adapter struct {
	rpc RPC
	cfg AdapterConfig
}

func NewAdapter(rpc RPC, cfg AdapterConfig) (*Adapter, error) {
	if rpc == nil {
		return nil, fmt.Errorf("%w: nil rpc client", ErrInvalidConfig)
	}
	if cfg.DepositAddress == "" {
		return nil, fmt.Errorf("%w: missing deposit address", ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.SignatureLimit <= 0 {
		cfg.SignatureLimit = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Adapter{rpc: rpc, cfg: cfg}, nil
}

func (a *Adapter) ChainID() uint64         { return asset.ChainIDSolana }
func (a *Adapter) Type() payment.ChainType { return payment.ChainTypeSolana }

func (a *Adapter) GetBalance(ctx context.Context, address string, _ asset.Info) (*big.Int, error) {
	lamports, err := a.rpc.GetBalance(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrUpstreamUnavailable, err)
	}
	return new(big.Int).SetUint64(lamports), nil
}

func (a *Adapter) SubmitTransfer(_ context.Context, req chain.SubmitRequest) (payment.TransferReceipt, error) {
	return payment.TransferReceipt{
		TxID:    fmt.Sprintf("manual:%s:%d", req.Asset.Key, a.cfg.Now().Unix()),
		ChainID: a.ChainID(),
		Status:  payment.StatusPending,
		Manual: &payment.Instructions{
			Network: req.Asset.Network,
			Address: a.cfg.DepositAddress,
			Amount:  req.Asset.DisplayAmount(req.Amount),
			Note:    "send the exact amount, then submit the transaction signature for verification",
		},
	}, nil
}

func (a *Adapter) Subscribe(ctx context.Context, fromHeight uint64) (<-chan chain.Record, <-chan error, error) {
	records := make(chan chain.Record)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		untilSig := ""
		minSlot := fromHeight
		for {
			if err := a.cfg.Sleep(ctx, a.cfg.PollInterval); err != nil {
				return
			}
			sigs, err := a.rpc.GetSignaturesForAddress(ctx, a.cfg.DepositAddress, untilSig, a.cfg.SignatureLimit)
			if err != nil {
				pushErr(errs, fmt.Errorf("%w: signatures for address: %v", payment.ErrUpstreamUnavailable, err))
				continue
			}
			if len(sigs) == 0 {
				continue
			}
			// Newest first from the node; replay oldest first downstream.
			sort.Slice(sigs, func(i, j int) bool { return sigs[i].Slot < sigs[j].Slot })
			for _, sig := range sigs {
				if sig.Err != nil || sig.Slot < minSlot {
					continue
				}
				tx, err := a.rpc.GetTransaction(ctx, sig.Signature)
				if err != nil {
					pushErr(errs, fmt.Errorf("%w: transaction %s: %v", payment.ErrUpstreamUnavailable, sig.Signature, err))
					continue
				}
				select {
				case records <- recordFromTransfer(tx):
				case <-ctx.Done():
					return
				}
			}
			untilSig = sigs[len(sigs)-1].Signature
			minSlot = sigs[len(sigs)-1].Slot
		}
	}()
	return records, errs, nil
}

func (a *Adapter) FetchTransfer(ctx context.Context, txID string) (chain.Record, error) {
	tx, err := a.rpc.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return chain.Record{}, fmt.Errorf("%w: signature %s", payment.ErrNotFound, txID)
		}
		return chain.Record{}, fmt.Errorf("%w: transaction %s: %v", payment.ErrUpstreamUnavailable, txID, err)
	}
	return recordFromTransfer(tx), nil
}

func recordFromTransfer(tx Transfer) chain.Record {
	rec := chain.Record{
		TxHash:      tx.Signature,
		BlockHeight: tx.Slot,
		LogIndex:    0,
		From:        tx.From,
		To:          tx.To,
		Amount:      new(big.Int).SetUint64(tx.Lamports),
	}
	if tx.BlockTime != nil {
		rec.Timestamp = time.Unix(*tx.BlockTime, 0).UTC()
	}
	return rec
}

func pushErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
