package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/payment"
)

var ErrInvalidConfig = errors.New("evm: invalid config")

// Backend is the subset of an EVM JSON-RPC client the adapter needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// SignerResolver maps a payer reference to signing material.
type SignerResolver interface {
	Resolve(ctx context.Context, ref string) (Signer, error)
}

type Config struct {
	ChainID uint64

	// TokenAddresses are the credit token contracts watched by Subscribe.
	TokenAddresses []common.Address

	// ConfirmTimeout bounds the post-broadcast confirmation wait. Expiry
	// yields an inconclusive receipt, never a resend.
	ConfirmTimeout time.Duration

	ReceiptPollInterval   time.Duration
	SubscribePollInterval time.Duration

	GasLimitMultiplier float64
	MinTipCap          *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Adapter struct {
	backend Backend
	signers SignerResolver
	cfg     Config
}

func New(backend Backend, signers SignerResolver, cfg Config) (*Adapter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: ChainID must be non-zero", ErrInvalidConfig)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.SubscribePollInterval <= 0 {
		cfg.SubscribePollInterval = 5 * time.Second
	}
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(1)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Adapter{backend: backend, signers: signers, cfg: cfg}, nil
}

func (a *Adapter) ChainID() uint64         { return a.cfg.ChainID }
func (a *Adapter) Type() payment.ChainType { return payment.ChainTypeEVM }

func (a *Adapter) GetBalance(ctx context.Context, address string, info asset.Info) (*big.Int, error) {
	owner := common.HexToAddress(address)
	if info.TokenAddress == "" {
		bal, err := a.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: balance: %v", payment.ErrUpstreamUnavailable, err)
		}
		return bal, nil
	}
	token := common.HexToAddress(info.TokenAddress)
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: BalanceOfCalldata(owner),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", payment.ErrUpstreamUnavailable, err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("%w: short balanceOf return (%d bytes)", payment.ErrUpstreamUnavailable, len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// SubmitTransfer broadcasts a credit token transfer and waits for exactly
// one confirmation. Once the transaction is broadcast the adapter never
// resends: a confirmation timeout surfaces payment.ErrInconclusive with the
// pending receipt so the caller can reconcile via an explorer lookup.
func (a *Adapter) SubmitTransfer(ctx context.Context, req chain.SubmitRequest) (payment.TransferReceipt, error) {
	if a.signers == nil {
		return payment.TransferReceipt{}, fmt.Errorf("%w: no signer resolver configured", ErrInvalidConfig)
	}
	signer, err := a.signers.Resolve(ctx, req.SignerRef)
	if err != nil {
		return payment.TransferReceipt{}, fmt.Errorf("evm: resolve signer: %w", err)
	}
	from := signer.Address()

	to := common.HexToAddress(req.To)
	var callTo common.Address
	var callValue *big.Int
	var data []byte
	if req.Asset.TokenAddress == "" {
		callTo = to
		callValue = req.Amount
	} else {
		callTo = common.HexToAddress(req.Asset.TokenAddress)
		callValue = big.NewInt(0)
		data, err = TransferCalldata(to, req.Amount)
		if err != nil {
			return payment.TransferReceipt{}, err
		}
	}

	gas, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &callTo,
		Value: callValue,
		Data:  data,
	})
	if err != nil {
		return payment.TransferReceipt{}, classifySubmitErr(err)
	}
	gas = applyGasMultiplier(gas, a.cfg.GasLimitMultiplier)

	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return payment.TransferReceipt{}, fmt.Errorf("%w: gas tip: %v", payment.ErrUpstreamUnavailable, err)
	}
	if tip.Cmp(a.cfg.MinTipCap) < 0 {
		tip = new(big.Int).Set(a.cfg.MinTipCap)
	}
	header, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return payment.TransferReceipt{}, fmt.Errorf("%w: latest header: %v", payment.ErrUpstreamUnavailable, err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return payment.TransferReceipt{}, fmt.Errorf("evm: missing baseFee in latest header")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return payment.TransferReceipt{}, fmt.Errorf("%w: nonce: %v", payment.ErrUpstreamUnavailable, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(a.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &callTo,
		Value:     callValue,
		Data:      data,
	})
	signed, err := signer.SignTx(tx, new(big.Int).SetUint64(a.cfg.ChainID))
	if err != nil {
		return payment.TransferReceipt{}, fmt.Errorf("evm: sign: %w", err)
	}
	txHash := signed.Hash()

	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return payment.TransferReceipt{}, classifySubmitErr(err)
	}

	pending := payment.TransferReceipt{
		TxID:    txHash.Hex(),
		ChainID: a.cfg.ChainID,
		Status:  payment.StatusPending,
	}

	deadline := a.cfg.Now().Add(a.cfg.ConfirmTimeout)
	for {
		receipt, err := a.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				failed := pending
				failed.Status = payment.StatusFailed
				return failed, fmt.Errorf("evm: transfer %s reverted", txHash.Hex())
			}
			confirmed := pending
			confirmed.Status = payment.StatusConfirmed
			confirmed.ConfirmedAmount = new(big.Int).Set(req.Amount)
			return confirmed, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return pending, fmt.Errorf("%w: receipt poll for %s: %v", payment.ErrInconclusive, txHash.Hex(), err)
		}
		if !a.cfg.Now().Before(deadline) {
			return pending, fmt.Errorf("%w: %s unconfirmed after %s", payment.ErrInconclusive, txHash.Hex(), a.cfg.ConfirmTimeout)
		}
		if err := a.cfg.Sleep(ctx, a.cfg.ReceiptPollInterval); err != nil {
			return pending, fmt.Errorf("%w: %s: %v", payment.ErrInconclusive, txHash.Hex(), err)
		}
	}
}

// Subscribe polls Transfer logs of the configured credit tokens from the
// given height. Log order within a poll window follows the node's
// (block, logIndex) ordering, which Subscribe preserves.
func (a *Adapter) Subscribe(ctx context.Context, fromHeight uint64) (<-chan chain.Record, <-chan error, error) {
	if len(a.cfg.TokenAddresses) == 0 {
		return nil, nil, fmt.Errorf("%w: no token addresses to watch", ErrInvalidConfig)
	}
	records := make(chan chain.Record)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		next := fromHeight
		for {
			if err := a.cfg.Sleep(ctx, a.cfg.SubscribePollInterval); err != nil {
				return
			}
			header, err := a.backend.HeaderByNumber(ctx, nil)
			if err != nil {
				pushErr(errs, fmt.Errorf("%w: latest header: %v", payment.ErrUpstreamUnavailable, err))
				continue
			}
			latest := header.Number.Uint64()
			if latest < next {
				continue
			}
			logs, err := a.backend.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(next),
				ToBlock:   new(big.Int).SetUint64(latest),
				Addresses: a.cfg.TokenAddresses,
				Topics:    [][]common.Hash{{TransferTopic}},
			})
			if err != nil {
				pushErr(errs, fmt.Errorf("%w: filter logs [%d,%d]: %v", payment.ErrUpstreamUnavailable, next, latest, err))
				continue
			}
			for _, lg := range logs {
				rec, ok := recordFromLog(lg)
				if !ok {
					continue
				}
				select {
				case records <- rec:
				case <-ctx.Done():
					return
				}
			}
			next = latest + 1
		}
	}()

	return records, errs, nil
}

func (a *Adapter) FetchTransfer(ctx context.Context, txID string) (chain.Record, error) {
	txHash := common.HexToHash(txID)
	receipt, err := a.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return chain.Record{}, fmt.Errorf("%w: tx %s", payment.ErrNotFound, txID)
		}
		return chain.Record{}, fmt.Errorf("%w: receipt for %s: %v", payment.ErrUpstreamUnavailable, txID, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return chain.Record{}, fmt.Errorf("%w: tx %s reverted", payment.ErrMismatch, txID)
	}
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		if rec, ok := recordFromLog(*lg); ok {
			return rec, nil
		}
	}
	return chain.Record{}, fmt.Errorf("%w: tx %s has no credit transfer log", payment.ErrMismatch, txID)
}

func recordFromLog(lg types.Log) (chain.Record, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic || len(lg.Data) < 32 {
		return chain.Record{}, false
	}
	return chain.Record{
		TxHash:      lg.TxHash.Hex(),
		BlockHeight: lg.BlockNumber,
		LogIndex:    uint32(lg.Index),
		From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Token:       lg.Address.Hex(),
		Amount:      new(big.Int).SetBytes(lg.Data[:32]),
		Raw:         append([]byte(nil), lg.Data...),
	}, true
}

func classifySubmitErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return fmt.Errorf("%w: %v", chain.ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%w: %v", payment.ErrUpstreamUnavailable, err)
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

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(float64(est) * mult)
	if out < est {
		return est
	}
	return out
}
