// Package executor moves funds for a payment intent through the matching
// chain adapter and normalizes the result into a chain-agnostic receipt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/chain/evm"
	"github.com/agent-credit/credit-rails/internal/payment"
	"github.com/agent-credit/credit-rails/internal/secrets"
)

var ErrInvalidConfig = errors.New("executor: invalid config")

type Config struct {
	// ExecuteTimeout bounds one full Execute call including the
	// confirmation wait.
	ExecuteTimeout time.Duration
}

type Executor struct {
	registry *asset.Registry
	chains   *chain.Registry
	cfg      Config
	log      *slog.Logger
}

func New(registry *asset.Registry, chains *chain.Registry, cfg Config, log *slog.Logger) (*Executor, error) {
	if registry == nil || chains == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 3 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{registry: registry, chains: chains, cfg: cfg, log: log}, nil
}

// Execute moves real value and must not be retried automatically on an
// ambiguous failure: payment.ErrInconclusive means the transfer may have
// happened and the caller reconciles through an explorer lookup, never by
// resubmitting.
func (e *Executor) Execute(ctx context.Context, in payment.Intent, payerRef string) (payment.TransferReceipt, error) {
	info, err := e.registry.Lookup(in.AssetKey)
	if err != nil {
		return payment.TransferReceipt{}, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err)
	}
	if info.ChainID != in.ChainID {
		return payment.TransferReceipt{}, fmt.Errorf("%w: intent chain %d does not match asset %s (chain %d)",
			payment.ErrInvalidRequest, in.ChainID, info.Key, info.ChainID)
	}
	adapter, err := e.chains.Adapter(in.ChainID)
	if err != nil {
		return payment.TransferReceipt{}, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	defer cancel()

	rcpt, err := adapter.SubmitTransfer(ctx, chain.SubmitRequest{
		Asset:     info,
		To:        in.PayTo,
		Amount:    in.Amount,
		SignerRef: payerRef,
	})
	if err != nil {
		if errors.Is(err, payment.ErrInconclusive) {
			e.log.Warn("transfer inconclusive, manual reconciliation required",
				"asset", info.Key, "chain", in.ChainID, "tx", rcpt.TxID)
			return rcpt, err
		}
		return rcpt, fmt.Errorf("executor: submit on chain %d: %w", in.ChainID, err)
	}

	if rcpt.RequiresManualPayment() {
		e.log.Info("manual settlement instructions issued",
			"asset", info.Key, "chain", in.ChainID, "address", rcpt.Manual.Address)
		return rcpt, nil
	}

	e.log.Info("transfer confirmed",
		"asset", info.Key, "chain", in.ChainID, "tx", rcpt.TxID, "amount", rcpt.ConfirmedAmount)
	return rcpt, nil
}

// SecretsSignerResolver resolves EVM signers through the key-custody
// provider. It satisfies evm.SignerResolver.
type SecretsSignerResolver struct {
	Provider secrets.Provider
	// Prefix namespaces custody secret names, e.g. "creditrails/signer/".
	Prefix string
}

func (r SecretsSignerResolver) Resolve(ctx context.Context, ref string) (evm.Signer, error) {
	if r.Provider == nil {
		return nil, fmt.Errorf("%w: nil secrets provider", ErrInvalidConfig)
	}
	name, err := secrets.PayerKeyName(r.Prefix, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err)
	}
	raw, err := r.Provider.Get(ctx, name)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, fmt.Errorf("%w: no signing key for payer %q", payment.ErrInvalidRequest, ref)
		}
		return nil, fmt.Errorf("%w: key custody: %v", payment.ErrUpstreamUnavailable, err)
	}
	key, err := evm.ParsePrivateKeyHex(raw)
	if err != nil {
		// Sanitized: never echo key material.
		return nil, fmt.Errorf("executor: payer %q: %w", ref, err)
	}
	return evm.NewLocalSigner(key), nil
}
