// Package intent computes the exact payment parameters a payer must satisfy
// for one protected resource. CreateIntent is a pure function of its inputs
// and the static asset registry.
package intent

import (
	"errors"
	"fmt"
	"time"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/payment"
)

var ErrInvalidConfig = errors.New("intent: invalid config")

type Service struct {
	registry *asset.Registry
	now      func() time.Time
}

func NewService(registry *asset.Registry, now func() time.Time) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil asset registry", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Service{registry: registry, now: now}, nil
}

// CreateIntent resolves the resource price and the asset's settlement
// parameters into an immutable payment intent. No side effects.
func (s *Service) CreateIntent(resourceID, assetKey string) (payment.Intent, error) {
	info, err := s.registry.Lookup(assetKey)
	if err != nil {
		return payment.Intent{}, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err)
	}
	amount, err := s.registry.Price(resourceID, info.Key)
	if err != nil {
		return payment.Intent{}, fmt.Errorf("%w: %v", payment.ErrInvalidRequest, err)
	}
	return payment.Intent{
		ResourceID:   resourceID,
		AssetKey:     info.Key,
		ChainID:      info.ChainID,
		TokenAddress: info.TokenAddress,
		PayTo:        info.PayTo,
		Amount:       amount,
		IssuedAt:     s.now().UTC(),
	}, nil
}
