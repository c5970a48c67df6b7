package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-credit/credit-rails/internal/payment"
)

// StaticFetcher serves resources from a fixed in-memory table.
type StaticFetcher map[string][]byte

func (f StaticFetcher) Fetch(_ context.Context, resourceID string) (Resource, error) {
	payload, ok := f[resourceID]
	if !ok {
		return Resource{}, fmt.Errorf("%w: resource %q", payment.ErrNotFound, resourceID)
	}
	return Resource{ResourceID: resourceID, Payload: payload}, nil
}

// DirFetcher serves resources from files under Root, one file per resource.
// A resource id like "svc:compute:quote" maps to "svc_compute_quote.json".
type DirFetcher struct {
	Root string
}

func (f DirFetcher) Fetch(_ context.Context, resourceID string) (Resource, error) {
	name := strings.ReplaceAll(resourceID, ":", "_") + ".json"
	if name != filepath.Base(name) {
		return Resource{}, fmt.Errorf("%w: resource id %q", payment.ErrInvalidRequest, resourceID)
	}
	payload, err := os.ReadFile(filepath.Join(f.Root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return Resource{}, fmt.Errorf("%w: resource %q", payment.ErrNotFound, resourceID)
		}
		return Resource{}, fmt.Errorf("gate: read resource %q: %w", resourceID, err)
	}
	return Resource{ResourceID: resourceID, Payload: payload}, nil
}
