package verify

import (
	"context"
)

// Verifier decides whether a create request comes from a human.
type Verifier interface {
	Enabled() bool
	Verify(ctx context.Context, token, remoteAddr string) (bool, error)
}

// Noop accepts everything. Used when no verification keys are configured.
type Noop struct{}

func (Noop) Enabled() bool { return false }
func (Noop) Verify(ctx context.Context, token, remoteAddr string) (bool, error) {
	return true, nil
}
