package assign

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
)

// Stochastic is the non-directed distributor. Its assignment rule has not
// been settled, so Assign always fails with ErrNotImplemented.
type Stochastic struct {
	cfg Config
}

var _ Distributor = (*Stochastic)(nil)

// NewStochastic validates cfg and returns a Stochastic distributor.
func NewStochastic(cfg Config) (*Stochastic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Stochastic{cfg: cfg}, nil
}

// Assign implements Distributor.
func (s *Stochastic) Assign(_ context.Context, _ *model.Table) (*Result, error) {
	return nil, eris.Wrap(ErrNotImplemented, "assign: stochastic distribution")
}
