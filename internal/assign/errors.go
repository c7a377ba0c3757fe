package assign

import (
	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
)

var (
	// ErrInvalidConfig is returned before any trial runs when the config or
	// the subject table cannot be used.
	ErrInvalidConfig = model.ErrInvalidConfig

	// ErrNotImplemented is returned by distributors whose behaviour is not
	// defined yet.
	ErrNotImplemented = eris.New("distributor not implemented")
)
