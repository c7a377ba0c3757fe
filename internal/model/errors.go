package model

import "github.com/rotisserie/eris"

// ErrInvalidConfig is the root of every configuration error: missing
// columns, empty treatment lists, invalid trial counts. Callers match it
// with errors.Is; it is never retried.
var ErrInvalidConfig = eris.New("invalid configuration")
