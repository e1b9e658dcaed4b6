package classify

import "errors"

// ErrInvalidInput marks malformed trigger data. It is rejected before any
// pipeline run is created and never retried.
var ErrInvalidInput = errors.New("invalid input")
