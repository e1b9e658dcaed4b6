package run

import "errors"

// ErrNotFound is returned for lookups of runs that do not exist. Distinct
// from malformed input.
var ErrNotFound = errors.New("not found")
