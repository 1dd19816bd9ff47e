package graph

import "errors"

// ErrConfiguration wraps every configuration error: graph invariant
// violations, malformed attributes, and compile failures raised at build
// time.
var ErrConfiguration = errors.New("datakit: configuration error")
