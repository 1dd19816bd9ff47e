package nodekind

import "errors"

// ErrEvaluation marks a query or template runtime failure.
var ErrEvaluation = errors.New("datakit: evaluation error")

// ErrDispatch marks a call timeout, transport failure, or non-2xx host
// response.
var ErrDispatch = errors.New("datakit: dispatch error")
