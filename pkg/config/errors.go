package config

import "errors"

// ErrInvalidDocument wraps decode, schema, and struct validation
// failures raised while loading a configuration document.
var ErrInvalidDocument = errors.New("datakit: invalid configuration document")
