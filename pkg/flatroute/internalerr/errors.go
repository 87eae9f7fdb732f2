package internalerr

import "errors"

// Sentinel errors for common cases
var (
	ErrDuplicate        = errors.New("duplicate entry")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrTxDone           = errors.New("transaction already finished")
)
