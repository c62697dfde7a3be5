package storage

import "errors"

var (
	// ErrStoreUnavailable wraps backend I/O failures.
	ErrStoreUnavailable = errors.New("batch store unavailable")
	ErrBatchTooLarge    = errors.New("batched write exceeds operation limit")
	ErrNegativeStock    = errors.New("update would make stock negative")
	ErrDuplicateRecord  = errors.New("consumption record already exists")
)
