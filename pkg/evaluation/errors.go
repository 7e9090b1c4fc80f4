package evaluation

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrMissingField      = errors.New("missing required field")
	ErrBatchRunning      = errors.New("batch already running")
	ErrBatchAborted      = errors.New("batch aborted")
	ErrCorruptedState    = errors.New("corrupted state snapshot")
	ErrIncompatibleState = errors.New("incompatible state snapshot version")
)
