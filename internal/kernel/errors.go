package kernel

import "errors"

var (
	ErrStdinNotAllowed = errors.New("kernel: stdin not allowed for this request")
	ErrInterrupted     = errors.New("kernel: execution interrupted")
	ErrStopped         = errors.New("kernel: core stopped")
)
