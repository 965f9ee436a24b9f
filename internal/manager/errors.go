package manager

import "errors"

var (
	ErrDuplicateKernel  = errors.New("manager: kernel already exists")
	ErrKernelNotFound   = errors.New("manager: no such kernel")
	ErrKernelNotRunning = errors.New("manager: kernel not running")
	ErrShutdownTimeout  = errors.New("manager: kernel did not exit in time")
	ErrNoArgv           = errors.New("manager: empty kernel argv")
	ErrInterruptMode    = errors.New("manager: unknown interrupt mode")
)
