package core

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	ErrPanic          = errors.New("handler panicked")
	ErrNotListening   = errors.New("engine is not listening")
	ErrAlreadyServing = errors.New("engine is already serving")
)

// HandlerFault wraps a failure raised while dispatching a request
type HandlerFault struct {
	Method string
	Path   string
	Err    error
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Method, f.Path, f.Err)
}

func (f *HandlerFault) Unwrap() error {
	return f.Err
}

// defaultPollTimeoutMs bounds each poller wait so shutdown is observed promptly
const defaultPollTimeoutMs = 100
