package recovery

import (
	"context"
	"errors"
	"net"
)

// Error kinds the manager classifies failures into. Kinds, not Go types,
// drive the retry decision so callers can tag errors crossing process
// boundaries (a robot reports "ResourceBusy", not a Go error value).
const (
	KindConnection = "ConnectionError"
	KindTimeout    = "TimeoutError"
	KindNetwork    = "NetworkError"
	KindTemporary  = "TemporaryError"
	KindBusy       = "ResourceBusy"
	KindUnknown    = "Error"
)

// ClassifiedError tags an error with an explicit kind.
type ClassifiedError struct {
	Kind string
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Kind + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewError wraps err with an explicit kind.
func NewError(kind string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify maps an error to its kind. Explicit tags win; otherwise
// network and timeout errors are recognized from the standard library.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	// Dial and read failures surface as OpError before the generic case.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}
