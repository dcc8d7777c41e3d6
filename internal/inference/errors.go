package inference

import (
	"errors"
	"fmt"
)

// ErrInference matches every error returned by Submit:
//
//	errors.Is(err, inference.ErrInference)
var ErrInference = errors.New("inference: request failed")

// TransportError is a failure to reach the inference service: dial errors,
// timeouts, context cancellation, truncated bodies.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("inference: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrInference }

// ServerError is a response the service reported as failed, either with a
// non-2xx status or with success=false in the body.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("inference: server returned status %d", e.Status)
	}
	return fmt.Sprintf("inference: server returned status %d: %s", e.Status, e.Message)
}

func (e *ServerError) Is(target error) bool { return target == ErrInference }

// ParseError is a 2xx response whose body could not be turned into a
// Detection.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "inference: invalid response: " + e.Reason
	}
	return fmt.Sprintf("inference: invalid response: %s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrInference }

// Kind returns a short label for err suitable for metrics and events:
// transport, server, parse or other.
func Kind(err error) string {
	var (
		te *TransportError
		se *ServerError
		pe *ParseError
	)
	switch {
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &se):
		return "server"
	case errors.As(err, &pe):
		return "parse"
	default:
		return "other"
	}
}
