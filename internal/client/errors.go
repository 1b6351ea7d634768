package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrInvalidTarget is returned by Dial for an empty host or out-of-range port.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrHostNotFound matches a ConnectError whose host could not be resolved.
	ErrHostNotFound = errors.New("host not found")

	// ErrConnectionRefused matches a ConnectError refused by the peer.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrConnectTimeout matches a ConnectError that hit the connect timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrNoReply is returned by Result.Err when the server stayed silent.
	ErrNoReply = errors.New("no reply within timeout")
)

// ConnectErrorKind classifies a failed connection attempt.
type ConnectErrorKind int

const (
	ConnectOther ConnectErrorKind = iota
	ConnectHostNotFound
	ConnectRefused
	ConnectTimedOut
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectHostNotFound:
		return "host not found"
	case ConnectRefused:
		return "connection refused"
	case ConnectTimedOut:
		return "connect timeout"
	default:
		return "other"
	}
}

// ConnectError is returned by Dial.
type ConnectError struct {
	Kind ConnectErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrHostNotFound:
		return e.Kind == ConnectHostNotFound
	case ErrConnectionRefused:
		return e.Kind == ConnectRefused
	case ErrConnectTimeout:
		return e.Kind == ConnectTimedOut
	}
	return false
}

func classifyDialError(addr string, err error) *ConnectError {
	ce := &ConnectError{Kind: ConnectOther, Addr: addr, Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		ce.Kind = ConnectHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		ce.Kind = ConnectRefused
	case errors.Is(err, context.DeadlineExceeded):
		ce.Kind = ConnectTimedOut
	case errors.As(err, &netErr) && netErr.Timeout():
		ce.Kind = ConnectTimedOut
	}
	return ce
}

// TransportError reports a failure of the underlying connection. The client cannot
// be used after one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError reports a reply that could not be decompressed or parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode reply: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ApplicationError is a well-formed reply with a non-success status.
type ApplicationError struct {
	Status  int
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server replied with status %d", e.Status)
	}
	return fmt.Sprintf("server replied with status %d: %s", e.Status, e.Message)
}

// UnexpectedResponseError is a reply without a status field.
type UnexpectedResponseError struct {
	Payload []byte
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected reply: %s", e.Payload)
}
