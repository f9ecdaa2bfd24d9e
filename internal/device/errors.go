package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind classifies a device client failure so callers can distinguish
// hardware problems from configuration problems.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindConnRefused
	KindDNS
	KindReset
	KindUnauthorized
	KindNotFound
	KindServer
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnRefused:
		return "connection_refused"
	case KindDNS:
		return "dns_failure"
	case KindReset:
		return "connection_reset"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server_error"
	case KindSchema:
		return "schema_error"
	default:
		return "unknown"
	}
}

// Error is a categorised device client failure.
type Error struct {
	Kind    Kind
	Op      string // "get_channels", "control_publisher", ...
	Address string
	Status  int // HTTP status when relevant, else 0
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (http %d)", e.Op, e.Address, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Address, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Address, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is backoff-eligible. Auth and
// schema failures are not; retrying without operator action is pointless.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindConnRefused, KindDNS, KindReset, KindServer:
		return true
	}
	return false
}

// classify wraps a transport-level error with its failure kind.
func classify(op, address string, err error) *Error {
	kind := KindUnknown

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &dnsErr):
		kind = KindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindConnRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		kind = KindReset
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}

	return &Error{Kind: kind, Op: op, Address: address, Err: err}
}

// classifyStatus maps a non-2xx HTTP status to a failure kind.
func classifyStatus(op, address string, status int) *Error {
	kind := KindUnknown
	switch {
	case status == 401 || status == 403:
		kind = KindUnauthorized
	case status == 404:
		kind = KindNotFound
	case status >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, Op: op, Address: address, Status: status}
}

// ErrKind extracts the failure kind from an error chain, or KindUnknown.
func ErrKind(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a transient device failure.
func IsTransient(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Transient()
	}
	return false
}
