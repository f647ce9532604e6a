package core

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by hub store implementations and translated to
// wire-protocol error frames by the hub server. Clients reconstruct them via
// errCode/errFromCode so callers can errors.Is against the same values across
// the wire boundary.
var (
	ErrNotFound       = errors.New("pipeworks: step not found")
	ErrLeaseConflict  = errors.New("pipeworks: step already leased")
	ErrDanglingParent = errors.New("pipeworks: dangling parent reference")
	ErrCycle          = errors.New("pipeworks: cyclic dependency")
	ErrTimeout        = errors.New("pipeworks: job timed out")
)

// errCode is the compact wire representation of a sentinel error; 0 means
// "not one of the known sentinels", in which case the message is carried
// verbatim instead.
type errCode int

const (
	codeNone errCode = iota
	codeNotFound
	codeLeaseConflict
	codeDanglingParent
	codeCycle
	codeTimeout
)

func codeFor(err error) errCode {
	switch {
	case errors.Is(err, ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrLeaseConflict):
		return codeLeaseConflict
	case errors.Is(err, ErrDanglingParent):
		return codeDanglingParent
	case errors.Is(err, ErrCycle):
		return codeCycle
	case errors.Is(err, ErrTimeout):
		return codeTimeout
	default:
		return codeNone
	}
}

func errFromCode(code errCode, message string) error {
	var sentinel error
	switch code {
	case codeNotFound:
		sentinel = ErrNotFound
	case codeLeaseConflict:
		sentinel = ErrLeaseConflict
	case codeDanglingParent:
		sentinel = ErrDanglingParent
	case codeCycle:
		sentinel = ErrCycle
	case codeTimeout:
		sentinel = ErrTimeout
	default:
		if message == "" {
			return nil
		}
		return errors.New(message)
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}

// WireError is the serializable form of an error crossing the hub or bucket
// wire protocol: a code for sentinel reconstruction plus a human-readable
// message for logs.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EncodeError converts a Go error into its wire representation. A nil error
// encodes to the zero WireError, which DecodeError maps back to nil.
func EncodeError(err error) WireError {
	if err == nil {
		return WireError{}
	}
	return WireError{Code: int(codeFor(err)), Message: err.Error()}
}

// DecodeError reconstructs an error from its wire representation, preserving
// sentinel identity for errors.Is when possible.
func DecodeError(w WireError) error {
	if w.Code == int(codeNone) && w.Message == "" {
		return nil
	}
	return errFromCode(errCode(w.Code), w.Message)
}
