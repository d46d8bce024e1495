// Package sberr defines the uniform error taxonomy that flows outward from
// the sandbox lifecycle, transport, registry, and pool packages.
package sberr

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags the variant of an Error.
type Kind int

const (
	// KindLauncher covers VM creation, start, stop, or configuration failure.
	KindLauncher Kind = iota
	// KindConnection covers channel connect or handshake failure.
	KindConnection
	// KindAgentUnreachable means the retry budget was exhausted before the handshake succeeded.
	KindAgentUnreachable
	// KindRPC means the agent returned a protocol-level error, or the call timed out.
	KindRPC
	// KindNotFound means the sandbox identifier is unknown.
	KindNotFound
	// KindInvalidState means the operation was attempted on a sandbox that is not Ready.
	KindInvalidState
	// KindResourceLimit means the registry is at its cap.
	KindResourceLimit
	// KindSerialization means a request or response body was malformed.
	KindSerialization
	// KindIO means the underlying byte stream failed.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindLauncher:
		return "launcher"
	case KindConnection:
		return "connection"
	case KindAgentUnreachable:
		return "agent_unreachable"
	case KindRPC:
		return "rpc"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindResourceLimit:
		return "resource_limit"
	case KindSerialization:
		return "serialization"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the tagged variant described in spec.md §4.7. Every field beyond
// Kind is variant-specific; zero values are used for fields the variant
// does not carry. Reason is rendered verbatim; where it was built from a
// wrapped OS or network error (dial, mkdir, socket wait), the rendered
// message can contain host filesystem paths.
type Error struct {
	Kind Kind

	// KindConnection / KindSerialization / KindIO carry a free-text reason.
	Reason string

	// KindAgentUnreachable carries the retry budget that was exhausted.
	Budget time.Duration

	// KindRPC carries the agent/protocol error code and message.
	Code    int32
	Message string

	// KindNotFound carries the unknown identifier.
	ID string

	// KindInvalidState carries expected/actual state names.
	Expected string
	Actual   string

	// KindResourceLimit carries the cap that was hit.
	Cap int

	// Wrapped is the underlying cause, if any (not rendered to callers).
	Wrapped error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindLauncher:
		return fmt.Sprintf("launcher error: %s", e.Reason)
	case KindConnection:
		return fmt.Sprintf("connection failed: %s", e.Reason)
	case KindAgentUnreachable:
		return fmt.Sprintf("agent unreachable after %s", e.Budget)
	case KindRPC:
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	case KindNotFound:
		return "Sandbox not found or invalid ID"
	case KindInvalidState:
		return fmt.Sprintf("invalid state: expected %s, got %s", e.Expected, e.Actual)
	case KindResourceLimit:
		return fmt.Sprintf("resource limit reached: %d sandboxes", e.Cap)
	case KindSerialization:
		return fmt.Sprintf("serialization error: %s", e.Reason)
	case KindIO:
		return fmt.Sprintf("io error: %s", e.Reason)
	default:
		return "unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, sberr.NotFound("")) style checks against a
// sentinel built with the zero payload.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func Launcher(reason string) *Error      { return &Error{Kind: KindLauncher, Reason: reason} }
func LauncherWrap(err error) *Error      { return &Error{Kind: KindLauncher, Reason: err.Error(), Wrapped: err} }
func Connection(reason string) *Error    { return &Error{Kind: KindConnection, Reason: reason} }
func AgentUnreachable(d time.Duration) *Error {
	return &Error{Kind: KindAgentUnreachable, Budget: d}
}
func RPC(code int32, message string) *Error { return &Error{Kind: KindRPC, Code: code, Message: message} }
func NotFound(id string) *Error             { return &Error{Kind: KindNotFound, ID: id} }
func InvalidState(expected, actual string) *Error {
	return &Error{Kind: KindInvalidState, Expected: expected, Actual: actual}
}
func ResourceLimit(cap int) *Error      { return &Error{Kind: KindResourceLimit, Cap: cap} }
func Serialization(reason string) *Error { return &Error{Kind: KindSerialization, Reason: reason} }
func IO(reason string) *Error           { return &Error{Kind: KindIO, Reason: reason} }
func IOWrap(err error) *Error           { return &Error{Kind: KindIO, Reason: err.Error(), Wrapped: err} }

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Kind, true
}
