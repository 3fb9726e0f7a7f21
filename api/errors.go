// Package api
// Author: momentics <momentics@gmail.com>
//
// Structured error taxonomy shared by every daemon layer. Kinds
// are the closed set carried on the wire; Error preserves a ScriptError's
// name/message/stack when the failure originated in guest code.

package api

import "fmt"

// Kind enumerates the closed set of wire-visible error kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindIsolateNotFound
	KindIsolateMemoryLimit
	KindIsolateLimit
	KindScriptError
	KindProtocolError
	KindConnectionClosed
	KindRequestTimeout
	KindNamespaceBusy
	KindUnmarshallableValue
	KindStreamCancelled
	KindBindFailure
	KindCorruptFrame
	KindUnknownMessageType
)

// String renders the stable wire name for a Kind.
func (k Kind) String() string {
	switch k {
	case KindIsolateNotFound:
		return "IsolateNotFound"
	case KindIsolateMemoryLimit:
		return "IsolateMemoryLimit"
	case KindIsolateLimit:
		return "IsolateLimit"
	case KindScriptError:
		return "ScriptError"
	case KindProtocolError:
		return "ProtocolError"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindRequestTimeout:
		return "RequestTimeout"
	case KindNamespaceBusy:
		return "NamespaceBusy"
	case KindUnmarshallableValue:
		return "UnmarshallableValue"
	case KindStreamCancelled:
		return "StreamCancelled"
	case KindBindFailure:
		return "BindFailure"
	case KindCorruptFrame:
		return "CorruptFrame"
	case KindUnknownMessageType:
		return "UnknownMessageType"
	default:
		return "Unknown"
	}
}

// Common sentinel errors for conditions with no guest-visible stack.
var (
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed, Message: "connection closed"}
	ErrRequestTimeout   = &Error{Kind: KindRequestTimeout, Message: "request timed out"}
	ErrStreamCancelled  = &Error{Kind: KindStreamCancelled, Message: "stream cancelled"}
)

// Error is the structured error carried internally and serialized onto the
// wire as RESP_ERR. Name/Stack are populated only for KindScriptError, where
// they must survive the host<->guest boundary verbatim.
type Error struct {
	Kind    Kind
	Name    string // JS Error.name, e.g. "TypeError", "AbortError"
	Message string
	Stack   string
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	if len(e.Details) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (details: %+v)", e.Message, e.Details)
}

// GetKind satisfies errors.As-style Kind extraction without an import cycle.
func (e *Error) GetKind() Kind { return e.Kind }

// NewError builds a structured error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewScriptError builds a KindScriptError preserving the guest Error shape.
func NewScriptError(name, message, stack string) *Error {
	return &Error{Kind: KindScriptError, Name: name, Message: message, Stack: stack}
}

// WithDetail attaches one key/value of structured context.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// DOMErrorString renders the "[Name]message" sentinel convention used by the
// guest-side FileSystemHandler polyfill to encode a
// DOMException across a plain string boundary.
func DOMErrorString(name, message string) string {
	return fmt.Sprintf("[%s]%s", name, message)
}

// Well-known DOMException names used by the virtual FS surface.
const (
	DOMNotFoundError            = "NotFoundError"
	DOMTypeMismatchError        = "TypeMismatchError"
	DOMInvalidModificationError = "InvalidModificationError"
	DOMInvalidStateError        = "InvalidStateError"
)
