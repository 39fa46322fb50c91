package capnode

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Expose on a node that has been torn down, and
// by new proxy calls on a node torn down with Close. After Fail with any
// other cause, new proxy calls fail with an error wrapping that cause
// instead.
var ErrClosed = errors.New("capnode: node closed")

// ErrAlreadyExposed is returned when Expose is called twice; a node
// exposes exactly one API per session.
var ErrAlreadyExposed = errors.New("capnode: api already exposed")

// RemoteError is the local rendering of a peer-side failure: either the
// remote method rejected, or the peer could not resolve the invoked
// handle. Message and Stack are carried verbatim from the wire.
type RemoteError struct {
	Message string // remote failure description
	Stack   string // remote stack trace, possibly empty or truncated
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// CycleError reports that the serializer encountered the same object or
// array node twice on one traversal path. Exported trees must be acyclic.
type CycleError struct {
	Path string // location of the repeated node, e.g. "api.self"
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("capnode: cycle detected at %s", e.Path)
}

// UnsupportedKindError reports a value the wire model cannot express,
// such as the zero Value.
type UnsupportedKindError struct {
	Kind Kind
	Path string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("capnode: cannot serialize %s value at %s", e.Kind, e.Path)
}
