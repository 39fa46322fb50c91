// Package capnode implements one endpoint of the object-capability RPC
// runtime. A peer exposes a tree of values and async functions; the runtime
// serializes the tree into a wire shape in which every function leaf is
// replaced by an opaque handle, ships it to the remote side, and
// reconstructs the remote peer's tree with function leaves materialized as
// local callable proxies.
//
// Key Features:
// - Recursive serialization of mixed value/capability trees
// - Stable handle registration in an append-only method table
// - Invocation/reply correlation with pending-future settlement
// - Object-mode duplex streams with queue-based backpressure
// - Listener fan-out for driving a peer without a stream
// - Bidirectional capability passing (function arguments become
//   callbacks pointing at the caller)
//
// Called by: transport layer, peer daemon, embedding applications
// Calls: wire encoding, internal queue, standard log
package capnode

import (
	"context"
	"fmt"
)

// Kind discriminates the in-memory value variants a peer can expose or
// receive.
type Kind int

const (
	KindInvalid Kind = iota // zero value; rejected by the serializer
	KindString              // primitive string
	KindNumber              // primitive number (integer or float)
	KindObject              // keyed mapping of child values
	KindArray               // ordered sequence of child values
	KindFunc                // async callable capability
)

// String returns the kind's wire-facing name for error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindFunc:
		return "function"
	default:
		return "invalid"
	}
}

// Func is an exposed async callable. It receives deserialized arguments
// and settles with a result value or an error; a successful settlement
// must carry a non-nil value, since the wire model has no null. Functions
// are invoked without a bound receiver; required state must be captured
// in the closure or passed as arguments.
type Func func(ctx context.Context, args []*Value) (*Value, error)

// Value is a node of an API tree: a tagged sum over strings, numbers,
// keyed objects, arrays, and async functions. Exactly one payload field is
// populated, selected by the kind.
//
// Booleans, nulls and other scalars are deliberately not part of the
// model; the serializer rejects invalid kinds with a descriptive error
// rather than coercing them.
type Value struct {
	kind Kind
	str  string
	num  float64
	obj  map[string]*Value
	arr  []*Value
	fn   Func
}

// String builds a string leaf.
func String(s string) *Value { return &Value{kind: KindString, str: s} }

// Number builds a number leaf.
func Number(n float64) *Value { return &Value{kind: KindNumber, num: n} }

// Object builds a keyed mapping node. The map is adopted, not copied.
func Object(fields map[string]*Value) *Value {
	if fields == nil {
		fields = make(map[string]*Value)
	}
	return &Value{kind: KindObject, obj: fields}
}

// Array builds an ordered sequence node.
func Array(items ...*Value) *Value { return &Value{kind: KindArray, arr: items} }

// Function builds a capability leaf around an async callable.
func Function(fn Func) *Value { return &Value{kind: KindFunc, fn: fn} }

// Kind returns the variant tag. A nil value reports KindInvalid.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindInvalid
	}
	return v.kind
}

// Text returns the string payload and whether the value is a string leaf.
func (v *Value) Text() (string, bool) {
	if v == nil || v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Num returns the number payload and whether the value is a number leaf.
func (v *Value) Num() (float64, bool) {
	if v == nil || v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Field returns the named child of an object node, or nil.
func (v *Value) Field(key string) *Value {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.obj[key]
}

// Fields returns the underlying map of an object node, or nil.
func (v *Value) Fields() map[string]*Value {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.obj
}

// Index returns the i-th element of an array node, or nil when out of
// range or not an array.
func (v *Value) Index(i int) *Value {
	if v == nil || v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return nil
	}
	return v.arr[i]
}

// Len returns the element count of an array node, the field count of an
// object node, and 0 otherwise.
func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

// Call invokes a function leaf. For proxies this serializes the arguments,
// ships an invocation to the remote peer and blocks until the matching
// return or error message settles the call, or until ctx is done.
func (v *Value) Call(ctx context.Context, args ...*Value) (*Value, error) {
	if v == nil || v.kind != KindFunc {
		return nil, fmt.Errorf("capnode: cannot call %s value", v.Kind())
	}
	return v.fn(ctx, args)
}

// Equal reports structural equality of two value trees. Function leaves
// never compare equal: a capability's identity is its handle, which the
// in-memory value does not carry.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for key, child := range v.obj {
			if !child.Equal(other.obj[key]) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i, child := range v.arr {
			if !child.Equal(other.arr[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
