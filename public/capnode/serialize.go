package capnode

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/tenzoki/capnode/public/wire"
)

// serialize walks a value tree and produces its wire shape, registering
// every function leaf in the method table under a fresh handle.
func (n *Node) serialize(v *Value) (*wire.Shape, error) {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.serializeLocked(v)
}

// serializeLocked is the traversal body; the node mutex must be held.
// Identity of object and array nodes is tracked along the current path so
// that cyclic trees fail with a descriptive error instead of recursing
// forever. The same function value at two positions still yields two
// distinct handles: capabilities are registered per occurrence.
func (n *Node) serializeLocked(v *Value) (*wire.Shape, error) {
	return n.serializeAt(v, "api", make(map[*Value]bool))
}

func (n *Node) serializeAt(v *Value, path string, onPath map[*Value]bool) (*wire.Shape, error) {
	if v == nil {
		return nil, &UnsupportedKindError{Kind: KindInvalid, Path: path}
	}
	switch v.kind {
	case KindString:
		return wire.StringShape(v.str), nil
	case KindNumber:
		return wire.NumberShape(v.num), nil
	case KindObject:
		if onPath[v] {
			return nil, &CycleError{Path: path}
		}
		onPath[v] = true
		defer delete(onPath, v)

		fields := make(map[string]*wire.Shape, len(v.obj))
		// Deterministic traversal order keeps handle allocation stable
		// across runs with the same tree, which simplifies debugging.
		keys := make([]string, 0, len(v.obj))
		for key := range v.obj {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			child, err := n.serializeAt(v.obj[key], path+"."+key, onPath)
			if err != nil {
				return nil, err
			}
			fields[key] = child
		}
		return wire.ObjectShape(fields), nil
	case KindArray:
		if onPath[v] {
			return nil, &CycleError{Path: path}
		}
		onPath[v] = true
		defer delete(onPath, v)

		items := make([]*wire.Shape, len(v.arr))
		for i, elem := range v.arr {
			child, err := n.serializeAt(elem, fmt.Sprintf("%s[%d]", path, i), onPath)
			if err != nil {
				return nil, err
			}
			items[i] = child
		}
		return wire.ArrayShape(items), nil
	case KindFunc:
		id := wire.NewHandle()
		n.methods[id] = v.fn
		return wire.FunctionShape(id), nil
	default:
		return nil, &UnsupportedKindError{Kind: v.kind, Path: path}
	}
}

// deserialize walks a validated wire shape and produces the local mirror.
// Function shapes become proxies bound to this node's peer. The walk is
// synchronous and never touches the tables; proxies register their reply
// entries only when invoked.
func (n *Node) deserialize(shape *wire.Shape) *Value {
	switch shape.Type {
	case wire.ShapeString:
		return String(shape.Str)
	case wire.ShapeNumber:
		return Number(shape.Num)
	case wire.ShapeObject:
		fields := make(map[string]*Value, len(shape.Fields))
		for key, child := range shape.Fields {
			fields[key] = n.deserialize(child)
		}
		return Object(fields)
	case wire.ShapeArray:
		items := make([]*Value, len(shape.Items))
		for i, child := range shape.Items {
			items[i] = n.deserialize(child)
		}
		return Array(items...)
	default: // wire.ShapeFunction; Validate excluded everything else
		return Function(n.proxyFor(shape.MethodID))
	}
}

// proxyFor builds the async callable behind a function shape. Invoking it:
//
//  1. serializes the arguments (registering any function arguments in the
//     local method table, so callbacks flow back to this peer)
//  2. allocates a fresh reply handle and a reply-table entry
//  3. emits the invocation message
//  4. blocks until the dispatcher settles the entry, or ctx is done
//
// Cancellation evicts the entry; its reply handle is never reused, so a
// late settlement is dropped as an orphan.
func (n *Node) proxyFor(methodID wire.Handle) Func {
	return func(ctx context.Context, args []*Value) (*Value, error) {
		shapes := make([]*wire.Shape, len(args))
		for i, arg := range args {
			shape, err := n.serialize(arg)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			shapes[i] = shape
		}

		replyID := wire.NewHandle()
		pending, err := n.registerReply(replyID)
		if err != nil {
			return nil, err
		}
		n.send(wire.NewInvocation(methodID, shapes, replyID))

		select {
		case s := <-pending.ch:
			return s.value, s.err
		case <-ctx.Done():
			n.evictReply(replyID)
			return nil, ctx.Err()
		}
	}
}

// captureStack renders the current goroutine's stack for an outbound
// error message.
func captureStack() string {
	buf := make([]byte, 4096)
	return string(buf[:runtime.Stack(buf, false)])
}
