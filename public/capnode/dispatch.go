package capnode

import (
	"errors"
	"fmt"
	"log"

	"github.com/tenzoki/capnode/public/wire"
)

// Receive feeds one inbound message to the dispatcher. Messages are
// processed in arrival order; the table effects of each message are
// applied before Receive returns, while method invocations themselves run
// asynchronously so a slow method never blocks unrelated traffic.
//
// Receive never propagates a failure to the transport: invocation
// failures travel back to the peer as error messages, protocol
// violations surface on the ProtocolErrors channel, orphan replies are
// dropped.
//
// Called by: stream write path, transport layer, tests driving a peer
// directly
func (n *Node) Receive(msg *wire.Message) {
	if err := msg.Validate(); err != nil {
		n.reportProtocolError(err)
		return
	}
	switch msg.Type {
	case wire.MessageInit:
		n.receiveInit(msg)
	case wire.MessageInvocation:
		n.receiveInvocation(msg)
	case wire.MessageReturn:
		n.receiveReturn(msg)
	case wire.MessageError:
		n.receiveError(msg)
	}
}

// receiveInit adopts the peer's exported shape and publishes it as the
// remote API. A second init is a protocol error; the first adoption
// stands and the node stays live.
func (n *Node) receiveInit(msg *wire.Message) {
	shape, err := msg.ShapeValue()
	if err != nil {
		n.reportProtocolError(&wire.ProtocolError{Reason: "malformed init value: " + err.Error()})
		return
	}
	if err := shape.Validate(); err != nil {
		n.reportProtocolError(err)
		return
	}
	mirror := n.deserialize(shape)

	n.mux.Lock()
	if n.remote != nil {
		n.mux.Unlock()
		n.reportProtocolError(&wire.ProtocolError{Reason: "repeated init"})
		return
	}
	n.remote = mirror
	n.mux.Unlock()

	n.readyOnce.Do(func() { close(n.ready) })
}

// receiveInvocation resolves the target method and runs it. Lookup and
// argument reconstruction happen synchronously, in arrival order; the
// method itself runs on its own goroutine and its settlement is emitted
// whenever it completes. Results therefore leave in settlement order, not
// invocation order.
func (n *Node) receiveInvocation(msg *wire.Message) {
	n.mux.Lock()
	method, ok := n.methods[msg.MethodID]
	n.mux.Unlock()
	if !ok {
		if n.debug {
			log.Printf("[capnode] invocation for unknown method %s", msg.MethodID)
		}
		n.send(wire.NewError(msg.ReplyID, fmt.Sprintf("unknown methodId %q", msg.MethodID), ""))
		return
	}

	for _, arg := range msg.Arguments {
		if err := arg.Validate(); err != nil {
			n.reportProtocolError(err)
			n.send(wire.NewError(msg.ReplyID, "malformed invocation arguments", ""))
			return
		}
	}
	// Function arguments become proxies pointing back at the caller, so
	// callbacks passed into this invocation are live capabilities here.
	args := make([]*Value, len(msg.Arguments))
	for i, arg := range msg.Arguments {
		args[i] = n.deserialize(arg)
	}

	go n.invoke(method, args, msg.ReplyID)
}

// invoke runs one exported method to settlement and sends the matching
// return or error message. A panicking method is treated like a
// rejection; it must not take the node down.
func (n *Node) invoke(method Func, args []*Value, replyID wire.Handle) {
	defer func() {
		if r := recover(); r != nil {
			n.send(wire.NewError(replyID, fmt.Sprintf("method panic: %v", r), captureStack()))
		}
	}()

	result, err := method(n.ctx, args)
	if err != nil {
		// A relayed remote failure keeps its original stack trace.
		stack := ""
		var remote *RemoteError
		if errors.As(err, &remote) {
			stack = remote.Stack
		}
		n.send(wire.NewError(replyID, err.Error(), stack))
		return
	}

	shape, err := n.serialize(result)
	if err != nil {
		n.send(wire.NewError(replyID, "result serialization failed: "+err.Error(), ""))
		return
	}
	ret, err := wire.NewReturn(replyID, shape)
	if err != nil {
		n.send(wire.NewError(replyID, "result encoding failed: "+err.Error(), ""))
		return
	}
	n.send(ret)
}

// receiveReturn settles the pending call whose reply handle the peer
// echoed in the methodId field. Returns for unknown handles are orphans
// and are dropped.
func (n *Node) receiveReturn(msg *wire.Message) {
	pending, ok := n.takeReply(msg.MethodID)
	if !ok {
		if n.debug {
			log.Printf("[capnode] dropping orphan return %s", msg.MethodID)
		}
		return
	}
	shape, err := msg.ShapeValue()
	if err != nil {
		perr := &wire.ProtocolError{Reason: "malformed return value: " + err.Error()}
		n.reportProtocolError(perr)
		pending.ch <- settlement{err: perr}
		return
	}
	if err := shape.Validate(); err != nil {
		n.reportProtocolError(err)
		pending.ch <- settlement{err: err}
		return
	}
	pending.ch <- settlement{value: n.deserialize(shape)}
}

// receiveError rejects the pending call with the peer's failure. Errors
// for unknown handles are orphans and are dropped.
func (n *Node) receiveError(msg *wire.Message) {
	pending, ok := n.takeReply(msg.MethodID)
	if !ok {
		if n.debug {
			log.Printf("[capnode] dropping orphan error %s", msg.MethodID)
		}
		return
	}
	payload, err := msg.ErrorValue()
	if err != nil {
		n.reportProtocolError(err)
		pending.ch <- settlement{err: err}
		return
	}
	pending.ch <- settlement{err: &RemoteError{Message: payload.Message, Stack: payload.Stack}}
}
