package capnode

import (
	"context"
	"log"
	"sync"

	"github.com/tenzoki/capnode/internal/queue"
	"github.com/tenzoki/capnode/public/wire"
)

// protocolErrBuffer bounds the protocol error channel. Overflowing errors
// are logged and dropped so a peer flooding malformed traffic cannot
// block dispatch.
const protocolErrBuffer = 16

// Listener receives a copy of every outbound message, in offer order.
// Listeners run on the sender's goroutine and must not block.
type Listener func(*wire.Message)

// settlement is the outcome delivered to a pending proxy call.
type settlement struct {
	value *Value
	err   error
}

// pendingReply is one reply-table entry: the channel a blocked proxy call
// is waiting on. The channel has capacity one so the dispatcher never
// blocks on settlement.
type pendingReply struct {
	ch chan settlement
}

// Node is one endpoint of the RPC runtime. It owns the method table
// (exported callables keyed by handle), the reply table (pending proxy
// calls keyed by reply handle), the outbound queue, and the listener set.
//
// Tables are guarded by the node's mutex; outbound offer order is
// serialized by a dedicated send mutex so that listeners and the stream
// observe the same sequence.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Node struct {
	debug bool

	mux       sync.Mutex                    // guards the fields below
	methods   map[wire.Handle]Func          // method table, append-only for the session
	replies   map[wire.Handle]*pendingReply // reply table, entries removed on settlement
	exposed   *wire.Shape                   // shape produced by Expose, nil until then
	remote    *Value                        // adopted remote API, nil until first init
	closed    bool                          // set by Fail/Close
	failErr   error                         // terminal cause when closed
	stream    *Stream                       // attached stream, nil for listener-only peers
	nextID    int                           // listener id counter
	listeners map[int]Listener              // outbound fan-out subscribers

	ready     chan struct{} // closed once the first inbound init is adopted
	readyOnce sync.Once

	sendMux sync.Mutex   // serializes outbound offers
	out     *queue.Queue // messages parked while the reader is not ready

	// lifecycle context for method invocations; cancelled on teardown
	ctx    context.Context
	cancel context.CancelFunc

	protoErrs chan error // dedicated protocol error channel
}

// Option configures a Node at construction time.
type Option func(*Node)

// WithDebug enables debug logging of dispatch decisions and dropped
// messages.
func WithDebug(debug bool) Option {
	return func(n *Node) { n.debug = debug }
}

// New creates an empty node. Populate it with Expose, then attach a
// stream or listeners to connect it to a peer.
func New(opts ...Option) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		methods:   make(map[wire.Handle]Func),
		replies:   make(map[wire.Handle]*pendingReply),
		listeners: make(map[int]Listener),
		ready:     make(chan struct{}),
		out:       queue.New(),
		ctx:       ctx,
		cancel:    cancel,
		protoErrs: make(chan error, protocolErrBuffer),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Expose serializes the local API tree, registering every function leaf
// in the method table, and records the resulting shape for the init
// message. A node exposes exactly one API; a second call returns
// ErrAlreadyExposed.
//
// Parameters:
//   - api: the value tree to export; must be acyclic
//
// Returns:
//   - *wire.Shape: the transmittable description of the tree
//   - error: cycle or unsupported-kind errors from the serializer
//
// Called by: embedding applications before attaching a transport
func (n *Node) Expose(api *Value) (*wire.Shape, error) {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if n.exposed != nil {
		return nil, ErrAlreadyExposed
	}
	shape, err := n.serializeLocked(api)
	if err != nil {
		return nil, err
	}
	n.exposed = shape
	return shape, nil
}

// Adopt reconstructs a local mirror of a remote shape. Function leaves
// become proxies that forward invocations to this node's peer. The shape
// is validated first; malformed shapes fail synchronously.
func (n *Node) Adopt(shape *wire.Shape) (*Value, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return n.deserialize(shape), nil
}

// Remote returns the adopted remote API, or false while no init has
// arrived yet.
func (n *Node) Remote() (*Value, bool) {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.remote, n.remote != nil
}

// Ready returns a channel that closes once the first inbound init has
// been adopted. After that, Remote is guaranteed to return the mirror.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// ProtocolErrors exposes the dedicated channel on which protocol
// violations (unknown message types, malformed shapes, repeated init)
// are reported. Protocol errors never tear the node down and are never
// echoed to the peer.
func (n *Node) ProtocolErrors() <-chan error {
	return n.protoErrs
}

// AddListener subscribes fn to the outbound fan-out and returns an id for
// RemoveListener. Every outbound message reaches every listener in offer
// order, whether or not a stream is attached.
func (n *Node) AddListener(fn Listener) int {
	n.mux.Lock()
	defer n.mux.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	return id
}

// RemoveListener drops the subscription with the given id. Removal takes
// effect for the next message; a fan-out already in flight still delivers
// to the previous listener set.
func (n *Node) RemoveListener(id int) {
	n.mux.Lock()
	defer n.mux.Unlock()
	delete(n.listeners, id)
}

// Fail tears the node down after a transport failure: every pending proxy
// call is rejected with a terminal error wrapping cause, both tables are
// cleared, Expose returns ErrClosed, and new proxy calls fail with an
// error wrapping cause.
//
// Called by: transport layer on stream close or error
func (n *Node) Fail(cause error) {
	n.mux.Lock()
	if n.closed {
		n.mux.Unlock()
		return
	}
	n.closed = true
	n.failErr = cause
	pending := n.replies
	n.replies = make(map[wire.Handle]*pendingReply)
	n.methods = make(map[wire.Handle]Func)
	stream := n.stream
	n.mux.Unlock()

	n.cancel()
	for _, p := range pending {
		p.ch <- settlement{err: &transportFailure{cause: cause}}
	}
	if stream != nil {
		stream.shutdown()
	}
	if n.debug {
		log.Printf("[capnode] node failed: %v", cause)
	}
}

// Close tears the node down without an external cause.
func (n *Node) Close() {
	n.Fail(ErrClosed)
}

// transportFailure wraps the terminal cause delivered to pending calls
// when the transport goes away.
type transportFailure struct {
	cause error
}

func (e *transportFailure) Error() string {
	return "capnode: transport failure: " + e.cause.Error()
}

func (e *transportFailure) Unwrap() error { return e.cause }

// send offers a message to the outbound path: fan-out to the listener
// set, then direct push to the stream if the reader is ready, otherwise
// the queue. The send mutex serializes offers so every consumer observes
// the same order.
func (n *Node) send(msg *wire.Message) {
	n.mux.Lock()
	if n.closed {
		n.mux.Unlock()
		if n.debug {
			log.Printf("[capnode] dropping %s after close", msg.Type)
		}
		return
	}
	fns := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	stream := n.stream
	n.mux.Unlock()

	n.sendMux.Lock()
	defer n.sendMux.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
	if stream == nil {
		// No stream yet: park the message for a later drain.
		n.out.Enqueue(msg)
		return
	}
	stream.offer(msg)
}

// registerReply inserts a fresh reply-table entry for an outbound
// invocation.
func (n *Node) registerReply(replyID wire.Handle) (*pendingReply, error) {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.closed {
		return nil, n.closedErr()
	}
	p := &pendingReply{ch: make(chan settlement, 1)}
	n.replies[replyID] = p
	return p, nil
}

// takeReply pops the reply-table entry for a settlement message; ok is
// false for orphan replies.
func (n *Node) takeReply(replyID wire.Handle) (*pendingReply, bool) {
	n.mux.Lock()
	defer n.mux.Unlock()
	p, ok := n.replies[replyID]
	if ok {
		delete(n.replies, replyID)
	}
	return p, ok
}

// evictReply removes a pending entry without settling it, used when a
// caller abandons a call. The reply handle is never reused, so a late
// settlement for it is dropped as an orphan.
func (n *Node) evictReply(replyID wire.Handle) {
	n.mux.Lock()
	defer n.mux.Unlock()
	delete(n.replies, replyID)
}

func (n *Node) closedErr() error {
	if n.failErr != nil && n.failErr != ErrClosed {
		return &transportFailure{cause: n.failErr}
	}
	return ErrClosed
}

// reportProtocolError surfaces a protocol violation on the dedicated
// channel, dropping (with a log line) when no one is draining it.
func (n *Node) reportProtocolError(err error) {
	select {
	case n.protoErrs <- err:
	default:
		log.Printf("[capnode] protocol error dropped: %v", err)
	}
}
