package capnode

import (
	"context"
	"io"
	"sync"

	"github.com/tenzoki/capnode/public/wire"
)

// DefaultWindow is the number of outbound messages a stream accepts by
// direct push before the sender falls back to the queue. The window only
// shapes batching; ordering and delivery are unaffected.
const DefaultWindow = 32

// Stream is the object-mode duplex face of a node. Writes feed inbound
// messages to the dispatcher; reads deliver outbound messages, draining
// the parked queue first so nothing is lost while the consumer was slow.
//
// The stream tracks a readerReady flag: while the consumer keeps up,
// outbound messages are pushed straight into the read window; once the
// window fills, the flag drops and messages park in the FIFO queue until
// the next read request drains them.
type Stream struct {
	node *Node

	out         chan *wire.Message // direct-push read window
	readerReady bool               // guarded by node.sendMux

	done      chan struct{}
	closeOnce sync.Once
}

// AttachStream creates (or returns) the node's duplex stream. If an API
// has been exposed, the init message announcing it is offered immediately
// and will be the first message a reader sees. A node without an exposed
// API attaches silently; init is only ever sent for a real API.
func (n *Node) AttachStream() *Stream {
	n.mux.Lock()
	if n.stream != nil {
		s := n.stream
		n.mux.Unlock()
		return s
	}
	s := &Stream{
		node: n,
		out:  make(chan *wire.Message, DefaultWindow),
		done: make(chan struct{}),
	}
	n.stream = s
	exposed := n.exposed
	closed := n.closed
	n.mux.Unlock()

	if closed {
		s.shutdown()
		return s
	}
	if exposed != nil {
		if msg, err := wire.NewInit(exposed); err == nil {
			n.send(msg)
		}
	}
	return s
}

// AttachStreamAwaitingInit attaches the stream and additionally returns
// the channel that closes once the first inbound init has been adopted;
// after it closes, Remote returns the peer's mirror.
func (n *Node) AttachStreamAwaitingInit() (*Stream, <-chan struct{}) {
	return n.AttachStream(), n.ready
}

// Write feeds one inbound message to the node's dispatcher. It mirrors
// the dispatcher's contract: failures never propagate to the transport.
func (s *Stream) Write(msg *wire.Message) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	s.node.Receive(msg)
	return nil
}

// Read returns the next outbound message. A message already in the window
// is returned at once; otherwise the read request drains the parked queue
// into the window, restoring direct push once the queue is empty. Read blocks until a message arrives, ctx is done, or the
// stream is torn down (io.EOF after the window empties).
func (s *Stream) Read(ctx context.Context) (*wire.Message, error) {
	// Window first: messages already pushed keep their order.
	select {
	case msg := <-s.out:
		return msg, nil
	default:
	}

	s.drain()

	select {
	case msg := <-s.out:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// Deliver what is still in the window, then signal EOF.
		select {
		case msg := <-s.out:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

// offer places one outbound message, called with the node's send mutex
// held. Direct push requires a ready reader and an empty queue; anything
// else parks the message so FIFO order is preserved.
func (s *Stream) offer(msg *wire.Message) {
	if !s.readerReady || s.node.out.Len() > 0 {
		s.node.out.Enqueue(msg)
		return
	}
	select {
	case s.out <- msg:
	default:
		// Window full: the reader fell behind.
		s.readerReady = false
		s.node.out.Enqueue(msg)
	}
}

// drain moves parked messages into the read window until the window
// refuses, then updates readerReady: true only when the queue emptied.
func (s *Stream) drain() {
	s.node.sendMux.Lock()
	defer s.node.sendMux.Unlock()

	s.node.out.DrainTo(func(msg *wire.Message) bool {
		select {
		case s.out <- msg:
			return true
		default:
			return false
		}
	})
	s.readerReady = s.node.out.Len() == 0
}

// shutdown wakes blocked readers; subsequent writes fail.
func (s *Stream) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Close tears down the stream's node as a transport failure, rejecting
// every pending call.
func (s *Stream) Close() error {
	s.node.Fail(io.ErrClosedPipe)
	return nil
}

// Pipe connects two nodes by moving each side's outbound messages into
// the other side's dispatcher until ctx is done. The first init from each
// side seeds the remote API on the other.
//
// Called by: in-process peer pairs, tests, transport loopback
func Pipe(ctx context.Context, a, b *Node) {
	sa := a.AttachStream()
	sb := b.AttachStream()
	go pump(ctx, sa, sb)
	go pump(ctx, sb, sa)
}

func pump(ctx context.Context, from, to *Stream) {
	for {
		msg, err := from.Read(ctx)
		if err != nil {
			return
		}
		if err := to.Write(msg); err != nil {
			return
		}
	}
}
