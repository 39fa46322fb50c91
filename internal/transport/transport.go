// Package transport connects capnode peers over TCP. It is the framing
// collaborator the core assumes: an ordered, reliable, bidirectional
// message channel. Each connection carries one node; the transport pumps
// decoded messages into the node's stream and drains the stream's
// outbound side onto the socket.
//
// Key Features:
// - Listener accept loop with one goroutine per connection
// - Per-connection encoder/decoder pairs ("json" or "msgpack" framing)
// - Node teardown on connection loss (pending calls rejected)
// - Optional message journal recording traffic in both directions
//
// Called by: peer daemon, integration tests
// Calls: capnode runtime, net, encoding/json, msgpack
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/capnode/internal/journal"
	"github.com/tenzoki/capnode/public/capnode"
	"github.com/tenzoki/capnode/public/wire"
)

// Codec selects the connection framing.
type Codec string

const (
	CodecJSON    Codec = "json"    // one JSON object per message, the wire format verbatim
	CodecMsgpack Codec = "msgpack" // canonical JSON message framed as a msgpack binary
)

// Config holds per-connection transport settings.
type Config struct {
	Codec   Codec            // framing, defaults to CodecJSON
	Debug   bool             // log connection lifecycle and pump errors
	Journal *journal.Journal // optional traffic journal, may be nil
}

// Peer is one side of a live connection: a node bound to a socket with
// its encoder/decoder pair.
type Peer struct {
	ID     string // connection identifier for logs and the journal
	conn   net.Conn
	node   *capnode.Node
	stream *capnode.Stream
	enc    encoder
	dec    decoder
	cfg    Config
}

// encoder and decoder abstract over the two framings; both the JSON and
// msgpack codecs satisfy them with their stream types.
type encoder interface{ Encode(v interface{}) error }
type decoder interface{ Decode(v interface{}) error }

// msgpackCodec frames the canonical JSON encoding of each message as one
// msgpack binary value. The protocol grammar stays identical across
// codecs; only the framing differs.
type msgpackCodec struct {
	enc *msgpack.Encoder
	dec *msgpack.Decoder
}

func (c *msgpackCodec) Encode(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enc.Encode(raw)
}

func (c *msgpackCodec) Decode(v interface{}) error {
	var raw []byte
	if err := c.dec.Decode(&raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// NewPeer binds a node to an established connection. The node's stream is
// attached here, so an exposed API's init message is the first thing the
// remote side receives.
func NewPeer(conn net.Conn, node *capnode.Node, cfg Config) (*Peer, error) {
	if cfg.Codec == "" {
		cfg.Codec = CodecJSON
	}
	p := &Peer{
		ID:     uuid.New().String(),
		conn:   conn,
		node:   node,
		stream: node.AttachStream(),
		cfg:    cfg,
	}
	switch cfg.Codec {
	case CodecJSON:
		p.enc = json.NewEncoder(conn)
		p.dec = json.NewDecoder(conn)
	case CodecMsgpack:
		codec := &msgpackCodec{
			enc: msgpack.NewEncoder(conn),
			dec: msgpack.NewDecoder(conn),
		}
		p.enc = codec
		p.dec = codec
	default:
		return nil, fmt.Errorf("transport: unknown codec %q", cfg.Codec)
	}
	return p, nil
}

// Run pumps messages in both directions until the connection drops or ctx
// is done, then tears the node down so every pending call is rejected.
//
// Called by: Serve for accepted connections, Dial callers
func (p *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- p.readLoop() }()
	go func() { errs <- p.writeLoop(ctx) }()

	var err error
	select {
	case err = <-errs:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.conn.Close()
	cancel()
	p.node.Fail(fmt.Errorf("transport: connection %s lost: %w", p.ID, err))
	if p.cfg.Debug {
		log.Printf("[transport] connection %s closed: %v", p.ID, err)
	}
	return err
}

// readLoop decodes inbound frames and feeds them to the dispatcher in
// arrival order.
func (p *Peer) readLoop() error {
	for {
		var msg wire.Message
		if err := p.dec.Decode(&msg); err != nil {
			return err
		}
		p.record(journal.Received, &msg)
		if err := p.stream.Write(&msg); err != nil {
			return err
		}
	}
}

// writeLoop drains the node's outbound stream onto the socket. Socket
// writes are the backpressure signal: while a write blocks, no further
// reads are requested and outbound messages park in the node's queue.
func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		msg, err := p.stream.Read(ctx)
		if err != nil {
			return err
		}
		p.record(journal.Sent, msg)
		if err := p.enc.Encode(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) record(dir journal.Direction, msg *wire.Message) {
	if p.cfg.Journal == nil {
		return
	}
	if err := p.cfg.Journal.Append(p.ID, dir, msg); err != nil && p.cfg.Debug {
		log.Printf("[transport] journal append failed: %v", err)
	}
}

// Serve accepts connections until ctx is done. Every accepted connection
// gets a fresh node from newNode, so each remote peer talks to its own
// method and reply tables.
//
// Parameters:
//   - ctx: lifecycle; cancelling closes the listener
//   - ln: accepting listener, closed on return
//   - cfg: per-connection transport settings
//   - newNode: factory producing an exposed node per connection
//
// Called by: peer daemon serve mode
func Serve(ctx context.Context, ln net.Listener, cfg Config, newNode func() *capnode.Node) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		peer, err := NewPeer(conn, newNode(), cfg)
		if err != nil {
			conn.Close()
			return err
		}
		if cfg.Debug {
			log.Printf("[transport] accepted connection %s from %s", peer.ID, conn.RemoteAddr())
		}
		go peer.Run(ctx)
	}
}

// Dial connects a node to a remote peer and starts the pumps in the
// background. The returned peer's node will adopt the remote API when its
// init arrives; wait on the node's Ready channel.
func Dial(ctx context.Context, address string, node *capnode.Node, cfg Config) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}
	peer, err := NewPeer(conn, node, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go peer.Run(ctx)
	return peer, nil
}
