// Package wire defines the on-the-wire protocol for capnode peers: opaque
// capability handles, the recursive shape description of exported value
// trees, and the four message kinds exchanged over a duplex channel.
//
// The wire format is JSON-compatible. Every message is a single JSON object
// with a "type" discriminator; shapes nest arbitrarily deep. Function leaves
// never travel as code - they travel as handles that the receiving side
// resolves against its peer's method table.
//
// Key Features:
// - Cryptographically random capability handles (160 bits, hex-encoded)
// - Recursive shape encoding for mixed value/capability trees
// - Init / invocation / return / error message kinds with raw payloads
// - Typed validation errors for malformed wire data
//
// Called by: capnode runtime, transport layer, peer daemon
// Calls: crypto/rand, encoding/json
package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// HandleBytes is the entropy carried by a handle. 20 random bytes render as
// 40 hex characters and keep the collision probability negligible for the
// lifetime of a peer, even across millions of exported capabilities.
const HandleBytes = 20

// Handle is an opaque identifier for an exported function or a pending
// reply. Handles are process-unique, drawn from a CSPRNG, and never reused
// within a session.
type Handle string

// NewHandle allocates a fresh random handle.
//
// The handle is read from crypto/rand; a failure there means the platform's
// entropy source is broken, which is not a recoverable condition for a
// capability system, so this panics rather than returning an error.
//
// Called by: serializer (method registration), proxies (reply IDs)
func NewHandle() Handle {
	buf := make([]byte, HandleBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("wire: entropy source unavailable: %v", err))
	}
	return Handle(hex.EncodeToString(buf))
}

// Valid reports whether the handle is at least 2*HandleBytes characters
// long and hex-encoded. Inbound handles are validated before table lookups so that
// malformed wire data surfaces as a protocol error instead of a silent miss.
func (h Handle) Valid() bool {
	if len(h) < 2*HandleBytes {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func (h Handle) String() string { return string(h) }
