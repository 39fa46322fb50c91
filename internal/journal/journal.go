// Package journal records peer traffic for debugging and replay. Every
// message a connection sends or receives is appended as one immutable
// record; replay walks the records in append order.
//
// Records are stored in badger under monotonically increasing keys and
// encoded with msgpack. The journal can run on disk for daemon use or
// fully in memory for tests and short-lived tools.
package journal

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/capnode/public/wire"
)

// Direction tags a record as outbound or inbound relative to the local
// peer.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// Record is one journaled message.
type Record struct {
	ID        string    `msgpack:"id"`        // record identifier (UUID)
	Conn      string    `msgpack:"conn"`      // transport connection the message belongs to
	Direction Direction `msgpack:"direction"` // sent or received
	At        time.Time `msgpack:"at"`        // local append time
	Payload   []byte    `msgpack:"payload"`   // canonical JSON encoding of the message
}

// Message decodes the journaled payload back into a wire message.
func (r *Record) Message() (*wire.Message, error) {
	return wire.FromJSON(r.Payload)
}

// Journal is an append-only message log backed by badger.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open creates or reopens a journal at path.
func Open(path string) (*Journal, error) {
	return open(badger.DefaultOptions(path).WithLogger(nil))
}

// OpenInMemory creates a journal that lives only as long as the process.
func OpenInMemory() (*Journal, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Journal, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	seq, err := db.GetSequence([]byte("journal/seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: sequence: %w", err)
	}
	return &Journal{db: db, seq: seq}, nil
}

// Append journals one message. The record key carries a monotonic
// sequence number so replay order equals append order.
func (j *Journal) Append(conn string, dir Direction, msg *wire.Message) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("journal: encode message: %w", err)
	}
	rec := Record{
		ID:        uuid.New().String(),
		Conn:      conn,
		Direction: dir,
		At:        time.Now(),
		Payload:   payload,
	}
	val, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("journal: encode record: %w", err)
	}
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("journal: next sequence: %w", err)
	}
	key := []byte(fmt.Sprintf("rec/%020d", n))
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Replay walks all records in append order. Returning an error from fn
// stops the walk and propagates the error.
func (j *Journal) Replay(fn func(*Record) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rec/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := msgpack.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("journal: decode record: %w", err)
				}
				return fn(&rec)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the sequence and the underlying store.
func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		j.db.Close()
		return err
	}
	return j.db.Close()
}
