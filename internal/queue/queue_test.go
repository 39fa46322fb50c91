package queue

import (
	"testing"

	"github.com/tenzoki/capnode/public/wire"
)

func TestDrainPreservesFIFO(t *testing.T) {
	q := New()
	handles := make([]wire.Handle, 10)
	for i := range handles {
		handles[i] = wire.NewHandle()
		q.Enqueue(wire.NewInvocation(handles[i], nil, wire.NewHandle()))
	}
	if q.Len() != 10 {
		t.Fatalf("Len = %d, want 10", q.Len())
	}

	var got []wire.Handle
	n := q.DrainTo(func(m *wire.Message) bool {
		got = append(got, m.MethodID)
		return true
	})
	if n != 10 || q.Len() != 0 {
		t.Fatalf("drained %d, remaining %d", n, q.Len())
	}
	for i, h := range handles {
		if got[i] != h {
			t.Fatalf("position %d: got %q want %q", i, got[i], h)
		}
	}
}

// A refusing sink must leave the refused message at the head for the next
// drain pass.
func TestDrainStopsWhenSinkRefuses(t *testing.T) {
	q := New()
	first := wire.NewHandle()
	second := wire.NewHandle()
	q.Enqueue(wire.NewInvocation(first, nil, wire.NewHandle()))
	q.Enqueue(wire.NewInvocation(second, nil, wire.NewHandle()))

	accepted := 0
	n := q.DrainTo(func(m *wire.Message) bool {
		if accepted == 1 {
			return false
		}
		accepted++
		return true
	})
	if n != 1 || q.Len() != 1 {
		t.Fatalf("delivered %d, remaining %d; want 1 and 1", n, q.Len())
	}

	q.DrainTo(func(m *wire.Message) bool {
		if m.MethodID != second {
			t.Errorf("head after partial drain = %q, want %q", m.MethodID, second)
		}
		return true
	})
}
