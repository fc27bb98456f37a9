package input

import "testing"

func TestQueueOverflow(t *testing.T) {
	q := NewQueue(2, 0)
	if !q.AddLocal(Input{LocalTick: 0}) {
		t.Fatalf("first AddLocal should succeed")
	}
	if !q.AddLocal(Input{LocalTick: 1}) {
		t.Fatalf("second AddLocal should succeed")
	}
	if q.AddLocal(Input{LocalTick: 2}) {
		t.Fatalf("third AddLocal should overflow and return false")
	}
}

func TestConsumeAndPeekLocalNoDelay(t *testing.T) {
	q := NewQueue(120, 0)
	for i := uint32(0); i < 3; i++ {
		q.AddLocal(Input{LocalTick: i, Joyflags: 1})
	}
	for i := uint32(0); i < 2; i++ {
		q.AddRemote(Input{LocalTick: i, Joyflags: 2})
	}

	pairs, tail := q.ConsumeAndPeekLocal()
	if len(pairs) != 2 {
		t.Fatalf("expected 2 committed pairs, got %d", len(pairs))
	}
	for i, p := range pairs {
		if p.Local.LocalTick != uint32(i) || p.Remote.LocalTick != uint32(i) {
			t.Fatalf("pair %d has mismatched ticks: %+v", i, p)
		}
	}
	if len(tail) != 1 {
		t.Fatalf("expected 1 speculative local tail entry, got %d", len(tail))
	}
	if tail[0].LocalTick != 2 {
		t.Fatalf("expected tail tick 2, got %d", tail[0].LocalTick)
	}
}

func TestConsumeAndPeekLocalWithDelay(t *testing.T) {
	q := NewQueue(120, 2)
	for i := uint32(0); i < 3; i++ {
		q.AddLocal(Input{LocalTick: i})
	}
	for i := uint32(0); i < 3; i++ {
		q.AddRemote(Input{LocalTick: i})
	}

	// local_delay=2, local has 3 entries => avail=1; remote has 3 => n=min(1,3)=1.
	pairs, tail := q.ConsumeAndPeekLocal()
	if len(pairs) != 1 {
		t.Fatalf("expected 1 committed pair under delay, got %d", len(pairs))
	}
	// remaining local has 2 entries, local_delay=2 => tail is empty.
	if len(tail) != 0 {
		t.Fatalf("expected empty tail, got %d entries", len(tail))
	}
}

func TestConsumeAndPeekLocalNoRemote(t *testing.T) {
	q := NewQueue(120, 0)
	q.AddLocal(Input{LocalTick: 0})
	q.AddLocal(Input{LocalTick: 1})

	pairs, tail := q.ConsumeAndPeekLocal()
	if len(pairs) != 0 {
		t.Fatalf("expected no committed pairs without remote input, got %d", len(pairs))
	}
	if len(tail) != 2 {
		t.Fatalf("expected both local inputs in speculative tail, got %d", len(tail))
	}
}

// TestQueueOverflowInterleaved fills one side past capacity, then checks
// consume and peek against a queue of capacity 4 with a local delay of 2.
func TestQueueOverflowInterleaved(t *testing.T) {
	q := NewQueue(4, 2)

	wantAdds := []bool{true, true, true, true, false, false}
	for i, want := range wantAdds {
		if got := q.AddLocal(Input{LocalTick: uint32(i)}); got != want {
			t.Fatalf("AddLocal #%d = %v, want %v", i, got, want)
		}
	}
	for i := uint32(0); i < 4; i++ {
		if !q.AddRemote(Input{LocalTick: i}) {
			t.Fatalf("AddRemote #%d overflowed unexpectedly", i)
		}
	}

	pairs, tail := q.ConsumeAndPeekLocal()
	if len(pairs) != 2 {
		t.Fatalf("consumed %d pairs, want min(4-2, 4) = 2", len(pairs))
	}
	// Two local entries remain, but both are still inside the delay
	// window: max(0, 2-2) = 0 speculative entries.
	if len(tail) != 0 {
		t.Fatalf("speculative tail has %d entries, want 0", len(tail))
	}
}
