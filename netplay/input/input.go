// Package input implements the paired input queue: the bounded,
// non-blocking structure that turns independently-arriving local and
// remote inputs into committed pairs once both sides have caught up to a
// given in-battle tick.
package input

// Input is one side's contribution for a single battle tick.
type Input struct {
	LocalTick         uint32
	RemoteTick        uint32
	Joyflags          uint16
	CustomScreenState uint8
	Turn              []byte
}

// Pair is a fully committed tick: both sides' Input for the same
// LocalTick.
type Pair struct {
	Local  Input
	Remote Input
}

// Queue holds two monotonic deques, one per side, drained in lockstep by
// ConsumeAndPeekLocal. Callers are responsible for pushing strictly
// increasing LocalTick values; the queue never reorders.
type Queue struct {
	maxLength  int
	localDelay uint32
	local      []Input
	remote     []Input
}

// NewQueue creates a queue bounded to maxLength entries per side, with a
// local input delay fixed for the life of the queue.
func NewQueue(maxLength int, localDelay uint32) *Queue {
	return &Queue{
		maxLength:  maxLength,
		localDelay: localDelay,
	}
}

// LocalDelay returns the queue's immutable local input delay.
func (q *Queue) LocalDelay() uint32 {
	return q.localDelay
}

// AddLocal appends a locally-produced input. It returns false without
// mutating the queue if doing so would exceed max_length; the caller must
// treat that as a fatal queue overflow and abort the match.
func (q *Queue) AddLocal(in Input) bool {
	if len(q.local) >= q.maxLength {
		return false
	}
	q.local = append(q.local, in)
	return true
}

// AddRemote appends a remotely-received input. Same overflow contract as
// AddLocal.
func (q *Queue) AddRemote(in Input) bool {
	if len(q.remote) >= q.maxLength {
		return false
	}
	q.remote = append(q.remote, in)
	return true
}

// ConsumeAndPeekLocal atomically drains min(len(local)-local_delay,
// len(remote)) pairs from the head of both deques and returns them,
// together with a cloned view of the remaining local tail — the
// speculative local inputs that have no remote counterpart yet.
func (q *Queue) ConsumeAndPeekLocal() (pairs []Pair, tail []Input) {
	avail := len(q.local) - int(q.localDelay)
	if avail < 0 {
		avail = 0
	}
	n := avail
	if len(q.remote) < n {
		n = len(q.remote)
	}

	pairs = make([]Pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = Pair{Local: q.local[i], Remote: q.remote[i]}
	}
	q.local = q.local[n:]
	q.remote = q.remote[n:]

	tailLen := len(q.local) - int(q.localDelay)
	if tailLen < 0 {
		tailLen = 0
	}
	tail = make([]Input, tailLen)
	copy(tail, q.local[:tailLen])

	return pairs, tail
}
