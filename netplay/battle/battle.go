// Package battle implements the per-battle state machine: the state that
// lives between start_battle and end_battle, driven by the game-hook trap
// callbacks on the emulator thread. The main_read_joyflags handler is the
// heart of the rollback pipeline: it queues and transmits the local
// input, commits whatever pairs both sides agree on, resimulates through
// the fastforwarder, and hands the guest a dirty state one tick ahead.
package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murkland/tango/emu"
	"github.com/murkland/tango/netplay/input"
	"github.com/murkland/tango/netplay/replay"
)

// State is the battle lifecycle state.
type State int

const (
	StateNegotiating State = iota
	StateActiveNotAccepting
	StateActiveAccepting
	StateEnded
	// StateAborted is entered on queue overflow, enqueue timeout, or a
	// fastforwarder desync: nothing is retried, and the game hooks force
	// get_copy_data_input_state to 4 so the guest shows its own link-lost
	// screen.
	StateAborted
)

// synthPrefillJoyflags marks all bits "unused" on this console family.
const synthPrefillJoyflags = 0xfc00

// turnCountdownTicks is how long a committed turn marshal stays pending
// before take_local_pending_turn surfaces it once.
const turnCountdownTicks = 64

var (
	// ErrQueueOverflow is fatal to the match.
	ErrQueueOverflow = errors.New("battle: queue overflow")
	// ErrEnqueueTimeout is fatal to the match.
	ErrEnqueueTimeout = errors.New("battle: local enqueue timed out")
)

// Fastforwarder is the subset of netplay/fastforward.Fastforwarder that
// Battle needs; kept as an interface here to avoid a dependency cycle
// (fastforward imports battle's sibling packages, not the reverse).
type Fastforwarder interface {
	Fastforward(
		state0 emu.State,
		localPlayerIndex uint8,
		commitPairs []input.Pair,
		lastCommittedRemoteInput input.Input,
		localTail []input.Input,
	) (committedState, dirtyState emu.State, lastPair input.Pair, err error)
}

// Sender transmits a local input to the remote peer.
type Sender interface {
	SendInput(in input.Input) error
}

type pendingTurn struct {
	marshaled []byte
	ticksLeft uint8
}

// Battle is the mutable state of one battle within a match. All mutation
// happens either under mu (trap callbacks on the emulator thread) or via
// the lock-free joyflags atomic (the UI thread).
type Battle struct {
	LocalPlayerIndex uint8
	RemoteDelay      uint32

	Fastforwarder  Fastforwarder
	Sender         Sender
	Snapshot       func() (emu.State, error)
	LoadDirtyState func(emu.State) error
	ReplayWriter   *replay.Writer

	mu                       sync.Mutex
	state                    State
	queue                    *input.Queue
	isAcceptingInput         bool
	lastCommittedRemoteInput input.Input
	lastInput                *input.Pair
	committedState           emu.State
	committedStateReady      chan struct{}
	committedStateReadyOnce  sync.Once
	pending                  *pendingTurn
	tpsAdjustment            int32

	joyflags atomic.Uint32
}

// New creates a fresh Battle in StateNegotiating, armed with a freshly
// created one-shot "committed" signal.
func New(localPlayerIndex uint8, localDelay, remoteDelay uint32, maxQueueLength int, w *replay.Writer) *Battle {
	return &Battle{
		LocalPlayerIndex:    localPlayerIndex,
		RemoteDelay:         remoteDelay,
		ReplayWriter:        w,
		state:               StateNegotiating,
		queue:               input.NewQueue(maxQueueLength, localDelay),
		committedStateReady: make(chan struct{}),
	}
}

// StartBattleFromCommMenu transitions Negotiating -> Active(false), fired
// by the primary trap writing the four menu control bytes.
func (b *Battle) StartBattleFromCommMenu() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateActiveNotAccepting
}

// MarkAcceptingInput transitions Active(false) -> Active(true), fired on
// the first battle_update_copy_input_data trap.
func (b *Battle) MarkAcceptingInput() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isAcceptingInput = true
	b.state = StateActiveAccepting
}

// IsAcceptingInput reports whether the first battle_update trap has fired.
func (b *Battle) IsAcceptingInput() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isAcceptingInput
}

// SetRemoteDelay records the remote peer's input delay, learned from
// their Init packet during the init marshal exchange.
func (b *Battle) SetRemoteDelay(d uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RemoteDelay = d
}

// End transitions to Ended, fired by the battle_ending trap.
func (b *Battle) End() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateEnded
}

// State reports the current lifecycle state.
func (b *Battle) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Aborted reports whether the battle has transitioned to StateAborted.
// The game hooks package polls this to force get_copy_data_input_state.
func (b *Battle) Aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateAborted
}

// abortLocked transitions to StateAborted. Must be called with mu held.
func (b *Battle) abortLocked() {
	b.state = StateAborted
}

// SetJoyflags is called from the UI thread; it stays lock-free so a key
// event never contends with a trap callback holding mu.
func (b *Battle) SetJoyflags(flags uint16) {
	b.joyflags.Store(uint32(flags))
}

func (b *Battle) currentJoyflags() uint16 {
	return uint16(b.joyflags.Load())
}

// AddLocalPendingTurn arms a marshaled turn commit with a 64-tick
// countdown.
func (b *Battle) AddLocalPendingTurn(marshaled []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = &pendingTurn{marshaled: marshaled, ticksLeft: turnCountdownTicks}
}

// TakeLocalPendingTurn decrements the pending countdown on every call and
// returns the marshaled bytes exactly once, on the tick the countdown
// reaches zero.
func (b *Battle) TakeLocalPendingTurn() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		return nil
	}
	if b.pending.ticksLeft > 0 {
		b.pending.ticksLeft--
	}
	if b.pending.ticksLeft == 0 {
		marshaled := b.pending.marshaled
		b.pending = nil
		return marshaled
	}
	return nil
}

// CommittedStateReady is closed exactly once, the instant the first
// committed state snapshot for this battle exists. The transport receive
// loop awaits it before applying remote inputs, so a fast peer can't
// enqueue before the local delay pre-fill has run.
func (b *Battle) CommittedStateReady() <-chan struct{} {
	return b.committedStateReady
}

func (b *Battle) signalCommittedStateReady() {
	b.committedStateReadyOnce.Do(func() { close(b.committedStateReady) })
}

// TPSAdjustment returns the most recently computed FPS offset; the frame
// loop sets the emu FPS target to 60+this value.
func (b *Battle) TPSAdjustment() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tpsAdjustment
}

func computeTPSAdjustment(last input.Pair, localDelay uint32, lastCommittedRemote input.Input, remoteDelay uint32) int32 {
	lhs := int32(last.Local.RemoteTick) - int32(last.Local.LocalTick) - int32(localDelay)
	rhs := int32(lastCommittedRemote.RemoteTick) - int32(lastCommittedRemote.LocalTick) - int32(remoteDelay)
	return lhs - rhs
}

// OnMainReadJoyflags implements the main_read_joyflags trap body:
// pre-fill on the first call, then push+transmit+consume+fastforward on
// every call, the first included. It returns the joyflags value the hook must write into the
// CPU, or an error if the match must abort.
func (b *Battle) OnMainReadJoyflags(currentTick uint32, customScreenState uint8) (uint16, error) {
	b.mu.Lock()
	if b.committedState == nil {
		if err := b.prefillLocked(currentTick); err != nil {
			b.mu.Unlock()
			return 0, err
		}
	}

	// The local input is timestamped local_delay ticks ahead of the
	// current tick: the prefill above owns ticks current..current+delay-1,
	// so the tick this input will actually be consumed on is current+delay.
	turn := b.takeLocalPendingTurnLocked()
	localIn := input.Input{
		LocalTick:         currentTick + b.queue.LocalDelay(),
		RemoteTick:        b.lastCommittedRemoteInput.LocalTick,
		Joyflags:          b.currentJoyflags() | synthPrefillJoyflags,
		CustomScreenState: customScreenState,
		Turn:              turn,
	}
	b.mu.Unlock()

	// pushLocalWithDeadline must not run with mu held: it may retry for up
	// to 5 seconds, and a concurrent AddRemote needs mu in the meantime.
	if err := b.pushLocalWithDeadline(localIn, 5*time.Second); err != nil {
		return 0, err
	}
	if b.Sender != nil {
		if err := b.Sender.SendInput(localIn); err != nil {
			return 0, fmt.Errorf("battle: transmit local input: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pairs, tail := b.queue.ConsumeAndPeekLocal()
	if len(pairs) == 0 {
		return localIn.Joyflags, nil
	}
	// Only a consumed pair's remote is committed; the fastforwarder's last
	// pair may carry a predicted remote and must never end up here.
	b.lastCommittedRemoteInput = pairs[len(pairs)-1].Remote

	committed, dirty, lastPair, err := b.Fastforwarder.Fastforward(
		b.committedState, b.LocalPlayerIndex, pairs, b.lastCommittedRemoteInput, tail,
	)
	if err != nil {
		b.abortLocked()
		return 0, fmt.Errorf("battle: fastforward: %w", err)
	}

	if b.ReplayWriter != nil {
		for _, p := range pairs {
			if err := b.ReplayWriter.WritePair(p); err != nil {
				return 0, fmt.Errorf("battle: write replay pair: %w", err)
			}
		}
	}

	b.committedState = committed
	b.lastInput = &lastPair
	b.tpsAdjustment = computeTPSAdjustment(lastPair, b.queue.LocalDelay(), b.lastCommittedRemoteInput, b.RemoteDelay)

	if b.LoadDirtyState != nil {
		if err := b.LoadDirtyState(dirty); err != nil {
			return 0, fmt.Errorf("battle: load dirty state: %w", err)
		}
	}

	return b.lastInput.Local.Joyflags, nil
}

func (b *Battle) prefillLocked(currentTick uint32) error {
	localDelay := b.queue.LocalDelay()
	for i := uint32(0); i < localDelay; i++ {
		b.queue.AddLocal(input.Input{
			LocalTick: currentTick + i,
			Joyflags:  synthPrefillJoyflags,
		})
	}
	for i := uint32(0); i < b.RemoteDelay; i++ {
		b.queue.AddRemote(input.Input{
			LocalTick: currentTick + i,
			Joyflags:  synthPrefillJoyflags,
		})
	}

	state, err := b.Snapshot()
	if err != nil {
		return fmt.Errorf("battle: snapshot committed state: %w", err)
	}
	b.committedState = state

	if b.ReplayWriter != nil {
		if err := b.ReplayWriter.WriteState(state.Bytes()); err != nil {
			return fmt.Errorf("battle: write replay state: %w", err)
		}
	}

	b.signalCommittedStateReady()
	return nil
}

func (b *Battle) takeLocalPendingTurnLocked() []byte {
	if b.pending == nil {
		return nil
	}
	if b.pending.ticksLeft > 0 {
		b.pending.ticksLeft--
	}
	if b.pending.ticksLeft == 0 {
		marshaled := b.pending.marshaled
		b.pending = nil
		return marshaled
	}
	return nil
}

// pushLocalWithDeadline retries AddLocal until it succeeds or deadline
// elapses; a timeout aborts the match. It must NOT be called with mu held:
// it takes the lock only for each individual attempt and releases it
// between retries, so a concurrent AddRemote is never blocked behind the
// wait. AddRemote only fills the remote deque; local entries leave the
// queue only through ConsumeAndPeekLocal.
func (b *Battle) pushLocalWithDeadline(in input.Input, deadline time.Duration) error {
	tryAdd := func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.queue.AddLocal(in)
	}

	if tryAdd() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.abortLocked()
			b.mu.Unlock()
			return ErrEnqueueTimeout
		case <-ticker.C:
			if tryAdd() {
				return nil
			}
		}
	}
}

// AddRemote enqueues a remotely-received input; false means the remote
// deque overflowed, which is fatal to the match (ErrQueueOverflow).
func (b *Battle) AddRemote(in input.Input) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.queue.AddRemote(in) {
		b.abortLocked()
		return ErrQueueOverflow
	}
	return nil
}

// LastInput returns the most recently committed pair, if any.
func (b *Battle) LastInput() *input.Pair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastInput
}
