// Package fastforward implements the rollback engine's resimulator: a
// second, privately-owned emulator instance that deterministically
// replays from a committed state through a run of known and predicted
// inputs, producing the next committed state, a one-tick-ahead "dirty"
// state for immediate display, and the last input pair processed.
package fastforward

import (
	"errors"
	"fmt"
	"sync"

	"github.com/murkland/tango/emu"
	"github.com/murkland/tango/emu/trap"
	"github.com/murkland/tango/netplay/hooks"
	"github.com/murkland/tango/netplay/input"
)

// ErrDesync is returned when a pair's local_tick doesn't match the
// expected in-battle tick or the remote's own local_tick.
var ErrDesync = errors.New("fastforward: desync detected")

// predictedRemoteMask keeps only the A and B buttons from the last known
// remote input when synthesizing speculative pairs: holding A/B just
// advances menus, while predicting any other bit would cause phantom
// movement during rollback.
const predictedRemoteMask = buttonA | buttonB

const (
	buttonA = 1 << 0
	buttonB = 1 << 1
)

// runState is the state of one in-flight Fastforward call, shared with
// the trap handlers installed at construction time.
type runState struct {
	localPlayerIndex uint8
	pairs            []input.Pair
	cursor           int
	commitTime       uint32
	dirtyTime        uint32
	committedState   emu.State
	dirtyState       emu.State
	err              error
}

// Fastforwarder owns a private emulator instance loaded with the same ROM
// but no save; it is never shared and is locked for the duration of one
// Fastforward call.
type Fastforwarder struct {
	mu    sync.Mutex
	core  emu.Core
	off   hooks.ROMOffsets
	table *trap.Table
	st    *runState
}

// New wires a private emulator instance for fastforwarding, installing
// the playback hook set once. The core must already have the correct ROM
// loaded (no save).
func New(core emu.Core, off hooks.ROMOffsets) (*Fastforwarder, error) {
	f := &Fastforwarder{
		core:  core,
		off:   off,
		table: trap.NewTable(nil),
	}

	adapter := trap.CoreAdapter{Core: core}
	err := hooks.InstallFastforwarderHooks(
		f.table, adapter, off,
		func() uint8 {
			if f.st == nil {
				return 0
			}
			return f.st.localPlayerIndex
		},
		f.onReadJoyflags,
		f.onCopyInputData,
	)
	if err != nil {
		return nil, fmt.Errorf("fastforward: install hooks: %w", err)
	}
	return f, nil
}

// BuildAllPairs appends a synthesized speculative pair for each local
// tail input to the known commit pairs: the predicted remote keeps only
// the A/B bits of lastCommittedRemoteInput's joyflags and carries an
// empty turn.
func BuildAllPairs(commitPairs []input.Pair, localTail []input.Input, lastCommittedRemoteInput input.Input) []input.Pair {
	allPairs := make([]input.Pair, 0, len(commitPairs)+len(localTail))
	allPairs = append(allPairs, commitPairs...)
	for _, local := range localTail {
		predictedRemote := input.Input{
			LocalTick:  local.LocalTick,
			RemoteTick: lastCommittedRemoteInput.RemoteTick,
			Joyflags:   lastCommittedRemoteInput.Joyflags & predictedRemoteMask,
		}
		allPairs = append(allPairs, input.Pair{Local: local, Remote: predictedRemote})
	}
	return allPairs
}

func (f *Fastforwarder) onReadJoyflags(c trap.BreakpointCore, tick uint32) (bool, uint16) {
	st := f.st
	if st == nil || st.err != nil {
		return false, 0
	}

	if tick == st.commitTime {
		state, err := f.core.SaveState()
		if err != nil {
			st.err = fmt.Errorf("fastforward: snapshot committed state: %w", err)
			return false, 0
		}
		st.committedState = state
	}
	if tick == st.dirtyTime {
		state, err := f.core.SaveState()
		if err != nil {
			st.err = fmt.Errorf("fastforward: snapshot dirty state: %w", err)
			return false, 0
		}
		st.dirtyState = state
	}

	if st.cursor >= len(st.pairs) {
		return false, 0
	}
	pair := st.pairs[st.cursor]
	if pair.Local.LocalTick != pair.Remote.LocalTick || pair.Local.LocalTick != tick {
		st.err = ErrDesync
		return false, 0
	}
	return true, pair.Local.Joyflags
}

func (f *Fastforwarder) onCopyInputData(c trap.BreakpointCore) {
	st := f.st
	if st == nil || st.err != nil || st.cursor >= len(st.pairs) {
		return
	}
	pair := st.pairs[st.cursor]
	st.cursor++

	localIndex := uint32(st.localPlayerIndex)
	remoteIndex := 1 - localIndex

	hooks.SetPlayerInputState(c, f.off, localIndex, pair.Local.Joyflags, pair.Local.CustomScreenState)
	if len(pair.Local.Turn) > 0 {
		hooks.SetPlayerMarshaledBattleState(c, f.off, localIndex, pair.Local.Turn)
	}
	hooks.SetPlayerInputState(c, f.off, remoteIndex, pair.Remote.Joyflags, pair.Remote.CustomScreenState)
	if len(pair.Remote.Turn) > 0 {
		hooks.SetPlayerMarshaledBattleState(c, f.off, remoteIndex, pair.Remote.Turn)
	}
}

// Fastforward loads state0 and drives the private core forward one frame
// at a time, applying each pair as its tick comes up, then returns the
// new committed state, the dirty state, and the last pair processed.
// Identical inputs always yield byte-identical snapshots; both peers
// depend on that to stay in lockstep.
func (f *Fastforwarder) Fastforward(
	state0 emu.State,
	localPlayerIndex uint8,
	commitPairs []input.Pair,
	lastCommittedRemoteInput input.Input,
	localTail []input.Input,
) (committedState, dirtyState emu.State, lastPair input.Pair, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.core.LoadState(state0); err != nil {
		return nil, nil, input.Pair{}, fmt.Errorf("fastforward: load state0: %w", err)
	}

	adapter := trap.CoreAdapter{Core: f.core}
	startTick := hooks.InBattleTime(adapter, f.off)

	allPairs := BuildAllPairs(commitPairs, localTail, lastCommittedRemoteInput)
	if len(allPairs) == 0 {
		return nil, nil, input.Pair{}, fmt.Errorf("fastforward: no pairs to process")
	}

	f.st = &runState{
		localPlayerIndex: localPlayerIndex,
		pairs:            allPairs,
		commitTime:       startTick + uint32(len(commitPairs)),
		dirtyTime:        startTick + uint32(len(allPairs)) - 1,
	}
	defer func() { f.st = nil }()

	// Each frame fires the main_read_joyflags and copy-input traps once;
	// the bound keeps a runaway guest from spinning forever if a snapshot
	// tick is never reached.
	const maxFrames = 65536
	for i := 0; i < maxFrames; i++ {
		f.core.RunFrame()
		if f.st.err != nil {
			return nil, nil, input.Pair{}, f.st.err
		}
		if f.st.committedState != nil && f.st.dirtyState != nil {
			break
		}
	}
	if f.st.committedState == nil || f.st.dirtyState == nil {
		return nil, nil, input.Pair{}, fmt.Errorf("fastforward: exceeded frame bound without taking both snapshots")
	}

	return f.st.committedState, f.st.dirtyState, allPairs[len(allPairs)-1], nil
}
