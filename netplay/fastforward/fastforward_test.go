package fastforward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/murkland/tango/emu"
	"github.com/murkland/tango/emu/trap"
	"github.com/murkland/tango/netplay/hooks"
	"github.com/murkland/tango/netplay/input"
	"github.com/murkland/tango/netplay/replay"
)

// ffTestOffsets is a standalone fixture with distinct addresses for every
// address InstallFastforwarderHooks traps.
var ffTestOffsets = hooks.ROMOffsets{
	EWRAM: hooks.EWRAMOffsets{
		PlayerInputDataArr:        0x1000,
		BattleState:               0x1100,
		LocalMarshaledBattleState: 0x1200,
		PlayerMarshaledStateArr:   0x1400,
		MenuControl:               0x1800,
	},
	MainReadJoyflags:                    0x2000,
	GetCopyDataInputStateRet:            0x2010,
	BattleUpdateCallBattleCopyInputData: 0x2030,
	BattleIsP2Tst:                       0x20a0,
	LinkIsP2Ret:                         0x20b0,

	CommMenuInBattleCallCommMenuHandleLinkCableInput: 0x2100,
}

type ffCPU struct {
	gpr [16]int32
	pc  uint32
}

func (c *ffCPU) GPR(n int) int32       { return c.gpr[n] }
func (c *ffCPU) SetGPR(n int, v int32) { c.gpr[n] = v }
func (c *ffCPU) PC() uint32            { return c.pc }
func (c *ffCPU) SetPC(pc uint32)       { c.pc = pc }

type ffState struct {
	tick uint32
}

func (s ffState) Bytes() []byte    { return []byte(fmt.Sprintf("tick%d", s.tick)) }
func (s ffState) RomTitle() string { return "TESTROM" }
func (s ffState) RomCRC32() uint32 { return 0xdeadbeef }

// fakeFFCore is a minimal emu.Core that drives the trap table installed by
// New directly: each RunFrame call fires the main_read_joyflags and
// battle_update_copy_input_data breakpoints for the current tick, the way
// a real emulator's breakpoint dispatch would once it reaches those
// addresses, then advances the in-battle tick counter.
type fakeFFCore struct {
	mem   map[uint32]byte
	cpu   *ffCPU
	tick  uint32
	off   hooks.ROMOffsets
	table *trap.Table
}

func newFakeFFCore(off hooks.ROMOffsets) *fakeFFCore {
	return &fakeFFCore{mem: make(map[uint32]byte), cpu: &ffCPU{}, off: off}
}

func (c *fakeFFCore) LoadROM(ctx context.Context, data []byte) error  { return nil }
func (c *fakeFFCore) LoadSave(ctx context.Context, data []byte) error { return nil }
func (c *fakeFFCore) Reset()                                          {}

func (c *fakeFFCore) RunFrame() {
	adapter := trap.CoreAdapter{Core: c}

	c.cpu.SetPC(c.off.MainReadJoyflags + 4)
	c.table.OnBreakpoint(adapter)

	c.cpu.SetPC(c.off.BattleUpdateCallBattleCopyInputData + 4)
	c.table.OnBreakpoint(adapter)

	c.tick++
}

func (c *fakeFFCore) SaveState() (emu.State, error) { return ffState{tick: c.tick}, nil }
func (c *fakeFFCore) LoadState(s emu.State) error {
	c.tick = s.(ffState).tick
	return nil
}
func (c *fakeFFCore) RawRead8(addr uint32) uint8 { return c.mem[addr] }

// RawRead16/RawRead32 serve the battle-state tick counter dynamically off
// c.tick so InBattleTime sees the right value whether it's called directly
// (Fastforward's start-tick read, before any RunFrame) or through a trap
// fired from inside RunFrame.
func (c *fakeFFCore) RawRead16(addr uint32) uint16 {
	return uint16(c.mem[addr]) | uint16(c.mem[addr+1])<<8
}
func (c *fakeFFCore) RawRead32(addr uint32) uint32 {
	if addr == c.off.EWRAM.BattleState+0x60 {
		return c.tick
	}
	return uint32(c.RawRead16(addr)) | uint32(c.RawRead16(addr+2))<<16
}
func (c *fakeFFCore) RawWrite8(addr uint32, v uint8) { c.mem[addr] = v }
func (c *fakeFFCore) RawWrite16(addr uint32, v uint16) {
	c.mem[addr] = byte(v)
	c.mem[addr+1] = byte(v >> 8)
}
func (c *fakeFFCore) RawWrite32(addr uint32, v uint32) {
	c.RawWrite16(addr, uint16(v))
	c.RawWrite16(addr+2, uint16(v>>16))
}
func (c *fakeFFCore) RawReadRange(addr uint32, out []byte) {
	for i := range out {
		out[i] = c.mem[addr+uint32(i)]
	}
}
func (c *fakeFFCore) RawWriteRange(addr uint32, data []byte) {
	for i, b := range data {
		c.mem[addr+uint32(i)] = b
	}
}
func (c *fakeFFCore) CPU() emu.CPU                        { return c.cpu }
func (c *fakeFFCore) SetAudioBufferSize(samples int)      {}
func (c *fakeFFCore) AudioChannel(i int) emu.AudioChannel { return nil }
func (c *fakeFFCore) Sync() emu.Sync                      { return nil }
func (c *fakeFFCore) RomTitle() string                    { return "TESTROM" }
func (c *fakeFFCore) RomCRC32() uint32                    { return 0xdeadbeef }

func TestBuildAllPairsPredictedRemoteMasksToAB(t *testing.T) {
	lastCommittedRemote := input.Input{
		LocalTick:  99,
		RemoteTick: 50,
		Joyflags:   0xffff, // every bit set, so any unmasked bit would show.
	}
	localTail := []input.Input{
		{LocalTick: 104, Joyflags: 0x10},
		{LocalTick: 105, Joyflags: 0x20},
	}

	pairs := BuildAllPairs(nil, localTail, lastCommittedRemote)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 synthesized pairs, got %d", len(pairs))
	}
	for i, p := range pairs {
		if p.Remote.Joyflags != predictedRemoteMask {
			t.Errorf("pair %d predicted remote joyflags = 0x%x, want only A|B bits (0x%x)", i, p.Remote.Joyflags, predictedRemoteMask)
		}
		if len(p.Remote.Turn) != 0 {
			t.Errorf("pair %d predicted remote turn should be empty, got %v", i, p.Remote.Turn)
		}
		if p.Local.LocalTick != localTail[i].LocalTick {
			t.Errorf("pair %d local tick mismatch: got %d want %d", i, p.Local.LocalTick, localTail[i].LocalTick)
		}
	}
}

func TestBuildAllPairsKeepsKnownCommitPairsUnchanged(t *testing.T) {
	commitPairs := []input.Pair{
		{Local: input.Input{LocalTick: 100, Joyflags: 1}, Remote: input.Input{LocalTick: 100, Joyflags: 2}},
		{Local: input.Input{LocalTick: 101, Joyflags: 3}, Remote: input.Input{LocalTick: 101, Joyflags: 4}},
	}

	pairs := BuildAllPairs(commitPairs, nil, input.Input{})
	if len(pairs) != len(commitPairs) {
		t.Fatalf("expected %d pairs with no local tail, got %d", len(commitPairs), len(pairs))
	}
	for i, p := range pairs {
		want := commitPairs[i]
		if p.Local.LocalTick != want.Local.LocalTick || p.Local.Joyflags != want.Local.Joyflags ||
			p.Remote.LocalTick != want.Remote.LocalTick || p.Remote.Joyflags != want.Remote.Joyflags {
			t.Errorf("pair %d was mutated: got %+v want %+v", i, p, want)
		}
	}
}

// TestFastforwardCommitsAtExpectedTicks drives Fastforward through a fake
// core that fires the installed trap breakpoints on every RunFrame, the
// way a real emulator's breakpoint dispatch would: three known commit
// pairs at ticks 100-102 followed by three predicted pairs at ticks
// 103-105, checking the committed snapshot lands one tick past the last
// known pair and the dirty snapshot on the last predicted tick. A second
// run from the same state must reuse the installed hooks and produce
// byte-identical snapshots.
func TestFastforwardCommitsAtExpectedTicks(t *testing.T) {
	core := newFakeFFCore(ffTestOffsets)
	core.tick = 100

	ff, err := New(core, ffTestOffsets)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	core.table = ff.table

	commitPairs := []input.Pair{
		{Local: input.Input{LocalTick: 100, Joyflags: 1}, Remote: input.Input{LocalTick: 100, Joyflags: 1}},
		{Local: input.Input{LocalTick: 101, Joyflags: 2}, Remote: input.Input{LocalTick: 101, Joyflags: 2}},
		{Local: input.Input{LocalTick: 102, Joyflags: 3}, Remote: input.Input{LocalTick: 102, Joyflags: 3}},
	}
	localTail := []input.Input{
		{LocalTick: 103, Joyflags: 4},
		{LocalTick: 104, Joyflags: 5},
		{LocalTick: 105, Joyflags: 6},
	}
	lastCommittedRemote := input.Input{LocalTick: 102, RemoteTick: 102, Joyflags: 3}

	committed, dirty, lastPair, err := ff.Fastforward(ffState{tick: 100}, 0, commitPairs, lastCommittedRemote, localTail)
	if err != nil {
		t.Fatalf("Fastforward: %v", err)
	}
	if lastPair.Local.LocalTick != 105 {
		t.Fatalf("expected last pair at tick 105, got %d", lastPair.Local.LocalTick)
	}
	if got := string(committed.Bytes()); got != "tick103" {
		t.Fatalf("expected committed state snapshot at tick 103, got %q", got)
	}
	if got := string(dirty.Bytes()); got != "tick105" {
		t.Fatalf("expected dirty state snapshot at tick 105, got %q", got)
	}

	// Second resimulation from the same inputs: same hooks, same results.
	committed2, dirty2, _, err := ff.Fastforward(ffState{tick: 100}, 0, commitPairs, lastCommittedRemote, localTail)
	if err != nil {
		t.Fatalf("second Fastforward: %v", err)
	}
	if string(committed2.Bytes()) != string(committed.Bytes()) || string(dirty2.Bytes()) != string(dirty.Bytes()) {
		t.Fatalf("resimulation diverged: (%q,%q) vs (%q,%q)",
			committed2.Bytes(), dirty2.Bytes(), committed.Bytes(), dirty.Bytes())
	}
}

// TestFastforwardDesync checks that a commit pair whose local_tick
// doesn't match the in-battle tick counter aborts the resimulation with
// ErrDesync rather than silently continuing.
func TestFastforwardDesync(t *testing.T) {
	core := newFakeFFCore(ffTestOffsets)
	core.tick = 100

	ff, err := New(core, ffTestOffsets)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	core.table = ff.table

	commitPairs := []input.Pair{
		{Local: input.Input{LocalTick: 100, Joyflags: 1}, Remote: input.Input{LocalTick: 100, Joyflags: 1}},
		{Local: input.Input{LocalTick: 999, Joyflags: 2}, Remote: input.Input{LocalTick: 999, Joyflags: 2}},
	}

	_, _, _, err = ff.Fastforward(ffState{tick: 100}, 0, commitPairs, input.Input{}, nil)
	if err != ErrDesync {
		t.Fatalf("expected ErrDesync, got %v", err)
	}
}

// TestFastforwardWritesRemoteTurnToRemoteSlot checks the committed pair's
// memory image lands in the right per-player slots for a p1-local session.
func TestFastforwardWritesRemoteTurnToRemoteSlot(t *testing.T) {
	core := newFakeFFCore(ffTestOffsets)
	core.tick = 200

	ff, err := New(core, ffTestOffsets)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	core.table = ff.table

	turn := make([]byte, hooks.MarshaledStateSize)
	turn[0] = 0xaa
	commitPairs := []input.Pair{
		{
			Local:  input.Input{LocalTick: 200, Joyflags: 1},
			Remote: input.Input{LocalTick: 200, Joyflags: 2, Turn: turn},
		},
		{Local: input.Input{LocalTick: 201, Joyflags: 1}, Remote: input.Input{LocalTick: 201, Joyflags: 2}},
	}

	if _, _, _, err := ff.Fastforward(ffState{tick: 200}, 0, commitPairs, input.Input{}, nil); err != nil {
		t.Fatalf("Fastforward: %v", err)
	}

	// local player index 0 => remote is player 1, whose marshaled slot is
	// one MarshaledStateSize stride into the array.
	remoteSlot := ffTestOffsets.EWRAM.PlayerMarshaledStateArr + hooks.MarshaledStateSize
	if got := core.mem[remoteSlot]; got != 0xaa {
		t.Fatalf("remote turn byte = 0x%02x, want 0xaa", got)
	}
}

// TestReplayRoundTripThroughFastforwarder checks that pairs recorded to a
// replay, decoded back, and resimulated through a fresh fastforwarder
// reproduce the live run's committed state.
func TestReplayRoundTripThroughFastforwarder(t *testing.T) {
	commitPairs := []input.Pair{
		{Local: input.Input{LocalTick: 300, Joyflags: 1}, Remote: input.Input{LocalTick: 300, Joyflags: 2}},
		{Local: input.Input{LocalTick: 301, Joyflags: 3}, Remote: input.Input{LocalTick: 301, Joyflags: 4}},
		{Local: input.Input{LocalTick: 302, Joyflags: 5, Turn: bytes.Repeat([]byte{7}, hooks.MarshaledStateSize)}, Remote: input.Input{LocalTick: 302, Joyflags: 6}},
	}

	run := func(pairs []input.Pair) []byte {
		core := newFakeFFCore(ffTestOffsets)
		core.tick = 300
		ff, err := New(core, ffTestOffsets)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		core.table = ff.table
		committed, _, _, err := ff.Fastforward(ffState{tick: 300}, 0, pairs, input.Input{}, nil)
		if err != nil {
			t.Fatalf("Fastforward: %v", err)
		}
		return committed.Bytes()
	}

	live := run(commitPairs)

	var buf bytes.Buffer
	w, err := replay.NewWriter(&buf, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteState([]byte("state300")); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	for _, p := range commitPairs {
		if err := w.WritePair(p); err != nil {
			t.Fatalf("WritePair: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := replay.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := r.ReadState(); err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	var decoded []input.Pair
	for {
		p, err := r.ReadPair()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadPair: %v", err)
		}
		decoded = append(decoded, p)
	}
	if len(decoded) != len(commitPairs) {
		t.Fatalf("decoded %d pairs, want %d", len(decoded), len(commitPairs))
	}

	replayed := run(decoded)
	if !bytes.Equal(live, replayed) {
		t.Fatalf("replayed committed state %q diverged from live %q", replayed, live)
	}
}
