package frameloop

import (
	"context"
	"testing"

	"github.com/murkland/tango/emu"
	"github.com/murkland/tango/netplay/battle"
	"github.com/murkland/tango/netplay/hooks"
	"github.com/murkland/tango/netplay/input"
)

func TestFrameIntervalMatchesNativeFPS(t *testing.T) {
	got := FrameInterval()
	// 1/60s, with rounding tolerance.
	wantNanos := float64(1e9) / nativeFPS
	gotNanos := float64(got.Nanoseconds())
	if gotNanos < wantNanos-1 || gotNanos > wantNanos+1 {
		t.Fatalf("FrameInterval() = %v, want ~%v ns", got, wantNanos)
	}
}

// testOffsets is a standalone fixture with distinct addresses for every
// address InstallPrimary traps; kept local to avoid importing
// netplay/hooks/bn6 for what's otherwise a handful of arbitrary numbers.
var testOffsets = hooks.ROMOffsets{
	EWRAM: hooks.EWRAMOffsets{
		PlayerInputDataArr:        0x1000,
		BattleState:               0x1100,
		LocalMarshaledBattleState: 0x1200,
		PlayerMarshaledStateArr:   0x1400,
		MenuControl:               0x1800,
	},
	MainReadJoyflags:                    0x2000,
	GetCopyDataInputStateRet:            0x2010,
	BattleInitCallBattleCopyInputData:   0x2020,
	BattleUpdateCallBattleCopyInputData: 0x2030,
	BattleRunUnpausedStepCmpRetval:      0x2040,
	BattleInitMarshalRet:                0x2050,
	BattleTurnMarshalRet:                0x2060,
	BattleStartRet:                      0x2070,
	BattleEndingRet:                     0x2080,
	BattleEndEntry:                      0x2090,
	BattleIsP2Tst:                       0x20a0,
	LinkIsP2Ret:                         0x20b0,

	CommMenuInitBattleEntry:                               0x20c0,
	CommMenuHandleLinkCableInputEntry:                     0x20d0,
	CommMenuWaitForFriendCallCommMenuHandleLinkCableInput: 0x20e0,
	CommMenuWaitForFriendRetCancel:                        0x20f0,
	CommMenuInBattleCallCommMenuHandleLinkCableInput:      0x2100,
	CommMenuEndBattleEntry:                                0x2110,
}

type fakeCPU struct {
	gpr [16]int32
	pc  uint32
}

func (c *fakeCPU) GPR(n int) int32       { return c.gpr[n] }
func (c *fakeCPU) SetGPR(n int, v int32) { c.gpr[n] = v }
func (c *fakeCPU) PC() uint32            { return c.pc }
func (c *fakeCPU) SetPC(pc uint32)       { c.pc = pc }

type fakeSync struct {
	target float64
}

func (s *fakeSync) LockAudio()               {}
func (s *fakeSync) ConsumeAudio()            {}
func (s *fakeSync) SetFPSTarget(fps float64) { s.target = fps }
func (s *fakeSync) FPSTarget() float64       { return s.target }

// fakeCore is a minimal emu.Core whose RunFrame ends the battle after a
// fixed number of calls, so Run's loop terminates without a real CPU.
type fakeCore struct {
	mem        map[uint32]byte
	cpu        *fakeCPU
	sync       *fakeSync
	framesLeft int
	b          *battle.Battle
}

func newFakeCore(b *battle.Battle) *fakeCore {
	return &fakeCore{mem: make(map[uint32]byte), cpu: &fakeCPU{}, sync: &fakeSync{}, b: b, framesLeft: 3}
}

func (c *fakeCore) LoadROM(ctx context.Context, data []byte) error  { return nil }
func (c *fakeCore) LoadSave(ctx context.Context, data []byte) error { return nil }
func (c *fakeCore) Reset()                                          {}

// RunFrame stands in for the CPU hitting the installed traps: a real
// emulator would fire OnMainReadJoyflags via the trap table on every
// frame. This fake just ends the battle once framesLeft runs out, which is
// enough to exercise Run's state-driven stop condition.
func (c *fakeCore) RunFrame() {
	c.framesLeft--
	if c.framesLeft <= 0 {
		c.b.End()
	}
}

func (c *fakeCore) SaveState() (emu.State, error) { return nil, nil }
func (c *fakeCore) LoadState(emu.State) error     { return nil }
func (c *fakeCore) RawRead8(addr uint32) uint8    { return c.mem[addr] }
func (c *fakeCore) RawRead16(addr uint32) uint16 {
	return uint16(c.mem[addr]) | uint16(c.mem[addr+1])<<8
}
func (c *fakeCore) RawRead32(addr uint32) uint32 {
	return uint32(c.RawRead16(addr)) | uint32(c.RawRead16(addr+2))<<16
}
func (c *fakeCore) RawWrite8(addr uint32, v uint8) { c.mem[addr] = v }
func (c *fakeCore) RawWrite16(addr uint32, v uint16) {
	c.mem[addr] = byte(v)
	c.mem[addr+1] = byte(v >> 8)
}
func (c *fakeCore) RawWrite32(addr uint32, v uint32) {
	c.RawWrite16(addr, uint16(v))
	c.RawWrite16(addr+2, uint16(v>>16))
}
func (c *fakeCore) RawReadRange(addr uint32, out []byte) {
	for i := range out {
		out[i] = c.mem[addr+uint32(i)]
	}
}
func (c *fakeCore) RawWriteRange(addr uint32, data []byte) {
	for i, b := range data {
		c.mem[addr+uint32(i)] = b
	}
}
func (c *fakeCore) CPU() emu.CPU                        { return c.cpu }
func (c *fakeCore) SetAudioBufferSize(samples int)      {}
func (c *fakeCore) AudioChannel(i int) emu.AudioChannel { return nil }
func (c *fakeCore) Sync() emu.Sync                      { return c.sync }
func (c *fakeCore) RomTitle() string                    { return "TESTROM" }
func (c *fakeCore) RomCRC32() uint32                    { return 0xdeadbeef }

type fakeHooks struct{}

func (fakeHooks) ReadLocalJoyflags() uint16 { return 0 }

func TestNewInstallsHooksWithoutError(t *testing.T) {
	b := battle.New(0, 0, 0, 120, nil)
	core := newFakeCore(b)

	if _, err := New(core, b, testOffsets, fakeHooks{}, Config{}); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestNewRejectsDuplicateOffsets(t *testing.T) {
	b := battle.New(0, 0, 0, 120, nil)
	core := newFakeCore(b)

	dup := testOffsets
	dup.LinkIsP2Ret = dup.BattleIsP2Tst // force a collision

	if _, err := New(core, b, dup, fakeHooks{}, Config{}); err == nil {
		t.Fatalf("expected an error installing two traps at the same address")
	}
}

func TestRunStopsOnEnded(t *testing.T) {
	b := battle.New(0, 0, 0, 120, nil)
	core := newFakeCore(b)

	l, err := New(core, b, testOffsets, fakeHooks{}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if core.framesLeft > 0 {
		t.Fatalf("expected RunFrame to be called until the battle ended")
	}
}

func TestRunResetsFPSTargetOnAbort(t *testing.T) {
	b := battle.New(0, 0, 0, 1, nil)
	core := newFakeCore(b)
	core.framesLeft = 1000 // RunFrame alone never ends the battle; abort must stop Run

	l, err := New(core, b, testOffsets, fakeHooks{}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := b.AddRemote(input.Input{LocalTick: 0}); err != nil {
		t.Fatalf("first AddRemote: %v", err)
	}
	if err := b.AddRemote(input.Input{LocalTick: 1}); err != battle.ErrQueueOverflow {
		t.Fatalf("expected ErrQueueOverflow, got %v", err)
	}

	if err := l.Run(context.Background()); err == nil {
		t.Fatalf("expected Run to return an error once the battle aborted")
	}
	if core.sync.FPSTarget() != nativeFPS {
		t.Fatalf("expected FPS target reset to %v on abort, got %v", nativeFPS, core.sync.FPSTarget())
	}
}
