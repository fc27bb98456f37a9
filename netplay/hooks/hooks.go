// Package hooks wires the game-specific trap table: the fixed ROM/EWRAM
// address layout for one game variant, helpers that read and munge the
// guest's battle structures, and the installer functions that bind those
// addresses to trap callbacks driving a live battle or a fastforwarder.
package hooks

import (
	"github.com/murkland/tango/emu/trap"
)

// EWRAMOffsets is the shared EWRAM memory layout for one game family.
type EWRAMOffsets struct {
	PlayerInputDataArr        uint32
	BattleState               uint32
	LocalMarshaledBattleState uint32
	PlayerMarshaledStateArr   uint32
	MenuControl               uint32
}

// ROMOffsets is the per-variant code address table a trap table installs
// against. Field names follow the game's own routine names as used in
// the community's disassembly.
type ROMOffsets struct {
	EWRAM EWRAMOffsets

	MainReadJoyflags                    uint32
	GetCopyDataInputStateRet            uint32
	BattleInitCallBattleCopyInputData   uint32
	BattleUpdateCallBattleCopyInputData uint32
	BattleRunUnpausedStepCmpRetval      uint32
	BattleInitMarshalRet                uint32
	BattleTurnMarshalRet                uint32
	BattleStartRet                      uint32
	BattleEndingRet                     uint32
	BattleEndEntry                      uint32
	BattleIsP2Tst                       uint32
	LinkIsP2Ret                         uint32

	CommMenuInitBattleEntry                               uint32
	CommMenuHandleLinkCableInputEntry                     uint32
	CommMenuWaitForFriendCallCommMenuHandleLinkCableInput uint32
	CommMenuWaitForFriendRetCancel                        uint32
	CommMenuInBattleCallCommMenuHandleLinkCableInput      uint32
	CommMenuEndBattleEntry                                uint32
}

// joyflagsRegister is the GPR the guest's main loop expects joyflags in
// when main_read_joyflags returns.
const joyflagsRegister = 4

// MarshaledStateSize is the size of one marshaled turn blob: the guest
// publishes exactly 0x100 bytes at turn boundaries.
const MarshaledStateSize = 0x100

// InBattleTime reads the guest's in-battle tick counter.
func InBattleTime(core trap.BreakpointCore, off ROMOffsets) uint32 {
	return core.RawRead32(off.EWRAM.BattleState + 0x60)
}

// LocalCustomScreenState reads the local player's custom screen byte.
func LocalCustomScreenState(core trap.BreakpointCore, off ROMOffsets) uint8 {
	return core.RawRead8(off.EWRAM.BattleState + 0x11)
}

// LocalMarshaledBattleState copies the guest's freshly marshaled local
// battle state out of EWRAM.
func LocalMarshaledBattleState(core trap.BreakpointCore, off ROMOffsets) []byte {
	buf := make([]byte, MarshaledStateSize)
	core.RawReadRange(off.EWRAM.LocalMarshaledBattleState, buf)
	return buf
}

// SetPlayerInputState writes one player's joyflags and custom screen state
// into the per-player input data array, deriving the pressed/released edge
// fields from the previously held keys the way the guest's own input
// routine does.
func SetPlayerInputState(core trap.BreakpointCore, off ROMOffsets, index uint32, keysPressed uint16, customScreenState uint8) {
	aPlayerInput := off.EWRAM.PlayerInputDataArr + index*0x08
	keysHeld := core.RawRead16(aPlayerInput+0x02) | 0xfc00
	core.RawWrite16(aPlayerInput+0x02, keysPressed)
	core.RawWrite16(aPlayerInput+0x04, ^keysHeld&keysPressed)
	core.RawWrite16(aPlayerInput+0x06, keysHeld&^keysPressed)
	core.RawWrite8(off.EWRAM.BattleState+0x14+index, customScreenState)
}

// SetPlayerMarshaledBattleState writes one player's marshaled turn blob
// into their slot of the marshaled state array.
func SetPlayerMarshaledBattleState(core trap.BreakpointCore, off ROMOffsets, index uint32, marshaled []byte) {
	core.RawWriteRange(off.EWRAM.PlayerMarshaledStateArr+index*MarshaledStateSize, marshaled)
}

// StartBattleFromCommMenu writes the four menu control bytes that steer
// the comm menu out of matchmaking and into a link battle.
func StartBattleFromCommMenu(core trap.BreakpointCore, off ROMOffsets) {
	core.RawWrite8(off.EWRAM.MenuControl+0x0, 0x18)
	core.RawWrite8(off.EWRAM.MenuControl+0x1, 0x18)
	core.RawWrite8(off.EWRAM.MenuControl+0x2, 0x00)
	core.RawWrite8(off.EWRAM.MenuControl+0x3, 0x00)
}

// DropMatchmakingFromCommMenu steers the comm menu back out of
// matchmaking, e.g. when the user cancels while waiting for a peer.
func DropMatchmakingFromCommMenu(core trap.BreakpointCore, off ROMOffsets) {
	core.RawWrite8(off.EWRAM.MenuControl+0x0, 0x18)
	core.RawWrite8(off.EWRAM.MenuControl+0x1, 0x3c)
	core.RawWrite8(off.EWRAM.MenuControl+0x2, 0x04)
	core.RawWrite8(off.EWRAM.MenuControl+0x3, 0x04)
}

// SetLinkBattleSettingsAndBackground writes the stage/background word the
// comm menu reads when initializing a link battle.
func SetLinkBattleSettingsAndBackground(core trap.BreakpointCore, off ROMOffsets, v uint16) {
	core.RawWrite16(off.EWRAM.MenuControl+0x2a, v)
}

// MatchType reads the match type the user picked in the comm menu.
func MatchType(core trap.BreakpointCore, off ROMOffsets) uint16 {
	return core.RawRead16(off.EWRAM.MenuControl + 0x12)
}

// skipCall steers execution past the call site the trap replaced: the
// guest's BL has already been replayed as the trapped instruction, so
// advancing PC by one word skips the native routine entirely.
func skipCall(core trap.BreakpointCore) {
	cpu := core.CPU()
	cpu.SetPC(cpu.PC() + 4)
}

// PrimaryCallbacks are the host callbacks the live (non-fastforwarder)
// session binds to each primary hook address.
type PrimaryCallbacks struct {
	// OnMainReadJoyflags fires on every main_read_joyflags trap. It must
	// return the joyflags value to place in the CPU's joyflags register.
	OnMainReadJoyflags func(core trap.BreakpointCore, tick uint32, customScreenState uint8) uint16
	// OnBattleUpdateCopyInputData fires on every battle_update call site
	// after the native copy routine has been suppressed. The host marks
	// the battle as accepting input on the first call and writes the last
	// committed input pair into EWRAM on every call thereafter.
	OnBattleUpdateCopyInputData func(core trap.BreakpointCore)
	// OnBattleInitMarshalRet fires once per battle, exchanging marshaled
	// init state with the remote peer.
	OnBattleInitMarshalRet func(core trap.BreakpointCore)
	// OnBattleTurnMarshalRet fires whenever the guest marshals a turn
	// commit.
	OnBattleTurnMarshalRet func(core trap.BreakpointCore)
	// OnBattleStart fires when the guest's battle start routine returns.
	OnBattleStart func(core trap.BreakpointCore)
	// OnBattleEnding fires when the battle result screen begins.
	OnBattleEnding func(core trap.BreakpointCore)
	// OnBattleEndEntry fires when control returns to the comm menu.
	OnBattleEndEntry func(core trap.BreakpointCore)
	// OnBattleOutcome fires on the unpaused-step retval compare with the
	// guest's verdict: true for a win, false for a loss.
	OnBattleOutcome func(won bool)
	// OnCommMenuHandleLinkCableInput fires on every comm menu link cable
	// input poll; the host steers the menu here once negotiation is done.
	OnCommMenuHandleLinkCableInput func(core trap.BreakpointCore)
	// OnCommMenuInitBattle fires as the comm menu initializes a link
	// battle; the host draws stage settings from the shared RNG here.
	OnCommMenuInitBattle func(core trap.BreakpointCore)
	// OnCommMenuWaitCancel fires when the user backs out of matchmaking.
	OnCommMenuWaitCancel func(core trap.BreakpointCore)
	// OnCommMenuEndBattle fires when the comm menu tears the match down.
	OnCommMenuEndBattle func(core trap.BreakpointCore)
	// Aborted reports whether the match has transitioned to Aborted
	// (queue overflow, enqueue timeout, or fastforwarder desync). While
	// true, get_copy_data_input_state is forced to return 4 so the game
	// surfaces its link-lost screen.
	Aborted func() bool
}

// InstallPrimary installs the live-session hook set: the
// main_read_joyflags drive loop, native copy-input suppression, init/turn
// marshal exchange, battle lifecycle transitions, win/loss capture, comm
// menu steering, and the is-p2/link-is-p2/copy-data-input-state forcing
// hooks every session needs.
func InstallPrimary(table *trap.Table, core trap.BreakpointCore, off ROMOffsets, localPlayerIndex uint8, cb PrimaryCallbacks) error {
	if err := table.Install(core, off.BattleInitCallBattleCopyInputData, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, 0)
		skipCall(c)
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleUpdateCallBattleCopyInputData, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, 0)
		skipCall(c)
		if cb.OnBattleUpdateCopyInputData != nil {
			cb.OnBattleUpdateCopyInputData(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleInitMarshalRet, func(c trap.BreakpointCore) {
		if cb.OnBattleInitMarshalRet != nil {
			cb.OnBattleInitMarshalRet(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleTurnMarshalRet, func(c trap.BreakpointCore) {
		if cb.OnBattleTurnMarshalRet != nil {
			cb.OnBattleTurnMarshalRet(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.MainReadJoyflags, func(c trap.BreakpointCore) {
		if cb.OnMainReadJoyflags != nil {
			tick := InBattleTime(c, off)
			screenState := LocalCustomScreenState(c, off)
			joyflags := cb.OnMainReadJoyflags(c, tick, screenState)
			c.CPU().SetGPR(joyflagsRegister, int32(joyflags))
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleRunUnpausedStepCmpRetval, func(c trap.BreakpointCore) {
		if cb.OnBattleOutcome == nil {
			return
		}
		switch c.CPU().GPR(0) {
		case 1:
			cb.OnBattleOutcome(true)
		case 2:
			cb.OnBattleOutcome(false)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleStartRet, func(c trap.BreakpointCore) {
		if cb.OnBattleStart != nil {
			cb.OnBattleStart(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleEndingRet, func(c trap.BreakpointCore) {
		if cb.OnBattleEnding != nil {
			cb.OnBattleEnding(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleEndEntry, func(c trap.BreakpointCore) {
		if cb.OnBattleEndEntry != nil {
			cb.OnBattleEndEntry(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleIsP2Tst, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, int32(localPlayerIndex))
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.LinkIsP2Ret, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, int32(localPlayerIndex))
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.GetCopyDataInputStateRet, func(c trap.BreakpointCore) {
		if cb.Aborted != nil && cb.Aborted() {
			c.CPU().SetGPR(0, 4)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.CommMenuHandleLinkCableInputEntry, func(c trap.BreakpointCore) {
		if cb.OnCommMenuHandleLinkCableInput != nil {
			cb.OnCommMenuHandleLinkCableInput(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.CommMenuInitBattleEntry, func(c trap.BreakpointCore) {
		if cb.OnCommMenuInitBattle != nil {
			cb.OnCommMenuInitBattle(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.CommMenuWaitForFriendRetCancel, func(c trap.BreakpointCore) {
		if cb.OnCommMenuWaitCancel != nil {
			cb.OnCommMenuWaitCancel(c)
		}
		skipCall(c)
	}); err != nil {
		return err
	}

	// The native link cable input routine must never run during netplay;
	// its reads are replaced entirely by the input queue.
	if err := table.Install(core, off.CommMenuInBattleCallCommMenuHandleLinkCableInput, func(c trap.BreakpointCore) {
		skipCall(c)
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.CommMenuEndBattleEntry, func(c trap.BreakpointCore) {
		if cb.OnCommMenuEndBattle != nil {
			cb.OnCommMenuEndBattle(c)
		}
	}); err != nil {
		return err
	}

	return nil
}

// InstallFastforwarderHooks installs the reduced hook set a standalone
// fastforwarder core needs for deterministic playback: main_read_joyflags,
// the suppressed battle copy-input call, the forced is-p2/link-is-p2
// return values, get_copy_data_input_state forced to 2 (always connected,
// data ready — the input queue has already settled every pair it will
// replay), and the link-cable-input stub that returns immediately.
// localPlayerIndex is a getter because the hooks are installed once but
// the player index changes between fastforward calls.
func InstallFastforwarderHooks(
	table *trap.Table,
	core trap.BreakpointCore,
	off ROMOffsets,
	localPlayerIndex func() uint8,
	onReadJoyflags func(core trap.BreakpointCore, tick uint32) (shouldWrite bool, joyflags uint16),
	onCopyInputData func(core trap.BreakpointCore),
) error {
	if err := table.Install(core, off.MainReadJoyflags, func(c trap.BreakpointCore) {
		if onReadJoyflags != nil {
			tick := InBattleTime(c, off)
			if write, joyflags := onReadJoyflags(c, tick); write {
				c.CPU().SetGPR(joyflagsRegister, int32(joyflags))
			}
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleUpdateCallBattleCopyInputData, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, 0)
		skipCall(c)
		if onCopyInputData != nil {
			onCopyInputData(c)
		}
	}); err != nil {
		return err
	}

	if err := table.Install(core, off.BattleIsP2Tst, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, int32(localPlayerIndex()))
	}); err != nil {
		return err
	}
	if err := table.Install(core, off.LinkIsP2Ret, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, int32(localPlayerIndex()))
	}); err != nil {
		return err
	}
	if err := table.Install(core, off.GetCopyDataInputStateRet, func(c trap.BreakpointCore) {
		c.CPU().SetGPR(0, 2)
	}); err != nil {
		return err
	}
	if err := table.Install(core, off.CommMenuInBattleCallCommMenuHandleLinkCableInput, func(c trap.BreakpointCore) {
		skipCall(c)
	}); err != nil {
		return err
	}

	return nil
}

// battleBackgrounds is the background id pool the comm menu draws from;
// some entries repeat to match the guest's own weighting.
var battleBackgrounds = []uint16{
	0x00, 0x01, 0x01, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b,
	0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x11, 0x13, 0x13,
}

// RNG is the subset of the shared match RNG the stage draw needs. Both
// peers call this at the same guest tick with identically seeded state, so
// they draw identical settings.
type RNG interface {
	Intn(n int) int
}

// RandomBattleSettingsAndBackground draws the stage settings word for a
// link battle: the low byte selects the battle settings for the match
// type, the high byte a background.
func RandomBattleSettingsAndBackground(rng RNG, matchType uint8) uint16 {
	var lo uint16
	switch matchType {
	case 0:
		lo = uint16(rng.Intn(0x44))
	case 1:
		lo = uint16(rng.Intn(0x60))
	case 2:
		lo = uint16(rng.Intn(0x44)) + 0x60
	}

	hi := battleBackgrounds[rng.Intn(len(battleBackgrounds))]

	return hi<<8 | lo
}
