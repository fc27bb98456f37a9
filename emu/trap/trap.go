// Package trap implements the "hook at address X" facility: the only way
// the netplay core intercepts an unmodified guest game. A synthetic CPU
// component is attached to the core's component chain, the original
// 16-bit instruction at each trapped address is replaced with a
// breakpoint opcode, and the dispatcher replays the original instruction
// via RunFakeOpcode before invoking the bound callback.
package trap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/murkland/tango/emu"
)

// ErrDuplicateTrap is returned by Install when a trap already occupies addr.
var ErrDuplicateTrap = errors.New("duplicate trap")

// BreakpointCore is the mutable core handle passed to every trap handler:
// raw memory access, the CPU register file, opcode replay, and component
// attachment. Handlers mutate CPU registers, memory, and PC through it
// before the guest resumes.
type BreakpointCore interface {
	RawRead8(addr uint32) uint8
	RawRead16(addr uint32) uint16
	RawRead32(addr uint32) uint32
	RawWrite8(addr uint32, v uint8)
	RawWrite16(addr uint32, v uint16)
	RawWrite32(addr uint32, v uint32)
	RawReadRange(addr uint32, out []byte)
	RawWriteRange(addr uint32, data []byte)
	RunFakeOpcode(opcode uint16)
	CPU() emu.CPU
	AttachComponent(Component)
}

// Component is a synthetic CPU component: the emulator invokes OnBreakpoint
// whenever the trap opcode executes.
type Component interface {
	OnBreakpoint(core BreakpointCore)
}

// HandlerFunc mutates CPU/memory/PC before the guest resumes.
type HandlerFunc func(core BreakpointCore)

// trapOpcode is a Thumb BKPT with a reserved immediate (0xef) that no
// retail game uses, so the dispatcher can tell its own breakpoints apart
// from any the guest might contain.
const trapOpcode = 0xbe00 | 0xef

// thumbInstrSize is the byte width of one Thumb instruction; by the time
// the breakpoint component runs, the pipeline has advanced PC two
// instructions past the trapped address.
const thumbInstrSize = 2

type trapEntry struct {
	original uint16
	handler  HandlerFunc
}

// Table is the trap dispatcher. It chains to any pre-existing breakpoint
// owner so installing a Table never silently swallows another component's
// breakpoints.
type Table struct {
	mu    sync.Mutex
	traps map[uint32]*trapEntry
	next  Component
}

// NewTable creates an empty trap table that chains to next (nil if there is
// no pre-existing breakpoint handler to preserve).
func NewTable(next Component) *Table {
	return &Table{
		traps: make(map[uint32]*trapEntry),
		next:  next,
	}
}

// Install binds addr to handler, saving and replacing the original
// instruction there. Installing a second trap at the same address fails
// with ErrDuplicateTrap.
func (t *Table) Install(core BreakpointCore, addr uint32, handler HandlerFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.traps[addr]; ok {
		return fmt.Errorf("install trap at 0x%08x: %w", addr, ErrDuplicateTrap)
	}

	original := core.RawRead16(addr)
	core.RawWrite16(addr, trapOpcode)
	t.traps[addr] = &trapEntry{original: original, handler: handler}

	if len(t.traps) == 1 {
		core.AttachComponent(t)
	}
	return nil
}

// Remove uninstalls the trap at addr, restoring the original instruction.
func (t *Table) Remove(core BreakpointCore, addr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.traps[addr]
	if !ok {
		return
	}
	core.RawWrite16(addr, entry.original)
	delete(t.traps, addr)
}

// CoreAdapter bridges a plain emu.Core to BreakpointCore for packages that
// install a Table against a live core rather than a Fastforwarder's
// private one. RunFakeOpcode and AttachComponent are no-ops: emu.Core is a
// caller-supplied boundary (package emu) with no opcode-replay or
// CPU-component-chain primitive of its own, so a concrete emulator must
// wire real breakpoint dispatch into its emu.Core implementation for
// traps installed through this adapter to actually fire during RunFrame.
type CoreAdapter struct {
	Core emu.Core
}

func (a CoreAdapter) RawRead8(addr uint32) uint8             { return a.Core.RawRead8(addr) }
func (a CoreAdapter) RawRead16(addr uint32) uint16           { return a.Core.RawRead16(addr) }
func (a CoreAdapter) RawRead32(addr uint32) uint32           { return a.Core.RawRead32(addr) }
func (a CoreAdapter) RawWrite8(addr uint32, v uint8)         { a.Core.RawWrite8(addr, v) }
func (a CoreAdapter) RawWrite16(addr uint32, v uint16)       { a.Core.RawWrite16(addr, v) }
func (a CoreAdapter) RawWrite32(addr uint32, v uint32)       { a.Core.RawWrite32(addr, v) }
func (a CoreAdapter) RawReadRange(addr uint32, out []byte)   { a.Core.RawReadRange(addr, out) }
func (a CoreAdapter) RawWriteRange(addr uint32, data []byte) { a.Core.RawWriteRange(addr, data) }
func (a CoreAdapter) RunFakeOpcode(opcode uint16)            {}
func (a CoreAdapter) CPU() emu.CPU                           { return a.Core.CPU() }
func (a CoreAdapter) AttachComponent(c Component)            {}

// OnBreakpoint is called by the emulator when the trap opcode executes. It
// looks up the trap by the instruction's address, replays the original
// instruction, runs the bound handler, then chains to the previous
// breakpoint owner so multiple trap sources can coexist.
func (t *Table) OnBreakpoint(core BreakpointCore) {
	addr := core.CPU().PC() - thumbInstrSize*2

	t.mu.Lock()
	entry, ok := t.traps[addr]
	t.mu.Unlock()

	if ok {
		core.RunFakeOpcode(entry.original)
		entry.handler(core)
	}

	if t.next != nil {
		t.next.OnBreakpoint(core)
	}
}
