// Package emu declares the narrow interfaces the netplay core needs from a
// host emulator. Nothing in this module implements a real CPU, PPU, or APU:
// ROM loading, CPU stepping, save states, and audio sampling are all
// supplied by whatever concrete console package the host wires in.
package emu

import "context"

// State is an opaque, copyable save-state snapshot. Two states produced
// from identical inputs must compare byte-equal.
type State interface {
	Bytes() []byte
	RomTitle() string
	RomCRC32() uint32
}

// CPU exposes the general purpose register file and program counter of the
// guest CPU. Register indices follow the ARM7TDMI convention the original
// console family uses: r0-r14 general purpose, r15 program counter.
type CPU interface {
	GPR(n int) int32
	SetGPR(n int, v int32)
	PC() uint32
	SetPC(pc uint32)
}

// AudioChannel is one stereo leg of the emulator's audio mixer.
type AudioChannel interface {
	SetRates(in, out float64)
	SamplesAvail() int
	ReadSamples(buf []int16, count int, stereo bool) int
}

// Sync coordinates the emulator's wall-clock pacing with the host audio
// callback. LockAudio/ConsumeAudio bracket an audio fill the way the
// emulator's own frame-sync primitive does; FPSTarget is read by the
// time-warp stream on every buffer fill.
type Sync interface {
	LockAudio()
	ConsumeAudio()
	SetFPSTarget(fps float64)
	FPSTarget() float64
}

// Core is the subset of the emulator the netplay core drives directly, plus
// the hooks needed to install traps (see emu/trap). A concrete
// implementation wraps a real CPU core; nothing here performs emulation.
type Core interface {
	LoadROM(ctx context.Context, data []byte) error
	LoadSave(ctx context.Context, data []byte) error
	Reset()
	RunFrame()

	SaveState() (State, error)
	LoadState(State) error

	RawRead8(addr uint32) uint8
	RawRead16(addr uint32) uint16
	RawRead32(addr uint32) uint32
	RawWrite8(addr uint32, v uint8)
	RawWrite16(addr uint32, v uint16)
	RawWrite32(addr uint32, v uint32)
	RawReadRange(addr uint32, out []byte)
	RawWriteRange(addr uint32, data []byte)

	CPU() CPU
	SetAudioBufferSize(samples int)
	AudioChannel(i int) AudioChannel
	Sync() Sync

	RomTitle() string
	RomCRC32() uint32
}
