// Package audio implements the time-warp audio clock: an audio stream
// that resamples based on the emulator's adaptive FPS target, so the
// small speedups and slowdowns the netplay pipeline applies to stay in
// step with the remote peer are absorbed without an audible pop. The
// faux clock follows mgba's audio_calculate_ratio(1.0, fps_target, 1.0).
package audio

import "github.com/murkland/tango/emu"

// baseFPS is the console family's native frame rate; the frame loop's
// tps_adjustment nudges the sync's FPS target around this value.
const baseFPS = 60.0

// Stream is the host audio callback's pull source. It brackets every fill
// with the emulator sync's lock/consume pair, exactly as the frame-sync
// primitive requires.
type Stream struct {
	sync        emu.Sync
	left, right emu.AudioChannel
	clockRate   float64
	sampleRate  float64
}

// NewStream wires a time-warp stream against the emulator's audio
// channels. right is nil for a mono host stream.
func NewStream(sync emu.Sync, left, right emu.AudioChannel, clockRate, sampleRate float64) *Stream {
	return &Stream{sync: sync, left: left, right: right, clockRate: clockRate, sampleRate: sampleRate}
}

// Fill reads interleaved samples into buf, retuning each channel's output
// rate by the current faux clock first so the host pulls samples at
// exactly the rate the emulator is running. Samples beyond what the
// emulator had ready are zero-filled. Returns the number of samples
// written (excluding the zero fill).
func (s *Stream) Fill(buf []int16) int {
	channels := 1
	if s.right != nil {
		channels = 2
	}
	frameCount := len(buf) / channels

	s.sync.LockAudio()
	fauxClock := calculateRatio(baseFPS, s.sync.FPSTarget())

	s.left.SetRates(s.clockRate, s.sampleRate*fauxClock)
	avail := s.left.SamplesAvail()
	if avail > frameCount {
		avail = frameCount
	}
	s.left.ReadSamples(buf, avail, channels == 2)

	if s.right != nil {
		s.right.SetRates(s.clockRate, s.sampleRate*fauxClock)
		s.right.ReadSamples(buf[1:], avail, true)
	}
	s.sync.ConsumeAudio()

	for i := avail * channels; i < len(buf); i++ {
		buf[i] = 0
	}
	return avail * channels
}

// calculateRatio mirrors mgba's audio_calculate_ratio(1.0, fps_target,
// 1.0): the output sample rate scales inversely with how far the target
// FPS has drifted from the console's native rate, so one extra or missing
// frame of emulation time doesn't change pitch by more than the
// tps_adjustment allows.
func calculateRatio(baseFPS, fpsTarget float64) float64 {
	if fpsTarget <= 0 {
		return 1.0
	}
	return baseFPS / fpsTarget
}
