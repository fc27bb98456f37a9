// Package frameloop drives the emulator's main loop during a netplay
// battle. It installs the game hooks (netplay/hooks) against the live
// emu.Core through a trap table, so every frame's main_read_joyflags,
// comm-menu, and battle-lifecycle trap fires exactly once and is
// forwarded into the Battle; RunFrame just steps the CPU into those
// traps, and each frame the loop retunes the emulator's FPS target to
// 60 + the battle's current tps_adjustment.
package frameloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/murkland/tango/emu"
	"github.com/murkland/tango/emu/trap"
	"github.com/murkland/tango/netplay/battle"
	"github.com/murkland/tango/netplay/hooks"
)

// nativeFPS is the console family's frame rate before tps_adjustment.
const nativeFPS = 60.0

// Hooks is the narrow slice of host wiring the loop needs on every
// main_read_joyflags trap: the host controller state for this tick.
type Hooks interface {
	// ReadLocalJoyflags returns the host controller state for this tick.
	ReadLocalJoyflags() uint16
}

// Config carries the match-level wiring the comm menu hooks need.
type Config struct {
	// MatchType's low byte selects the settings pool for the stage draw.
	MatchType uint16
	// RNG is the shared match RNG; both sides draw stage settings from it
	// at the same guest tick. Nil skips the draw.
	RNG hooks.RNG
	// ExchangeInit sends the local marshaled init state to the remote peer
	// and blocks for theirs, returning the remote init blob and the remote
	// side's input delay. Nil skips the exchange.
	ExchangeInit func(localInit []byte) (remoteInit []byte, remoteDelay uint32, err error)
	// OnBattleOutcome receives the guest's win/loss verdict.
	OnBattleOutcome func(won bool)
	// OnMatchEnd fires when the comm menu tears the match down.
	OnMatchEnd func()
	// OnCancel fires when the user backs out of matchmaking.
	OnCancel func()
}

// Loop ties a Battle to a live emu.Core via the game hooks trap table,
// adjusting the FPS target each frame and stopping on Ended or Aborted.
type Loop struct {
	core   emu.Core
	battle *battle.Battle

	mu  sync.Mutex
	err error
}

// New installs the primary hook set against core and binds every
// callback to b: menu steering, accepting-input marking, the
// main_read_joyflags drive loop, committed-pair EWRAM writes, lifecycle
// transitions, and the get_copy_data_input_state abort hook. This is the
// only place product code installs a trap table against a live session
// core; everything the loop does afterward is driven by the CPU hitting
// those traps during RunFrame.
func New(core emu.Core, b *battle.Battle, off hooks.ROMOffsets, hks Hooks, cfg Config) (*Loop, error) {
	l := &Loop{core: core, battle: b}

	table := trap.NewTable(nil)
	adapter := trap.CoreAdapter{Core: core}

	localIndex := uint32(b.LocalPlayerIndex)
	remoteIndex := 1 - localIndex

	cb := hooks.PrimaryCallbacks{
		OnMainReadJoyflags: func(c trap.BreakpointCore, tick uint32, customScreenState uint8) uint16 {
			local := hks.ReadLocalJoyflags()
			b.SetJoyflags(local)
			if !b.IsAcceptingInput() {
				return local
			}

			joyflags, err := b.OnMainReadJoyflags(tick, customScreenState)
			if err != nil {
				l.setErr(err)
			}
			return joyflags
		},
		OnBattleUpdateCopyInputData: func(c trap.BreakpointCore) {
			if !b.IsAcceptingInput() {
				b.MarkAcceptingInput()
				return
			}
			ip := b.LastInput()
			if ip == nil {
				return
			}
			hooks.SetPlayerInputState(c, off, localIndex, ip.Local.Joyflags, ip.Local.CustomScreenState)
			if len(ip.Local.Turn) > 0 {
				hooks.SetPlayerMarshaledBattleState(c, off, localIndex, ip.Local.Turn)
			}
			hooks.SetPlayerInputState(c, off, remoteIndex, ip.Remote.Joyflags, ip.Remote.CustomScreenState)
			if len(ip.Remote.Turn) > 0 {
				hooks.SetPlayerMarshaledBattleState(c, off, remoteIndex, ip.Remote.Turn)
			}
		},
		OnBattleInitMarshalRet: func(c trap.BreakpointCore) {
			if cfg.ExchangeInit == nil {
				return
			}
			localInit := hooks.LocalMarshaledBattleState(c, off)
			hooks.SetPlayerMarshaledBattleState(c, off, localIndex, localInit)
			remoteInit, remoteDelay, err := cfg.ExchangeInit(localInit)
			if err != nil {
				l.setErr(err)
				return
			}
			hooks.SetPlayerMarshaledBattleState(c, off, remoteIndex, remoteInit)
			b.SetRemoteDelay(remoteDelay)
		},
		OnBattleTurnMarshalRet: func(c trap.BreakpointCore) {
			b.AddLocalPendingTurn(hooks.LocalMarshaledBattleState(c, off))
		},
		OnBattleStart: func(c trap.BreakpointCore) {
			b.StartBattleFromCommMenu()
		},
		OnBattleEnding: func(c trap.BreakpointCore) {
			b.End()
		},
		OnBattleEndEntry: func(c trap.BreakpointCore) {
			b.End()
		},
		OnBattleOutcome: cfg.OnBattleOutcome,
		OnCommMenuHandleLinkCableInput: func(c trap.BreakpointCore) {
			if b.State() == battle.StateNegotiating {
				hooks.StartBattleFromCommMenu(c, off)
				b.StartBattleFromCommMenu()
			}
		},
		OnCommMenuInitBattle: func(c trap.BreakpointCore) {
			if cfg.RNG == nil {
				return
			}
			v := hooks.RandomBattleSettingsAndBackground(cfg.RNG, uint8(cfg.MatchType))
			hooks.SetLinkBattleSettingsAndBackground(c, off, v)
		},
		OnCommMenuWaitCancel: func(c trap.BreakpointCore) {
			hooks.DropMatchmakingFromCommMenu(c, off)
			if cfg.OnCancel != nil {
				cfg.OnCancel()
			}
		},
		OnCommMenuEndBattle: func(c trap.BreakpointCore) {
			if cfg.OnMatchEnd != nil {
				cfg.OnMatchEnd()
			}
		},
		Aborted: func() bool {
			return b.State() == battle.StateAborted
		},
	}

	if err := hooks.InstallPrimary(table, adapter, off, b.LocalPlayerIndex, cb); err != nil {
		return nil, fmt.Errorf("frameloop: install hooks: %w", err)
	}

	return l, nil
}

func (l *Loop) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *Loop) getErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Run drives frames until ctx is cancelled, the Battle ends, or it aborts.
// It blocks; callers typically run it in its own goroutine per Battle. On
// Aborted it resets the sync's FPS target back to nativeFPS before
// returning the error that caused the abort.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch l.battle.State() {
		case battle.StateEnded:
			return nil
		case battle.StateAborted:
			if sync := l.core.Sync(); sync != nil {
				sync.SetFPSTarget(nativeFPS)
			}
			if err := l.getErr(); err != nil {
				return err
			}
			return fmt.Errorf("frameloop: battle aborted")
		}

		if sync := l.core.Sync(); sync != nil {
			sync.SetFPSTarget(nativeFPS + float64(l.battle.TPSAdjustment()))
		}

		l.core.RunFrame()

		if err := l.getErr(); err != nil {
			return err
		}
	}
}

// frameInterval is the nominal wall-clock spacing between frames at the
// console's native rate; callers that aren't driven by a real-time audio
// callback (e.g. headless replay verification) can pace RunFrame calls
// with it.
func frameInterval() time.Duration {
	second := float64(time.Second)
	return time.Duration(second / nativeFPS)
}

// FrameInterval exposes frameInterval for callers pacing their own loop.
func FrameInterval() time.Duration {
	return frameInterval()
}
