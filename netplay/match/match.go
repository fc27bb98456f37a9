// Package match implements the session-level Match: the top-level object
// that owns negotiation, the current Battle (if any), and the receive
// loop that routes incoming Input/Init packets.
package match

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	mathrand "math/rand"

	"github.com/murkland/tango/netplay/battle"
	"github.com/murkland/tango/netplay/input"
	"github.com/murkland/tango/netplay/negotiate"
	"github.com/murkland/tango/netplay/replay"
	"github.com/murkland/tango/netplay/transport"
)

// Settings is the caller-supplied, already-parsed configuration a Match
// needs; loading it from disk or flags is the host's job.
type Settings struct {
	SessionID  string
	MatchType  uint16
	GameTitle  string
	GameCRC32  uint32
	InputDelay uint32
	ReplayDir  string
	MaxQueue   int
}

// NegotiationState tracks whether the one-shot negotiation has run yet,
// and how it came out.
type NegotiationState int

const (
	NegotiationPending NegotiationState = iota
	NegotiationReady
	NegotiationFailed
)

// Match is the long-lived session object: negotiation happens once, then
// zero or more Battles are created and ended in sequence.
type Match struct {
	settings Settings

	mu               sync.Mutex
	negotiationState NegotiationState
	negotiationErr   error
	negotiation      *negotiate.Result
	conn             *transport.Conn

	number        uint8
	battle        *battle.Battle
	wonLastBattle bool

	remoteInitRx chan transport.Init

	cancel context.CancelFunc
}

// New creates a Match in NegotiationPending.
func New(settings Settings) *Match {
	if settings.MaxQueue == 0 {
		settings.MaxQueue = 120
	}
	return &Match{
		settings:     settings,
		remoteInitRx: make(chan transport.Init, 1),
	}
}

// Start runs negotiation and, on success, spawns the transport receive
// loop. It is cancellable via the context.CancelFunc stored on the Match;
// cancelling the Match closes the data channel and peer connection.
func (m *Match) Start(ctx context.Context, signaler negotiate.Signaler) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	result, err := negotiate.Negotiate(ctx, signaler, negotiate.Identity{
		GameTitle: m.settings.GameTitle,
		GameCRC32: m.settings.GameCRC32,
		MatchType: m.settings.MatchType,
	})
	if err != nil {
		m.mu.Lock()
		m.negotiationState = NegotiationFailed
		m.negotiationErr = err
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.negotiationState = NegotiationReady
	m.negotiation = result
	m.conn = result.Conn
	m.wonLastBattle = result.WonLastBattle
	m.mu.Unlock()

	go m.receiveLoop(ctx)
	return nil
}

// Cancel tears down the match: cancels the negotiator/receive task and
// closes the data channel and peer connection.
func (m *Match) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	if m.negotiation != nil {
		if m.negotiation.DataChannel != nil {
			m.negotiation.DataChannel.Close()
		}
		if m.negotiation.PeerConnection != nil {
			m.negotiation.PeerConnection.Close()
		}
	}
}

// receiveLoop routes incoming transport messages: Init packets forward to
// the single-slot remoteInitRx channel; Input packets enqueue into the
// current Battle's remote side once it's accepting input for the matching
// battle number, dropping packets for any other battle number.
func (m *Match) receiveLoop(ctx context.Context) {
	for {
		msg, err := m.conn.Receive()
		if err != nil {
			return
		}

		switch {
		case msg.Init != nil:
			select {
			case m.remoteInitRx <- *msg.Init:
			default:
				<-m.remoteInitRx
				m.remoteInitRx <- *msg.Init
			}

		case msg.Input != nil:
			m.mu.Lock()
			b := m.battle
			number := m.number
			m.mu.Unlock()

			if b == nil || msg.Input.BattleNumber != number {
				continue
			}

			select {
			case <-b.CommittedStateReady():
			case <-ctx.Done():
				return
			}

			b.AddRemote(input.Input{
				LocalTick:         msg.Input.LocalTick,
				RemoteTick:        msg.Input.RemoteTick,
				Joyflags:          msg.Input.Joyflags,
				CustomScreenState: msg.Input.CustomScreenState,
				Turn:              msg.Input.Turn,
			})
		}
	}
}

// StartBattle bumps the battle number, opens a fresh replay file named
// {time}_battle{N}_p{1|2}.tangoreplay, and creates a new Battle. The local
// player index is 0 if the Match last won, 1 otherwise.
func (m *Match) StartBattle(remoteDelay uint32) (*battle.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.number++
	localPlayerIndex := uint8(1)
	if m.wonLastBattle {
		localPlayerIndex = 0
	}

	filename := fmt.Sprintf("%s_battle%d_p%d.tangoreplay", time.Now().Format("20060102150405"), m.number, localPlayerIndex+1)
	path := filepath.Join(m.settings.ReplayDir, filename)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("match: create replay file: %w", err)
	}

	writer, err := replay.NewWriter(f, localPlayerIndex)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("match: new replay writer: %w", err)
	}

	b := battle.New(localPlayerIndex, m.settings.InputDelay, remoteDelay, m.settings.MaxQueue, writer)
	if m.conn != nil {
		b.Sender = &inputSender{conn: m.conn, battleNumber: m.number}
	}
	m.battle = b
	return b, nil
}

// SetWonLastBattle records the guest's win/loss verdict; the next
// StartBattle assigns the local player index from it.
func (m *Match) SetWonLastBattle(won bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wonLastBattle = won
}

// EndBattle drops the current Battle.
func (m *Match) EndBattle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battle = nil
}

// RemoteInit blocks for the next Init packet from the remote peer.
func (m *Match) RemoteInit(ctx context.Context) (transport.Init, error) {
	select {
	case in := <-m.remoteInitRx:
		return in, nil
	case <-ctx.Done():
		return transport.Init{}, ctx.Err()
	}
}

// SendInit transmits this side's marshaled initial battle state.
func (m *Match) SendInit(battleNumber uint8, inputDelay uint32, marshaled []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("match: not negotiated")
	}
	return conn.SendInit(transport.Init{
		BattleNumber: battleNumber,
		InputDelay:   inputDelay,
		Marshaled:    marshaled,
	})
}

// ExchangeInit runs the init marshal exchange for the current battle:
// sends our marshaled init with our input delay, then blocks for the
// remote peer's Init packet, returning their marshaled blob and delay.
func (m *Match) ExchangeInit(ctx context.Context, localInit []byte) ([]byte, uint32, error) {
	m.mu.Lock()
	number := m.number
	delay := m.settings.InputDelay
	m.mu.Unlock()

	if err := m.SendInit(number, delay, localInit); err != nil {
		return nil, 0, err
	}
	remote, err := m.RemoteInit(ctx)
	if err != nil {
		return nil, 0, err
	}
	return remote.Marshaled, remote.InputDelay, nil
}

// RNG returns the shared RNG seeded during negotiation, or nil if
// negotiation hasn't completed.
func (m *Match) RNG() *mathrand.Rand {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.negotiation == nil {
		return nil
	}
	return m.negotiation.RNG
}

type inputSender struct {
	conn         *transport.Conn
	battleNumber uint8
}

func (s *inputSender) SendInput(in input.Input) error {
	return s.conn.SendInput(transport.Input{
		BattleNumber:      s.battleNumber,
		LocalTick:         in.LocalTick,
		RemoteTick:        in.RemoteTick,
		Joyflags:          in.Joyflags,
		CustomScreenState: in.CustomScreenState,
		Turn:              in.Turn,
	})
}
