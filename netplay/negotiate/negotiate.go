// Package negotiate implements the tango match negotiation handshake:
// peer connection + data channel setup through a signaling rendezvous,
// followed by a commit-reveal exchange that seeds a shared RNG and
// assigns polite/impolite roles. The commit-reveal keeps either side from
// choosing the seed: each peer commits to a nonce before seeing the
// other's, then reveals it, and the seed is the XOR of both.
package negotiate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	mathrand "math/rand"

	"github.com/pion/webrtc/v4"
	"golang.org/x/crypto/sha3"

	"github.com/murkland/tango/netplay/transport"
)

// Role is which side of the negotiation a peer played. The offerer is
// impolite; the answerer is polite. The split exists only to break
// symmetry where the two sides must disagree, like the first
// who-won-last-battle draw.
type Role uint8

const (
	Impolite Role = iota
	Polite
)

// ErrorKind enumerates the ways a negotiation can fail.
type ErrorKind int

const (
	ExpectedHello ErrorKind = iota
	ExpectedHola
	IdenticalCommitment
	ProtocolVersionMismatch
	MatchTypeMismatch
	GameMismatch
	InvalidCommitment
	Other
)

func (k ErrorKind) String() string {
	switch k {
	case ExpectedHello:
		return "ExpectedHello"
	case ExpectedHola:
		return "ExpectedHola"
	case IdenticalCommitment:
		return "IdenticalCommitment"
	case ProtocolVersionMismatch:
		return "ProtocolVersionMismatch"
	case MatchTypeMismatch:
		return "MatchTypeMismatch"
	case GameMismatch:
		return "GameMismatch"
	case InvalidCommitment:
		return "InvalidCommitment"
	default:
		return "Other"
	}
}

// Error is a NegotiationError: negotiation is single-attempt and never
// retried, so every failure here is terminal and surfaces to the UI.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("negotiate: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("negotiate: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// SignalResponse is what the rendezvous service answers a Start request
// with: either the peer's offer (this client must then answer) or the
// peer's answer to our own offer.
type SignalResponse struct {
	Offer  *string
	Answer *string
}

// Signaler is the rendezvous client surface negotiate needs: a Start
// request carrying our offer SDP answered with either a peer's offer or
// a peer's answer, and posting our answer back once we've answered a
// peer's offer.
type Signaler interface {
	Start(ctx context.Context, offerSDP string) (SignalResponse, error)
	SendAnswer(ctx context.Context, answerSDP string) error
}

// Identity is the local side's game/protocol identity sent in Hello.
type Identity struct {
	GameTitle string
	GameCRC32 uint32
	MatchType uint16
}

// Result is everything a successful negotiation produces.
type Result struct {
	PeerConnection *webrtc.PeerConnection
	DataChannel    *webrtc.DataChannel
	Conn           *transport.Conn
	Role           Role
	RNG            *mathrand.Rand
	WonLastBattle  bool
}

// dataChannelID is the pre-negotiated, ordered channel both sides agree to
// use without further SDP renegotiation.
const dataChannelID = 1

// webrtcConfig returns the ICE server configuration. STUN-only: the data
// channel carries a few hundred bytes per frame, so a TURN relay isn't
// worth operating.
func webrtcConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Negotiate runs the full handshake: peer connection setup through
// signaler, then the commit-reveal exchange over the resulting data
// channel. It is not retried; any error is terminal.
func Negotiate(ctx context.Context, signaler Signaler, identity Identity) (*Result, error) {
	pc, err := webrtc.NewPeerConnection(webrtcConfig())
	if err != nil {
		return nil, newError(Other, fmt.Errorf("new peer connection: %w", err))
	}

	ordered := true
	negotiated := true
	id := uint16(dataChannelID)
	dc, err := pc.CreateDataChannel("tango", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("create data channel: %w", err))
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("create offer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("set local description: %w", err))
	}
	<-gatherComplete // no trickle ICE: the full SDP carries every candidate.

	resp, err := signaler.Start(ctx, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("signaling start: %w", err))
	}

	var role Role
	switch {
	case resp.Offer != nil:
		// The rendezvous matched us with a peer who also offered; we
		// answer, making us polite.
		role = Polite
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: *resp.Offer,
		}); err != nil {
			pc.Close()
			return nil, newError(Other, fmt.Errorf("set remote offer: %w", err))
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			pc.Close()
			return nil, newError(Other, fmt.Errorf("create answer: %w", err))
		}
		answerGather := webrtc.GatheringCompletePromise(pc)
		if err := pc.SetLocalDescription(answer); err != nil {
			pc.Close()
			return nil, newError(Other, fmt.Errorf("set local answer: %w", err))
		}
		<-answerGather
		if err := signaler.SendAnswer(ctx, pc.LocalDescription().SDP); err != nil {
			pc.Close()
			return nil, newError(Other, fmt.Errorf("send answer: %w", err))
		}

	case resp.Answer != nil:
		// Our offer was matched directly to a peer's answer; we remain
		// impolite.
		role = Impolite
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: *resp.Answer,
		}); err != nil {
			pc.Close()
			return nil, newError(Other, fmt.Errorf("set remote answer: %w", err))
		}

	default:
		pc.Close()
		return nil, newError(Other, fmt.Errorf("signaling response carried neither offer nor answer"))
	}

	openCh := make(chan struct{})
	dc.OnOpen(func() {
		close(openCh)
	})
	select {
	case <-openCh:
	case <-ctx.Done():
		pc.Close()
		return nil, newError(Other, ctx.Err())
	}

	conn := transport.NewConn(newDataChannelRW(dc))

	localNonce := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, localNonce); err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("draw nonce: %w", err))
	}
	localCommitment := commit(localNonce)

	if err := conn.SendHello(transport.Hello{
		ProtocolVersion: transport.ProtocolVersion,
		GameTitle:       identity.GameTitle,
		GameCRC32:       identity.GameCRC32,
		MatchType:       identity.MatchType,
		RNGCommitment:   localCommitment,
	}); err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("send hello: %w", err))
	}

	msg, err := conn.Receive()
	if err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("receive hello: %w", err))
	}
	if msg.Hello == nil {
		pc.Close()
		return nil, newError(ExpectedHello, nil)
	}
	remoteHello := msg.Hello

	if subtle.ConstantTimeCompare(localCommitment, remoteHello.RNGCommitment) == 1 {
		pc.Close()
		return nil, newError(IdenticalCommitment, nil)
	}
	if remoteHello.ProtocolVersion != transport.ProtocolVersion {
		pc.Close()
		return nil, newError(ProtocolVersionMismatch, nil)
	}
	if remoteHello.MatchType != identity.MatchType {
		pc.Close()
		return nil, newError(MatchTypeMismatch, nil)
	}
	if !titlePrefixMatches(remoteHello.GameTitle, identity.GameTitle) || remoteHello.GameCRC32 != identity.GameCRC32 {
		pc.Close()
		return nil, newError(GameMismatch, nil)
	}

	if err := conn.SendHola(transport.Hola{RNGNonce: localNonce}); err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("send hola: %w", err))
	}

	msg, err = conn.Receive()
	if err != nil {
		pc.Close()
		return nil, newError(Other, fmt.Errorf("receive hola: %w", err))
	}
	if msg.Hola == nil {
		pc.Close()
		return nil, newError(ExpectedHola, nil)
	}
	remoteNonce := msg.Hola.RNGNonce

	if subtle.ConstantTimeCompare(commit(remoteNonce), remoteHello.RNGCommitment) != 1 {
		pc.Close()
		return nil, newError(InvalidCommitment, nil)
	}

	seed := xorBytes(localNonce, remoteNonce)
	rng := mathrand.New(mathrand.NewSource(seedToInt64(seed)))
	wonLastBattle := rng.Int63()&1 == 1 == (role == Polite)

	return &Result{
		PeerConnection: pc,
		DataChannel:    dc,
		Conn:           conn,
		Role:           role,
		RNG:            rng,
		WonLastBattle:  wonLastBattle,
	}, nil
}

// commit computes SHAKE128("syncrand:nonce:" || nonce) read to 32 bytes.
func commit(nonce []byte) []byte {
	h := sha3.NewShake128()
	h.Write([]byte("syncrand:nonce:"))
	h.Write(nonce)
	out := make([]byte, 32)
	h.Read(out)
	return out
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func seedToInt64(b []byte) int64 {
	var v int64
	for i := 0; i < len(b) && i < 8; i++ {
		v = v<<8 | int64(b[i])
	}
	return v
}

// titlePrefixMatches compares the first 8 bytes of two game titles: the
// variant code lives there, while the trailing bytes only differ by
// region/revision and stay link-compatible.
func titlePrefixMatches(a, b string) bool {
	const n = 8
	if len(a) < n || len(b) < n {
		return a == b
	}
	return a[:n] == b[:n]
}
