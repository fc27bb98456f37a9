// Package transport implements the tango wire protocol: a small fixed
// set of message kinds (Hello/Hola/Init/Input), each encoded with
// fixed-width little-endian integers and length-prefixed byte strings
// over a reliable ordered channel.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the single version byte embedded in every Hello.
// Any other value seen on the wire aborts negotiation.
const ProtocolVersion = 0x0d

// Kind tags one wire message.
type Kind uint8

const (
	KindHello Kind = iota
	KindHola
	KindInit
	KindInput
)

// Hello is the first handshake message: protocol/game identity plus the
// sender's commitment to their RNG nonce.
type Hello struct {
	ProtocolVersion uint8
	GameTitle       string
	GameCRC32       uint32
	MatchType       uint16
	RNGCommitment   []byte
}

// Hola reveals the nonce committed to in Hello.
type Hola struct {
	RNGNonce []byte
}

// Init carries one side's marshaled initial battle state.
type Init struct {
	BattleNumber uint8
	InputDelay   uint32
	Marshaled    []byte
}

// Input carries one side's per-tick contribution.
type Input struct {
	BattleNumber      uint8
	LocalTick         uint32
	RemoteTick        uint32
	Joyflags          uint16
	CustomScreenState uint8
	Turn              []byte
}

// Conn sends and receives length-delimited frames over a reliable ordered
// channel (a WebRTC data channel in the demo wiring; anything implementing
// io.Reader/io.Writer in tests). Each frame is a u32LE length prefix
// followed by a Kind byte and the encoded message.
type Conn struct {
	rw io.ReadWriter
}

// NewConn wraps rw as a tango transport connection.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

func writeFrame(w io.Writer, kind Kind, body []byte) error {
	frame := make([]byte, 4+1+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(1+len(body)))
	frame[4] = byte(kind)
	copy(frame[5:], body)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) (Kind, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("transport: empty frame")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return Kind(payload[0]), payload[1:], nil
}

func putLenPrefixed(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func takeLenPrefixed(data []byte) (value []byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("transport: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("transport: truncated payload")
	}
	return data[:n], data[n:], nil
}

// SendHello encodes and writes a Hello message.
func (c *Conn) SendHello(h Hello) error {
	body := []byte{h.ProtocolVersion}
	body = putLenPrefixed(body, []byte(h.GameTitle))
	var tail [6]byte
	binary.LittleEndian.PutUint32(tail[0:4], h.GameCRC32)
	binary.LittleEndian.PutUint16(tail[4:6], h.MatchType)
	body = append(body, tail[:]...)
	body = putLenPrefixed(body, h.RNGCommitment)
	return writeFrame(c.rw, KindHello, body)
}

// SendHola encodes and writes a Hola message.
func (c *Conn) SendHola(h Hola) error {
	body := putLenPrefixed(nil, h.RNGNonce)
	return writeFrame(c.rw, KindHola, body)
}

// SendInit encodes and writes an Init message.
func (c *Conn) SendInit(in Init) error {
	body := []byte{in.BattleNumber}
	var delay [4]byte
	binary.LittleEndian.PutUint32(delay[:], in.InputDelay)
	body = append(body, delay[:]...)
	body = putLenPrefixed(body, in.Marshaled)
	return writeFrame(c.rw, KindInit, body)
}

// SendInput encodes and writes an Input message.
func (c *Conn) SendInput(in Input) error {
	body := make([]byte, 0, 1+4+4+2+1)
	body = append(body, in.BattleNumber)
	var fixed [11]byte
	binary.LittleEndian.PutUint32(fixed[0:4], in.LocalTick)
	binary.LittleEndian.PutUint32(fixed[4:8], in.RemoteTick)
	binary.LittleEndian.PutUint16(fixed[8:10], in.Joyflags)
	fixed[10] = in.CustomScreenState
	body = append(body, fixed[:]...)
	body = putLenPrefixed(body, in.Turn)
	return writeFrame(c.rw, KindInput, body)
}

// Message is the decoded union returned by Receive: exactly one of the
// fields is non-nil, matching whichever Kind was on the wire.
type Message struct {
	Hello *Hello
	Hola  *Hola
	Init  *Init
	Input *Input
}

// Receive blocks for the next frame and decodes it.
func (c *Conn) Receive() (Message, error) {
	kind, body, err := readFrame(c.rw)
	if err != nil {
		return Message{}, err
	}

	switch kind {
	case KindHello:
		if len(body) < 1 {
			return Message{}, fmt.Errorf("transport: truncated hello")
		}
		version := body[0]
		title, rest, err := takeLenPrefixed(body[1:])
		if err != nil {
			return Message{}, fmt.Errorf("transport: decode hello title: %w", err)
		}
		if len(rest) < 6 {
			return Message{}, fmt.Errorf("transport: truncated hello tail")
		}
		crc := binary.LittleEndian.Uint32(rest[0:4])
		matchType := binary.LittleEndian.Uint16(rest[4:6])
		commitment, _, err := takeLenPrefixed(rest[6:])
		if err != nil {
			return Message{}, fmt.Errorf("transport: decode hello commitment: %w", err)
		}
		return Message{Hello: &Hello{
			ProtocolVersion: version,
			GameTitle:       string(title),
			GameCRC32:       crc,
			MatchType:       matchType,
			RNGCommitment:   commitment,
		}}, nil

	case KindHola:
		nonce, _, err := takeLenPrefixed(body)
		if err != nil {
			return Message{}, fmt.Errorf("transport: decode hola: %w", err)
		}
		return Message{Hola: &Hola{RNGNonce: nonce}}, nil

	case KindInit:
		if len(body) < 5 {
			return Message{}, fmt.Errorf("transport: truncated init")
		}
		battleNumber := body[0]
		delay := binary.LittleEndian.Uint32(body[1:5])
		marshaled, _, err := takeLenPrefixed(body[5:])
		if err != nil {
			return Message{}, fmt.Errorf("transport: decode init marshaled: %w", err)
		}
		return Message{Init: &Init{
			BattleNumber: battleNumber,
			InputDelay:   delay,
			Marshaled:    marshaled,
		}}, nil

	case KindInput:
		if len(body) < 12 {
			return Message{}, fmt.Errorf("transport: truncated input")
		}
		battleNumber := body[0]
		localTick := binary.LittleEndian.Uint32(body[1:5])
		remoteTick := binary.LittleEndian.Uint32(body[5:9])
		joyflags := binary.LittleEndian.Uint16(body[9:11])
		customScreen := body[11]
		turn, _, err := takeLenPrefixed(body[12:])
		if err != nil {
			return Message{}, fmt.Errorf("transport: decode input turn: %w", err)
		}
		return Message{Input: &Input{
			BattleNumber:      battleNumber,
			LocalTick:         localTick,
			RemoteTick:        remoteTick,
			Joyflags:          joyflags,
			CustomScreenState: customScreen,
			Turn:              turn,
		}}, nil

	default:
		return Message{}, fmt.Errorf("transport: unknown kind %d", kind)
	}
}
