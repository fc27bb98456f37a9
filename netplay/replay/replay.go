// Package replay implements the tango replay file format: a zstd-framed
// stream recording the initial committed state and every committed input
// pair of a battle. Feeding the decoded state and pairs back through the
// fastforwarder reproduces the live simulation byte for byte, so a replay
// is also the ground truth when debugging a desync.
package replay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/murkland/tango/netplay/input"
)

// Header is the literal 4-byte magic every replay file starts with.
var Header = [4]byte{'T', 'O', 'O', 'T'}

// Version is the replay format version byte, bumped from the legacy
// format's 0x09 when per-tick input pair records replaced the old
// state-only layout. Readers reject anything else outright rather than
// guessing at record boundaries.
const Version = 0x0a

// Writer appends committed state and input pairs to a zstd-compressed
// stream. It is written to incrementally as pairs commit; Close flushes
// and finalizes the zstd frame.
type Writer struct {
	enc *zstd.Encoder
	buf *bufio.Writer
}

// NewWriter opens a replay stream on w, writing the header, version, and
// local player index immediately.
func NewWriter(w io.Writer, localPlayerIndex uint8) (*Writer, error) {
	buf := bufio.NewWriter(w)
	enc, err := zstd.NewWriter(buf)
	if err != nil {
		return nil, fmt.Errorf("replay: new zstd encoder: %w", err)
	}

	rw := &Writer{enc: enc, buf: buf}
	if _, err := buf.Write(Header[:]); err != nil {
		return nil, fmt.Errorf("replay: write header: %w", err)
	}
	if _, err := buf.Write([]byte{Version}); err != nil {
		return nil, fmt.Errorf("replay: write version: %w", err)
	}
	if _, err := enc.Write([]byte{localPlayerIndex}); err != nil {
		return nil, fmt.Errorf("replay: write player index: %w", err)
	}
	return rw, nil
}

// WriteState writes the initial committed EmuState, length-prefixed.
func (w *Writer) WriteState(state []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(state)))
	if _, err := w.enc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("replay: write state length: %w", err)
	}
	if _, err := w.enc.Write(state); err != nil {
		return fmt.Errorf("replay: write state: %w", err)
	}
	return w.enc.Flush()
}

// WritePair appends one committed input pair record.
func (w *Writer) WritePair(p input.Pair) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], p.Local.LocalTick)
	binary.LittleEndian.PutUint32(hdr[4:8], p.Local.RemoteTick)
	binary.LittleEndian.PutUint16(hdr[8:10], p.Local.Joyflags)
	binary.LittleEndian.PutUint16(hdr[10:12], p.Remote.Joyflags)
	if _, err := w.enc.Write(hdr[:]); err != nil {
		return fmt.Errorf("replay: write pair header: %w", err)
	}
	if _, err := w.enc.Write([]byte{p.Local.CustomScreenState, p.Remote.CustomScreenState}); err != nil {
		return fmt.Errorf("replay: write custom screen state: %w", err)
	}
	if err := writeLenPrefixed(w.enc, p.Local.Turn); err != nil {
		return fmt.Errorf("replay: write local turn: %w", err)
	}
	if err := writeLenPrefixed(w.enc, p.Remote.Turn); err != nil {
		return fmt.Errorf("replay: write remote turn: %w", err)
	}
	return w.enc.Flush()
}

// Close finalizes the zstd frame and flushes the underlying writer.
func (w *Writer) Close() error {
	if err := w.enc.Close(); err != nil {
		return err
	}
	return w.buf.Flush()
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// Reader decodes a replay stream written by Writer.
type Reader struct {
	dec              *zstd.Decoder
	LocalPlayerIndex uint8
}

// NewReader opens r, validating the magic and version header and
// capturing the recorded local player index.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("replay: read header: %w", err)
	}
	if hdr != Header {
		return nil, fmt.Errorf("replay: bad magic %q", hdr)
	}

	var versionByte [1]byte
	if _, err := io.ReadFull(r, versionByte[:]); err != nil {
		return nil, fmt.Errorf("replay: read version: %w", err)
	}
	if versionByte[0] != Version {
		return nil, fmt.Errorf("replay: unsupported version 0x%02x", versionByte[0])
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("replay: new zstd reader: %w", err)
	}

	var playerIndex [1]byte
	if _, err := io.ReadFull(dec, playerIndex[:]); err != nil {
		return nil, fmt.Errorf("replay: read player index: %w", err)
	}

	return &Reader{dec: dec, LocalPlayerIndex: playerIndex[0]}, nil
}

// ReadState reads the initial committed EmuState.
func (r *Reader) ReadState() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.dec, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("replay: read state length: %w", err)
	}
	state := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r.dec, state); err != nil {
		return nil, fmt.Errorf("replay: read state: %w", err)
	}
	return state, nil
}

// ReadPair reads the next committed input pair. It returns io.EOF cleanly
// when the stream ends exactly on a record boundary.
func (r *Reader) ReadPair() (input.Pair, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r.dec, hdr[:]); err != nil {
		return input.Pair{}, err
	}

	localTick := binary.LittleEndian.Uint32(hdr[0:4])
	remoteTick := binary.LittleEndian.Uint32(hdr[4:8])
	p1Joyflags := binary.LittleEndian.Uint16(hdr[8:10])
	p2Joyflags := binary.LittleEndian.Uint16(hdr[10:12])

	var screens [2]byte
	if _, err := io.ReadFull(r.dec, screens[:]); err != nil {
		return input.Pair{}, fmt.Errorf("replay: read custom screen state: %w", err)
	}

	localTurn, err := readLenPrefixed(r.dec)
	if err != nil {
		return input.Pair{}, fmt.Errorf("replay: read local turn: %w", err)
	}
	remoteTurn, err := readLenPrefixed(r.dec)
	if err != nil {
		return input.Pair{}, fmt.Errorf("replay: read remote turn: %w", err)
	}

	return input.Pair{
		Local: input.Input{
			LocalTick:         localTick,
			RemoteTick:        remoteTick,
			Joyflags:          p1Joyflags,
			CustomScreenState: screens[0],
			Turn:              localTurn,
		},
		Remote: input.Input{
			LocalTick:         localTick,
			RemoteTick:        remoteTick,
			Joyflags:          p2Joyflags,
			CustomScreenState: screens[1],
			Turn:              remoteTurn,
		},
	}, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
