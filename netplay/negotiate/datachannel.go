package negotiate

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannelRW bridges a *webrtc.DataChannel's callback-based OnMessage
// API to the blocking io.Reader/io.Writer transport.Conn expects: received
// frames queue onto a buffered channel, and Read drains them in order.
type dataChannelRW struct {
	dc *webrtc.DataChannel

	mu      sync.Mutex
	pending bytes.Buffer

	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newDataChannelRW(dc *webrtc.DataChannel) *dataChannelRW {
	rw := &dataChannelRW{
		dc:     dc,
		msgs:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case rw.msgs <- msg.Data:
		case <-rw.closed:
		}
	})
	dc.OnClose(func() {
		rw.once.Do(func() { close(rw.closed) })
	})
	return rw
}

// Write sends data as a single data channel message. The transport layer
// above already frames its own length prefix, but data channels preserve
// message boundaries regardless, so whole-message sends are safe.
func (rw *dataChannelRW) Write(p []byte) (int, error) {
	if err := rw.dc.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read drains buffered data channel messages into p, blocking for the
// next message if nothing is buffered.
func (rw *dataChannelRW) Read(p []byte) (int, error) {
	rw.mu.Lock()
	if rw.pending.Len() > 0 {
		n, _ := rw.pending.Read(p)
		rw.mu.Unlock()
		return n, nil
	}
	rw.mu.Unlock()

	select {
	case msg := <-rw.msgs:
		rw.mu.Lock()
		defer rw.mu.Unlock()
		n := copy(p, msg)
		if n < len(msg) {
			rw.pending.Write(msg[n:])
		}
		return n, nil
	case <-rw.closed:
		return 0, io.EOF
	}
}

// ErrChannelClosed is returned by callers observing the data channel close
// outside of a blocking Read.
var ErrChannelClosed = errors.New("negotiate: data channel closed")
