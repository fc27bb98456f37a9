// Package signaling implements the rendezvous client used to exchange
// full (non-trickle) SDPs with a remote peer before the WebRTC data
// channel opens. It satisfies netplay/negotiate.Signaler. Messages are
// JSON envelopes over a websocket: Start carries our offer, and the
// server replies with either a waiting peer's offer (we answer) or a
// peer's answer to ours. IceCandidate messages are rejected outright;
// trickle ICE is not supported, every candidate rides in the SDP.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/murkland/tango/netplay/negotiate"
)

// messageType tags one rendezvous envelope.
type messageType string

const (
	typeStart    messageType = "start"
	typeOffer    messageType = "offer"
	typeAnswer   messageType = "answer"
	typeAnswered messageType = "answered"
	typeICE      messageType = "ice_candidate"
)

type envelope struct {
	Type      messageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	SDP       string      `json:"sdp,omitempty"`
}

// Client is a rendezvous connection opened against a tango signaling
// server for exactly one session. It is single-use: call Start once, then
// SendAnswer at most once if Start reported a peer offer.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the rendezvous server at addr (e.g.
// "ws://localhost:8080/signal").
func Dial(ctx context.Context, addr string) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("signaling: parse address: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying websocket connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Start implements negotiate.Signaler: it sends our offer SDP tagged with
// the session ID and waits for exactly one response, either the peer's
// offer (we must then answer) or the peer's answer to ours.
func (c *Client) Start(ctx context.Context, offerSDP string) (negotiate.SignalResponse, error) {
	return c.StartSession(ctx, "", offerSDP)
}

// StartSession is Start with an explicit session/room ID, used by callers
// that need to address a specific rendezvous room (the CLI wires this
// from -room).
func (c *Client) StartSession(ctx context.Context, sessionID, offerSDP string) (negotiate.SignalResponse, error) {
	if err := c.send(envelope{Type: typeStart, SessionID: sessionID, SDP: offerSDP}); err != nil {
		return negotiate.SignalResponse{}, err
	}

	msg, err := c.recv(ctx)
	if err != nil {
		return negotiate.SignalResponse{}, err
	}

	switch msg.Type {
	case typeOffer:
		sdp := msg.SDP
		return negotiate.SignalResponse{Offer: &sdp}, nil
	case typeAnswer:
		sdp := msg.SDP
		return negotiate.SignalResponse{Answer: &sdp}, nil
	case typeICE:
		return negotiate.SignalResponse{}, fmt.Errorf("signaling: trickle ice not supported")
	default:
		return negotiate.SignalResponse{}, fmt.Errorf("signaling: unexpected message type %q", msg.Type)
	}
}

// SendAnswer implements negotiate.Signaler: posts our answer SDP back to
// the rendezvous server and waits for the server's "answered"
// acknowledgement.
func (c *Client) SendAnswer(ctx context.Context, answerSDP string) error {
	if err := c.send(envelope{Type: typeAnswer, SDP: answerSDP}); err != nil {
		return err
	}

	msg, err := c.recv(ctx)
	if err != nil {
		return err
	}
	if msg.Type != typeAnswered {
		return fmt.Errorf("signaling: expected answered acknowledgement, got %q", msg.Type)
	}
	return nil
}

func (c *Client) send(e envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("signaling: marshal: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

func (c *Client) recv(ctx context.Context) (envelope, error) {
	type result struct {
		msg envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			ch <- result{err: fmt.Errorf("signaling: read: %w", err)}
			return
		}
		var e envelope
		if err := json.Unmarshal(data, &e); err != nil {
			ch <- result{err: fmt.Errorf("signaling: unmarshal: %w", err)}
			return
		}
		ch <- result{msg: e}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		c.conn.Close()
		return envelope{}, ctx.Err()
	}
}
