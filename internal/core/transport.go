package core

// transport.go supplies the concrete ordered, reliable byte stream a
// PeerSession runs over: pion/webrtc data channels, set up via SDP
// offer/answer exchange, wrapped in a reusable Transport abstraction driven
// by signaling frames relayed through the rendezvous client.

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Transport is the framed, message-boundary-preserving channel a PeerSession
// sends and receives whole JSON frames over (§4.3's framing requirement).
// The rendezvous/WebRTC transport and the in-memory transport used by tests
// both satisfy it.
type Transport interface {
	Send(data []byte) error
	Close() error
	OnMessage(func([]byte))
	OnClose(func())
}

// webrtcSignal is the content carried inside a rendezvous "offer"/"answer"/
// "ice-candidate" frame's opaque "signal" field.
type webrtcSignal struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// webrtcTransport adapts a pion DataChannel to the Transport interface.
type webrtcTransport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu      sync.Mutex
	onMsg   func([]byte)
	onClose func()
}

func newWebRTCTransport(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *webrtcTransport {
	t := &webrtcTransport{pc: pc, dc: dc}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		cb := t.onMsg
		t.mu.Unlock()
		if cb != nil {
			cb(msg.Data)
		}
	})
	dc.OnClose(func() {
		t.mu.Lock()
		cb := t.onClose
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	return t
}

func (t *webrtcTransport) Send(data []byte) error {
	if err := t.dc.Send(data); err != nil {
		return fmt.Errorf("%w: data channel send: %v", ErrTransport, err)
	}
	return nil
}

func (t *webrtcTransport) Close() error {
	_ = t.dc.Close()
	return t.pc.Close()
}

func (t *webrtcTransport) OnMessage(cb func([]byte)) {
	t.mu.Lock()
	t.onMsg = cb
	t.mu.Unlock()
}

func (t *webrtcTransport) OnClose(cb func()) {
	t.mu.Lock()
	t.onClose = cb
	t.mu.Unlock()
}

// newPeerConnection builds a PeerConnection with the default ICE server
// configuration. The Peer Registry (registry.go) uses it as its default
// newTransport to create both the offering and answering sides.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pc, nil
}
