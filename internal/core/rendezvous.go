package core

// rendezvous.go implements the Rendezvous Client of §4.2: a JSON
// text-frame channel to a third-party signaling service, used only to
// bootstrap direct peer sessions (§1's "minimal rendezvous service").

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	rendezvousOpenTimeout   = 10 * time.Second
	rendezvousInitialBackoff = 5 * time.Second
	rendezvousMaxBackoff    = 60 * time.Second
)

// RendezvousClient registers this node with the rendezvous service and
// relays peer discovery and WebRTC signaling frames.
type RendezvousClient struct {
	url       string
	self      NodeID
	publicKey string
	log       *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	OnPeerList     func([]NodeID)
	OnPeerJoined   func(NodeID)
	OnPeerLeft     func(NodeID)
	OnOffer        func(from NodeID, sdp webrtc.SessionDescription)
	OnAnswer       func(from NodeID, sdp webrtc.SessionDescription)
	OnICECandidate func(from NodeID, c webrtc.ICECandidateInit)
}

// NewRendezvousClient constructs a client for the given endpoint.
func NewRendezvousClient(url string, self NodeID, publicKeyHex string, log *logrus.Entry) *RendezvousClient {
	return &RendezvousClient{url: url, self: self, publicKey: publicKeyHex, log: log}
}

// Start opens the channel and registers self. Failure to open within the
// 10s timeout is fatal to node startup (§4.2, §7 RendezvousUnavailable).
func (c *RendezvousClient) Start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, rendezvousOpenTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRendezvousUnavailable, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if err := c.register(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrRendezvousUnavailable, err)
	}

	go c.readLoop(ctx)
	return nil
}

// Stop closes the channel and halts reconnection.
func (c *RendezvousClient) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	conn := c.conn
	stopCh := c.stopCh
	c.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *RendezvousClient) register() error {
	return c.write(registerFrame{Type: FrameRegister, NodeID: c.self, PublicKey: c.publicKey})
}

func (c *RendezvousClient) write(v interface{}) error {
	data, err := marshalFrame(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrRendezvousUnavailable
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendSignal forwards an opaque WebRTC signaling payload to peer `to`,
// satisfying the `signaler` interface the Peer Registry dials through.
func (c *RendezvousClient) SendSignal(to NodeID, frameType string, signal interface{}) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return c.write(signalFrame{Type: frameType, From: c.self, To: to, Signal: payload})
}

func (c *RendezvousClient) readLoop(ctx context.Context) {
	backoff := rendezvousInitialBackoff
	for {
		c.mu.Lock()
		conn := c.conn
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}
		if conn == nil {
			if !c.reconnect(ctx, &backoff) {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("rendezvous channel closed")
			}
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			if !c.reconnect(ctx, &backoff) {
				return
			}
			continue
		}
		backoff = rendezvousInitialBackoff
		c.handleFrame(data)
	}
}

func (c *RendezvousClient) reconnect(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(*backoff):
	}
	*backoff = time.Duration(math.Min(float64(*backoff)*2, float64(rendezvousMaxBackoff)))

	dialCtx, cancel := context.WithTimeout(ctx, rendezvousOpenTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("rendezvous reconnect failed")
		}
		return true // keep retrying
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if err := c.register(); err != nil && c.log != nil {
		c.log.WithError(err).Warn("rendezvous re-register failed")
	}
	return true
}

func (c *RendezvousClient) handleFrame(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return
	}
	switch env.Type {
	case FramePeerList:
		var f peerListFrame
		if json.Unmarshal(data, &f) == nil && c.OnPeerList != nil {
			c.OnPeerList(f.Peers)
		}
	case FramePeerJoined:
		var f peerEventFrame
		if json.Unmarshal(data, &f) == nil && c.OnPeerJoined != nil {
			c.OnPeerJoined(f.NodeID)
		}
	case FramePeerLeft:
		var f peerEventFrame
		if json.Unmarshal(data, &f) == nil && c.OnPeerLeft != nil {
			c.OnPeerLeft(f.NodeID)
		}
	case FrameOffer, FrameAnswer, FrameICECandidate:
		var f signalFrame
		if json.Unmarshal(data, &f) != nil {
			return
		}
		sig, err := decodeSignal(f.Signal)
		if err != nil {
			return
		}
		switch env.Type {
		case FrameOffer:
			if sig.SDP != nil && c.OnOffer != nil {
				c.OnOffer(f.From, *sig.SDP)
			}
		case FrameAnswer:
			if sig.SDP != nil && c.OnAnswer != nil {
				c.OnAnswer(f.From, *sig.SDP)
			}
		case FrameICECandidate:
			if sig.Candidate != nil && c.OnICECandidate != nil {
				c.OnICECandidate(f.From, *sig.Candidate)
			}
		}
	case FrameError:
		var f rendezvousErrorFrame
		if json.Unmarshal(data, &f) == nil && c.log != nil {
			c.log.WithField("original", f.OriginalMessage).Warn(f.Message)
		}
	}
}
