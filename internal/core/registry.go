package core

// registry.go implements §4.4: the Peer Registry owns every PeerSession,
// applies the dial/tie-break policy of §3/§4.4, and exposes the
// send/broadcast/connected_peers API the rest of the node uses to talk to
// peers without knowing about transports or signaling.

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// signaler is the minimal surface the registry needs from the rendezvous
// client to exchange SDP/ICE blobs with a peer it does not yet have a
// direct session to. Kept as an interface so tests can substitute a fake.
type signaler interface {
	SendSignal(to NodeID, frameType string, signal interface{}) error
}

// PeerRegistry tracks session state for all peers (§4.4).
type PeerRegistry struct {
	self NodeID

	mu       sync.Mutex
	sessions map[NodeID]*PeerSession
	dialing  map[NodeID]bool
	pcs      map[NodeID]*webrtc.PeerConnection
	pending  map[NodeID][]webrtc.ICECandidateInit

	signal signaler
	events *observerSet

	// onFrame routes a decoded inbound frame to the node's dispatch table.
	onFrame func(peerID NodeID, frameType string, raw []byte)
	// onOpen fires once a session transitions into Open; the node's handler
	// is what schedules the blockchain-sync kickoff (§4.3).
	onOpen func(peerID NodeID)
	// onClosed fires once a session transitions into Closed.
	onClosed func(peerID NodeID)

	// newTransport is overridable in tests to avoid real WebRTC sockets.
	newTransport func() (*webrtc.PeerConnection, error)
}

// NewPeerRegistry constructs an empty registry for self.
func NewPeerRegistry(self NodeID, signal signaler, events *observerSet) *PeerRegistry {
	return &PeerRegistry{
		self:         self,
		sessions:     make(map[NodeID]*PeerSession),
		dialing:      make(map[NodeID]bool),
		pcs:          make(map[NodeID]*webrtc.PeerConnection),
		pending:      make(map[NodeID][]webrtc.ICECandidateInit),
		signal:       signal,
		events:       events,
		newTransport: newPeerConnection,
	}
}

// isInitiator implements the tie-break rule of §3: the lexicographically
// larger NodeId initiates.
func isInitiator(self, peer NodeID) bool { return self > peer }

// Dial is a no-op if a session exists or a dial is already in flight for
// peer (§4.4). Per the tie-break rule, only the lexicographically larger
// side actually sends a WebRTC offer; the smaller side records intent and
// waits for the inbound offer.
func (r *PeerRegistry) Dial(peer NodeID) error {
	if peer == r.self {
		return fmt.Errorf("dial: cannot dial self")
	}
	r.mu.Lock()
	if r.sessions[peer] != nil || r.dialing[peer] {
		r.mu.Unlock()
		return nil
	}
	r.dialing[peer] = true
	r.mu.Unlock()

	if !isInitiator(r.self, peer) {
		return nil
	}
	return r.sendOffer(peer)
}

func (r *PeerRegistry) sendOffer(peer NodeID) error {
	pc, err := r.newTransport()
	if err != nil {
		r.clearDialing(peer)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	dc, err := pc.CreateDataChannel("session", nil)
	if err != nil {
		_ = pc.Close()
		r.clearDialing(peer)
		return fmt.Errorf("%w: create data channel: %v", ErrTransport, err)
	}
	r.trackPC(peer, pc)
	r.wireICE(peer, pc)

	dc.OnOpen(func() {
		r.completeSession(peer, true, pc, dc)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrTransport, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrTransport, err)
	}
	return r.signal.SendSignal(peer, FrameOffer, webrtcSignal{SDP: &offer})
}

// HandleOffer answers an inbound WebRTC offer from peer. If a stale session
// or in-flight connection already exists for peer, it is discarded first
// (§4.4: "the other's dial is redundant and its session object is
// discarded on arrival of the remote offer").
func (r *PeerRegistry) HandleOffer(peer NodeID, sdp webrtc.SessionDescription) error {
	r.discardStale(peer)

	pc, err := r.newTransport()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	r.trackPC(peer, pc)
	r.wireICE(peer, pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			r.completeSession(peer, false, pc, dc)
		})
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrTransport, err)
	}
	r.flushPendingCandidates(peer, pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrTransport, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrTransport, err)
	}
	return r.signal.SendSignal(peer, FrameAnswer, webrtcSignal{SDP: &answer})
}

// HandleAnswer completes the initiator side of a dial once the answer
// arrives.
func (r *PeerRegistry) HandleAnswer(peer NodeID, sdp webrtc.SessionDescription) error {
	r.mu.Lock()
	pc := r.pcs[peer]
	r.mu.Unlock()
	if pc == nil {
		return nil // unsolicited answer, ignore
	}
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrTransport, err)
	}
	r.flushPendingCandidates(peer, pc)
	return nil
}

// HandleICECandidate applies (or queues) a trickled ICE candidate.
func (r *PeerRegistry) HandleICECandidate(peer NodeID, c webrtc.ICECandidateInit) error {
	r.mu.Lock()
	pc := r.pcs[peer]
	if pc == nil || pc.RemoteDescription() == nil {
		r.pending[peer] = append(r.pending[peer], c)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	if err := pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add ice candidate: %v", ErrTransport, err)
	}
	return nil
}

func (r *PeerRegistry) flushPendingCandidates(peer NodeID, pc *webrtc.PeerConnection) {
	r.mu.Lock()
	queued := r.pending[peer]
	delete(r.pending, peer)
	r.mu.Unlock()
	for _, c := range queued {
		_ = pc.AddICECandidate(c)
	}
}

func (r *PeerRegistry) wireICE(peer NodeID, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = r.signal.SendSignal(peer, FrameICECandidate, webrtcSignal{Candidate: &init})
	})
}

func (r *PeerRegistry) trackPC(peer NodeID, pc *webrtc.PeerConnection) {
	r.mu.Lock()
	r.pcs[peer] = pc
	r.mu.Unlock()
}

func (r *PeerRegistry) discardStale(peer NodeID) {
	r.mu.Lock()
	old := r.sessions[peer]
	oldPC := r.pcs[peer]
	delete(r.sessions, peer)
	delete(r.pcs, peer)
	delete(r.dialing, peer)
	r.mu.Unlock()
	if old != nil {
		old.requestClose()
	}
	if oldPC != nil {
		_ = oldPC.Close()
	}
}

func (r *PeerRegistry) clearDialing(peer NodeID) {
	r.mu.Lock()
	delete(r.dialing, peer)
	delete(r.pcs, peer)
	r.mu.Unlock()
}

func (r *PeerRegistry) completeSession(peer NodeID, initiator bool, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	transport := newWebRTCTransport(pc, dc)
	r.addSession(peer, initiator, transport)
}

// addSession installs transport as peer's session and opens it. Exposed
// (unexported) separately from completeSession so tests can inject a fake
// Transport without a real WebRTC handshake.
func (r *PeerRegistry) addSession(peer NodeID, initiator bool, transport Transport) *PeerSession {
	session := newPeerSession(peer, initiator, transport, r.dispatchFrame, r.handleStateChange)
	r.mu.Lock()
	r.sessions[peer] = session
	delete(r.dialing, peer)
	r.mu.Unlock()
	session.open()
	return session
}

func (r *PeerRegistry) dispatchFrame(peer NodeID, frameType string, raw []byte) {
	if r.onFrame != nil {
		r.onFrame(peer, frameType, raw)
	}
}

func (r *PeerRegistry) handleStateChange(peer NodeID, state SessionState) {
	switch state {
	case StateOpen:
		if r.onOpen != nil {
			r.onOpen(peer)
		}
	case StateClosed:
		r.mu.Lock()
		delete(r.sessions, peer)
		delete(r.pcs, peer)
		delete(r.dialing, peer)
		delete(r.pending, peer)
		r.mu.Unlock()
		if r.onClosed != nil {
			r.onClosed(peer)
		}
	}
}

// Drop tears down the session for peer, if any.
func (r *PeerRegistry) Drop(peer NodeID) {
	r.mu.Lock()
	s := r.sessions[peer]
	r.mu.Unlock()
	if s != nil {
		s.requestClose()
	}
}

// Send delivers msg to peer's session, returning false if the session is
// not open (§4.4).
func (r *PeerRegistry) Send(peer NodeID, msg interface{}) bool {
	r.mu.Lock()
	s := r.sessions[peer]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.send(msg)
}

// Broadcast sends msg to every open session except those in exclude,
// returning the count actually sent.
func (r *PeerRegistry) Broadcast(msg interface{}, exclude ...NodeID) int {
	excluded := make(map[NodeID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	r.mu.Lock()
	targets := make([]*PeerSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		if !excluded[id] {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()
	sent := 0
	for _, s := range targets {
		if s.send(msg) {
			sent++
		}
	}
	return sent
}

// ConnectedPeers returns the NodeIDs with an Open session.
func (r *PeerRegistry) ConnectedPeers() []NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeID, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.Status() == StateOpen {
			out = append(out, id)
		}
	}
	return out
}

// Heartbeat pings every open session and tears down any that missed three
// consecutive pongs (§4.3).
func (r *PeerRegistry) Heartbeat(tsMS int64) {
	r.mu.Lock()
	targets := make([]*PeerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()
	for _, s := range targets {
		if s.Status() != StateOpen {
			continue
		}
		if s.checkLiveness() {
			s.requestClose()
			continue
		}
		s.sendPing(tsMS)
	}
}

// decodeSignal parses the opaque "signal" payload of an offer/answer/
// ice-candidate frame.
func decodeSignal(raw json.RawMessage) (webrtcSignal, error) {
	var sig webrtcSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return webrtcSignal{}, fmt.Errorf("decode signal: %w", err)
	}
	return sig, nil
}
