package core

// session.go implements the per-peer state machine of §4.3: one session per
// remote NodeID, framed send/receive, heartbeat, and typed dispatch. The
// transport beneath it preserves message boundaries and ordering (§4.3), so
// framing here is just "one JSON object per Send call".

import (
	"encoding/json"
	"sync"
)

// SessionState is the lifecycle of a PeerSession (§4.3's state table).
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const heartbeatMissLimit = 3

// PeerSession owns one peer's transport and dispatches inbound frames by
// type to the onFrame callback wired in by the registry.
type PeerSession struct {
	PeerID    NodeID
	Initiator bool

	transport Transport

	mu                 sync.Mutex
	state              SessionState
	lastPingSentMS     int64
	lastPongReceivedMS int64
	missedPongs        int

	onFrame func(peerID NodeID, frameType string, raw []byte)
	onState func(peerID NodeID, state SessionState)

	closeOnce sync.Once
}

// newPeerSession wraps transport in Connecting state. Call open() once the
// transport reports the channel established.
func newPeerSession(peerID NodeID, initiator bool, transport Transport,
	onFrame func(NodeID, string, []byte), onState func(NodeID, SessionState)) *PeerSession {
	s := &PeerSession{
		PeerID:    peerID,
		Initiator: initiator,
		transport: transport,
		state:     StateConnecting,
		onFrame:   onFrame,
		onState:   onState,
	}
	transport.OnMessage(s.handleRaw)
	transport.OnClose(func() { s.transitionTo(StateClosed) })
	return s
}

// open transitions Connecting -> Open (§4.3's first row). The session sends
// nothing itself; the registry's state callback runs the node's open
// handler, which schedules a blockchain-sync request for authority peers
// (see SyncManager.OnPeerOpen).
func (s *PeerSession) open() {
	s.transitionTo(StateOpen)
}

func (s *PeerSession) transitionTo(next SessionState) {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	if prev != next && s.onState != nil {
		s.onState(s.PeerID, next)
	}
}

// Status returns the current state.
func (s *PeerSession) Status() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeerSession) handleRaw(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return
	}
	switch env.Type {
	case FramePing:
		var f pingFrame
		if json.Unmarshal(data, &f) == nil {
			s.send(pongFrame{Type: FramePong, Timestamp: f.Timestamp})
		}
		return
	case FramePong:
		var f pongFrame
		if json.Unmarshal(data, &f) == nil {
			s.mu.Lock()
			s.lastPongReceivedMS = f.Timestamp
			s.missedPongs = 0
			s.mu.Unlock()
		}
		return
	}
	if s.onFrame != nil {
		s.onFrame(s.PeerID, env.Type, data)
	}
}

// send marshals v and writes it to the transport if the session is Open.
// Per §4.3's delivery guarantees, messages to a non-open session are
// silently dropped and the caller gets false.
func (s *PeerSession) send(v interface{}) bool {
	if s.Status() != StateOpen {
		return false
	}
	data, err := marshalFrame(v)
	if err != nil {
		return false
	}
	return s.transport.Send(data) == nil
}

// sendPing emits a ping carrying the current timestamp, part of the
// registry-driven 30s heartbeat (§4.3).
func (s *PeerSession) sendPing(tsMS int64) {
	s.mu.Lock()
	s.lastPingSentMS = tsMS
	s.mu.Unlock()
	s.send(pingFrame{Type: FramePing, Timestamp: tsMS})
}

// checkLiveness is called once per heartbeat tick, before that tick's
// sendPing. Unless a pong has arrived for the previous ping, it increments
// the missed-pong counter (a tick before any ping was sent also counts as a
// miss), and it reports whether the session should be torn down (three
// consecutive misses, §4.3).
func (s *PeerSession) checkLiveness() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPongReceivedMS >= s.lastPingSentMS && s.lastPingSentMS != 0 {
		return false
	}
	s.missedPongs++
	return s.missedPongs >= heartbeatMissLimit
}

// requestClose transitions Open -> Closing and closes the underlying
// transport, which will drive the transport's OnClose callback into
// Closed. Safe to call more than once.
func (s *PeerSession) requestClose() {
	s.closeOnce.Do(func() {
		s.transitionTo(StateClosing)
		_ = s.transport.Close()
	})
}
