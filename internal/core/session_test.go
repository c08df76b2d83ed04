package core

import "testing"

func newTestSession(peerID NodeID, initiator bool) (*PeerSession, *fakeTransport, []string, *SessionState) {
	transport, _ := newFakeTransportPair()
	var frames []string
	var lastState SessionState
	s := newPeerSession(peerID, initiator, transport,
		func(_ NodeID, frameType string, _ []byte) { frames = append(frames, frameType) },
		func(_ NodeID, state SessionState) { lastState = state },
	)
	return s, transport, frames, &lastState
}

func TestSessionOpenTransitionsState(t *testing.T) {
	s, _, _, lastState := newTestSession("peer1", true)
	if s.Status() != StateConnecting {
		t.Fatalf("initial status = %v, want Connecting", s.Status())
	}
	s.open()
	if s.Status() != StateOpen {
		t.Fatalf("status after open() = %v, want Open", s.Status())
	}
	if *lastState != StateOpen {
		t.Fatalf("onState callback saw %v, want Open", *lastState)
	}
}

func TestSessionSendFailsWhenNotOpen(t *testing.T) {
	s, _, _, _ := newTestSession("peer1", true)
	if s.send(pingFrame{Type: FramePing, Timestamp: 1}) {
		t.Fatal("send succeeded on a Connecting session")
	}
}

func TestSessionPingPongAutoReply(t *testing.T) {
	a, transportA, _, _ := newTestSession("peerA", true)
	a.open()

	// Drive a ping in from the "wire" and check the fake peer receives a pong.
	transportB := transportA.peer
	var gotPong bool
	transportB.OnMessage(func(data []byte) {
		env, err := decodeEnvelope(data)
		if err == nil && env.Type == FramePong {
			gotPong = true
		}
	})
	transportA.deliver(mustMarshal(t, pingFrame{Type: FramePing, Timestamp: 42}))
	if !gotPong {
		t.Fatal("session did not auto-reply to a ping with a pong")
	}
}

func TestSessionCheckLivenessMissedPongs(t *testing.T) {
	s, _, _, _ := newTestSession("peer1", true)
	s.open()
	s.sendPing(100)
	if s.checkLiveness() {
		t.Fatal("checkLiveness tripped on the first missed pong")
	}
	if s.checkLiveness() {
		t.Fatal("checkLiveness tripped on the second missed pong")
	}
	if !s.checkLiveness() {
		t.Fatal("checkLiveness did not trip after three missed pongs")
	}
}

func TestSessionCheckLivenessResetsOnPong(t *testing.T) {
	s, transport, _, _ := newTestSession("peer1", true)
	s.open()
	s.sendPing(100)
	s.checkLiveness()
	transport.deliver(mustMarshal(t, pongFrame{Type: FramePong, Timestamp: 100}))
	if s.checkLiveness() {
		t.Fatal("checkLiveness tripped after a pong reset the counter")
	}
}

func TestSessionRequestCloseIsIdempotent(t *testing.T) {
	s, _, _, lastState := newTestSession("peer1", true)
	s.open()
	s.requestClose()
	s.requestClose()
	if *lastState != StateClosed {
		t.Fatalf("final state = %v, want Closed", *lastState)
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := marshalFrame(v)
	if err != nil {
		t.Fatalf("marshalFrame: %v", err)
	}
	return data
}
