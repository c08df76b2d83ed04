package core

import "sync"

// fakeTransport is an in-memory Transport used by unit tests to drive
// PeerSession and PeerRegistry behavior without a real WebRTC socket.
// Pairing two fakeTransports with newFakeTransportPair wires their
// Send/OnMessage calls directly together.
type fakeTransport struct {
	mu      sync.Mutex
	peer    *fakeTransport
	onMsg   func([]byte)
	onClose func()
	closed  bool
}

func newFakeTransportPair() (*fakeTransport, *fakeTransport) {
	a := &fakeTransport{}
	b := &fakeTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	peer := t.peer
	t.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	peer.deliver(data)
	return nil
}

func (t *fakeTransport) deliver(data []byte) {
	t.mu.Lock()
	cb := t.onMsg
	t.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cb := t.onClose
	peer := t.peer
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return nil
}

func (t *fakeTransport) OnMessage(cb func([]byte)) {
	t.mu.Lock()
	t.onMsg = cb
	t.mu.Unlock()
}

func (t *fakeTransport) OnClose(cb func()) {
	t.mu.Lock()
	t.onClose = cb
	t.mu.Unlock()
}
