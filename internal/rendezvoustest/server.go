// Package rendezvoustest provides a minimal in-process rendezvous service
// for exercising core.RendezvousClient and core.PeerRegistry against a real
// WebSocket instead of a fake signaler. The production rendezvous service
// is an external collaborator out of this repository's scope (§1); this
// implements just enough of its wire protocol (§6) to drive integration
// tests.
package rendezvoustest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

type envelope struct {
	Type string `json:"type"`
}

type registerMsg struct {
	Type      string `json:"type"`
	NodeID    string `json:"nodeId"`
	PublicKey string `json:"publicKey"`
}

type signalMsg struct {
	Type   string          `json:"type"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type peerEventMsg struct {
	Type      string `json:"type"`
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`
}

type peerListMsg struct {
	Type  string   `json:"type"`
	Peers []string `json:"peers"`
}

// connection is the server-side handle for one registered client.
type connection struct {
	nodeID string
	send   func(data []byte) error
}

// Server is a tiny rendezvous mock: it accepts registrations, answers
// get-peers with the currently known set, and relays offer/answer/
// ice-candidate frames by NodeID.
type Server struct {
	upgrader websocketUpgrader

	mu    sync.Mutex
	conns map[string]*connection

	httpServer *httptest.Server
}

// NewServer starts an httptest.Server exposing /ws, /status, and /health.
func NewServer() *Server {
	s := &Server{conns: make(map[string]*connection)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// URL for the /ws endpoint.
func (s *Server) URL() string {
	return "ws" + s.httpServer.URL[len("http"):] + "/ws"
}

// Close shuts the server down.
func (s *Server) Close() { s.httpServer.Close() }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"registered_peers": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.close()

	var self string
	for {
		data, err := conn.readMessage()
		if err != nil {
			if self != "" {
				s.removePeer(self)
			}
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case "register":
			var reg registerMsg
			if json.Unmarshal(data, &reg) != nil {
				continue
			}
			self = reg.NodeID
			s.addPeer(self, conn.writeMessage)
			s.broadcastJoined(self)
			s.sendPeerList(self, conn.writeMessage)
		case "get-peers":
			s.sendPeerList(self, conn.writeMessage)
		case "offer", "answer", "ice-candidate":
			var sig signalMsg
			if json.Unmarshal(data, &sig) != nil {
				continue
			}
			s.relay(sig.To, data)
		}
	}
}

func (s *Server) addPeer(id string, send func([]byte) error) {
	s.mu.Lock()
	s.conns[id] = &connection{nodeID: id, send: send}
	s.mu.Unlock()
}

func (s *Server) removePeer(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.broadcastLeft(id)
}

func (s *Server) relay(to string, data []byte) {
	s.mu.Lock()
	c := s.conns[to]
	s.mu.Unlock()
	if c != nil {
		_ = c.send(data)
	}
}

func (s *Server) sendPeerList(self string, send func([]byte) error) {
	s.mu.Lock()
	peers := make([]string, 0, len(s.conns))
	for id := range s.conns {
		if id != self {
			peers = append(peers, id)
		}
	}
	s.mu.Unlock()
	data, _ := json.Marshal(peerListMsg{Type: "peer-list", Peers: peers})
	_ = send(data)
}

func (s *Server) broadcastJoined(id string) { s.broadcastEvent("peer-joined", id) }
func (s *Server) broadcastLeft(id string)   { s.broadcastEvent("peer-left", id) }

func (s *Server) broadcastEvent(eventType, id string) {
	data, _ := json.Marshal(peerEventMsg{Type: eventType, NodeID: id})
	s.mu.Lock()
	targets := make([]*connection, 0, len(s.conns))
	for nodeID, c := range s.conns {
		if nodeID != id {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = c.send(data)
	}
}
