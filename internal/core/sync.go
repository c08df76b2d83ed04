package core

// sync.go implements the catch-up synchronization of §4.6: one second
// after a session with a whitelisted peer opens, request every block past
// the local tip so a rejoining or newly admitted node converges quickly.

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const syncKickoffDelay = 1 * time.Second

// SyncManager drives outbound blockchain-sync requests and answers
// inbound ones.
type SyncManager struct {
	self      NodeID
	chain     *Blockchain
	authority *AuthoritySet
	registry  *PeerRegistry

	mu      sync.Mutex
	pending map[string]NodeID // requestID -> peer awaiting a response
}

// NewSyncManager constructs a manager bound to the node's chain and
// whitelist.
func NewSyncManager(self NodeID, chain *Blockchain, authority *AuthoritySet, registry *PeerRegistry) *SyncManager {
	return &SyncManager{
		self:      self,
		chain:     chain,
		authority: authority,
		registry:  registry,
		pending:   make(map[string]NodeID),
	}
}

// OnPeerOpen schedules a sync request to peer after the 1s kickoff delay,
// but only if peer currently holds authority (§4.6: non-whitelisted peers
// are not sync sources).
func (s *SyncManager) OnPeerOpen(peer NodeID) {
	if !s.authority.Contains(peer) {
		return
	}
	go func() {
		time.Sleep(syncKickoffDelay)
		s.requestFrom(peer)
	}()
}

func (s *SyncManager) requestFrom(peer NodeID) {
	reqID := uuid.NewString()
	s.mu.Lock()
	s.pending[reqID] = peer
	s.mu.Unlock()
	s.registry.Send(peer, blockchainSyncRequestFrame{
		Type:      FrameBlockchainSyncReq,
		FromIndex: s.chain.Height() + 1,
		RequestID: reqID,
	})
}

// HandleSyncRequest answers with every block at or past the requested
// index (§4.6).
func (s *SyncManager) HandleSyncRequest(from NodeID, f blockchainSyncRequestFrame) {
	blocks := s.chain.BlocksFrom(f.FromIndex)
	s.registry.Send(from, blockchainSyncResponseFrame{
		Type:        FrameBlockchainSyncResp,
		RequestID:   f.RequestID,
		Blocks:      blocks,
		TotalBlocks: len(blocks),
	})
}

// HandleSyncResponse applies the returned blocks as a pure append (no
// reorg, §4.6), discarding the response if it does not match an
// outstanding request.
func (s *SyncManager) HandleSyncResponse(from NodeID, f blockchainSyncResponseFrame) (int, error) {
	s.mu.Lock()
	peer, ok := s.pending[f.RequestID]
	delete(s.pending, f.RequestID)
	s.mu.Unlock()
	if !ok || peer != from {
		return 0, fmt.Errorf("sync response: unexpected request id")
	}
	return s.chain.ReplaceFromSync(f.Blocks)
}
