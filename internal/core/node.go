package core

// node.go wires every subsystem into a single running node: rendezvous
// discovery, peer sessions, the file catalog and transfer engine, the
// mempool, the ledger, and leader-rotated consensus. It mirrors the
// teacher's Node struct in core/network.go in spirit — one object owning
// the lifecycle of everything else — generalized to this domain's wire
// protocol.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"meshnode/pkg/config"
)

const (
	heartbeatInterval       = 30 * time.Second
	blockProductionInterval = 10 * time.Second
	leaderRotationInterval  = 30 * time.Second
)

// Node owns every subsystem for a single running process.
type Node struct {
	self NodeID
	keys *KeyPair
	cfg  *config.Config
	log  *logrus.Entry

	events     *observerSet
	identities *KeyDirectory
	rendezvous *RendezvousClient
	registry   *PeerRegistry
	catalog    *FileCatalog
	transfer   *TransferEngine
	mempool    *Mempool
	chain      *Blockchain
	authority  *AuthoritySet
	consensus  *ConsensusEngine
	sync       *SyncManager
	health     *HealthLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode constructs a fully wired, not-yet-started node.
func NewNode(cfg *config.Config, keys *KeyPair, log *logrus.Entry) *Node {
	self := keys.ID()
	events := &observerSet{}
	identities := NewKeyDirectory(self, keys.PublicKeyHex())

	whitelist := make([]NodeID, 0, len(cfg.Node.Whitelist))
	for _, id := range cfg.Node.Whitelist {
		whitelist = append(whitelist, NodeID(id))
	}
	authority := NewAuthoritySet(whitelist)
	chain := NewBlockchain(identities, events)

	rendezvous := NewRendezvousClient(cfg.Node.RendezvousURL, self, keys.PublicKeyHex(), log)
	registry := NewPeerRegistry(self, rendezvous, events)
	catalog := NewFileCatalog(registry, events)
	transfer := NewTransferEngine(catalog, registry, events, cfg.Transfer.ChunkSize, cfg.Transfer.MaxDownloads, cfg.Transfer.MaxUploads)
	mempool := NewMempool(keys, identities, registry, events)
	consensus := NewConsensusEngine(self, keys, chain, authority, mempool, registry, events,
		int64(cfg.Consensus.SlotDurationMS), int64(cfg.Consensus.VoteWindowMS), cfg.Consensus.MinVotes, log)
	syncMgr := NewSyncManager(self, chain, authority, registry)

	n := &Node{
		self: self, keys: keys, cfg: cfg, log: log,
		events: events, identities: identities, rendezvous: rendezvous,
		registry: registry, catalog: catalog, transfer: transfer,
		mempool: mempool, chain: chain, authority: authority,
		consensus: consensus, sync: syncMgr,
	}

	registry.onFrame = n.dispatchFrame
	registry.onOpen = n.handlePeerOpen
	registry.onClosed = n.handlePeerClosed
	rendezvous.OnPeerList = n.handlePeerList
	rendezvous.OnPeerJoined = n.handlePeerJoined
	rendezvous.OnPeerLeft = n.handlePeerLeft
	rendezvous.OnOffer = func(from NodeID, sdp webrtc.SessionDescription) { _ = registry.HandleOffer(from, sdp) }
	rendezvous.OnAnswer = func(from NodeID, sdp webrtc.SessionDescription) { _ = registry.HandleAnswer(from, sdp) }
	rendezvous.OnICECandidate = func(from NodeID, c webrtc.ICECandidateInit) { _ = registry.HandleICECandidate(from, c) }

	return n
}

// Start brings the rendezvous channel up, dials any configured bootstrap
// peers, and launches the heartbeat and consensus timers. Returns once the
// rendezvous channel is confirmed open (§4.2).
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	health, err := NewHealthLogger(n.chain, n.mempool, n.registry, n.cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("start health logger: %w", err)
	}
	n.health = health

	if err := n.rendezvous.Start(n.ctx); err != nil {
		return err
	}

	for _, peer := range n.cfg.Node.BootstrapPeers {
		_ = n.registry.Dial(NodeID(peer))
	}

	n.wg.Add(3)
	go n.runHeartbeat()
	go n.runConsensusTimer()
	go func() {
		defer n.wg.Done()
		n.health.Run(n.ctx, 15*time.Second)
	}()

	return nil
}

// Stop tears the node down: consensus and heartbeat timers are canceled via
// context, every open session is closed without a farewell frame (§4.3
// specifies only ping/pong as keepalive, no teardown handshake), and the
// rendezvous channel and health logger are closed last.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	for _, peer := range n.registry.ConnectedPeers() {
		n.registry.Drop(peer)
	}
	n.rendezvous.Stop()
	if n.health != nil {
		_ = n.health.Close()
	}
	n.wg.Wait()
}

func (n *Node) runHeartbeat() {
	defer n.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.registry.Heartbeat(nowMS())
		}
	}
}

func (n *Node) runConsensusTimer() {
	defer n.wg.Done()
	ticker := time.NewTicker(blockProductionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.consensus.Tick(nowMS())
		}
	}
}

func (n *Node) handlePeerList(peers []NodeID) {
	for _, p := range peers {
		if p == n.self {
			continue
		}
		_ = n.registry.Dial(p)
	}
}

func (n *Node) handlePeerJoined(peer NodeID) {
	if peer == n.self {
		return
	}
	_ = n.registry.Dial(peer)
}

func (n *Node) handlePeerLeft(peer NodeID) {
	n.registry.Drop(peer)
}

// handlePeerOpen runs once a session transitions to Open: it announces this
// node's identity, resends the local file catalog, and kicks off blockchain
// sync if the peer is an authority (§4.3, §4.5, §4.6).
func (n *Node) handlePeerOpen(peer NodeID) {
	n.registry.Send(peer, identityFrame{Type: FrameIdentity, NodeID: n.self, PublicKey: n.keys.PublicKeyHex()})
	n.catalog.SendCatalogTo(peer)
	n.sync.OnPeerOpen(peer)
	n.events.emit(Event{Kind: EventPeerConnected, PeerID: peer})
}

func (n *Node) handlePeerClosed(peer NodeID) {
	n.catalog.HandlePeerDisconnected(peer)
	n.transfer.HandlePeerDisconnected(peer)
	n.events.emit(Event{Kind: EventPeerDisconnected, PeerID: peer})
}

// dispatchFrame routes a decoded inbound peer-to-peer frame to the
// subsystem that owns it (§6's message catalog).
func (n *Node) dispatchFrame(from NodeID, frameType string, raw []byte) {
	switch frameType {
	case FrameIdentity:
		var f identityFrame
		if json.Unmarshal(raw, &f) == nil {
			if err := n.identities.Learn(f.NodeID, f.PublicKey); err != nil && n.log != nil {
				n.log.WithError(err).Warn("rejected identity announcement")
			}
		}
	case FrameFileOffer:
		var f fileOfferFrame
		if json.Unmarshal(raw, &f) == nil {
			n.catalog.HandleFileOffer(from, f)
		}
	case FrameFileUnavailable:
		var f fileUnavailableFrame
		if json.Unmarshal(raw, &f) == nil {
			n.catalog.HandleFileUnavailable(from, f.FileID)
		}
	case FrameFileRequest:
		var f fileRequestFrame
		if json.Unmarshal(raw, &f) == nil {
			n.transfer.HandleFileRequest(from, f)
		}
	case FrameFileMetadata:
		var f fileMetadataFrame
		if json.Unmarshal(raw, &f) == nil {
			n.transfer.HandleFileMetadata(from, f)
		}
	case FrameFileChunk:
		var f fileChunkFrame
		if json.Unmarshal(raw, &f) == nil {
			n.transfer.HandleFileChunk(from, f)
		}
	case FrameFileError:
		var f fileErrorFrame
		if json.Unmarshal(raw, &f) == nil {
			n.transfer.HandleFileError(from, f)
		}
	case FrameTransaction:
		var f transactionFrame
		if json.Unmarshal(raw, &f) == nil {
			if err := n.mempool.HandleTransaction(from, f.Tx); err != nil && n.log != nil {
				n.log.WithError(err).Debug("rejected transaction")
			}
		}
	case FrameBlockProposal:
		var f blockProposalFrame
		if json.Unmarshal(raw, &f) == nil {
			n.consensus.HandleBlockProposal(from, f.Block)
		}
	case FrameBlockVote:
		var f blockVoteFrame
		if json.Unmarshal(raw, &f) == nil {
			n.consensus.HandleBlockVote(from, f)
		}
	case FrameNewBlock:
		var f newBlockFrame
		if json.Unmarshal(raw, &f) == nil {
			if err := n.consensus.HandleNewBlock(from, f.Block); err != nil && n.log != nil {
				n.log.WithError(err).Debug("rejected new block")
			}
		}
	case FrameBlockchainSyncReq:
		var f blockchainSyncRequestFrame
		if json.Unmarshal(raw, &f) == nil {
			n.sync.HandleSyncRequest(from, f)
		}
	case FrameBlockchainSyncResp:
		var f blockchainSyncResponseFrame
		if json.Unmarshal(raw, &f) == nil {
			if _, err := n.sync.HandleSyncResponse(from, f); err != nil && n.log != nil {
				n.log.WithError(err).Debug("discarded sync response")
			}
		}
	case FrameLeaderAnnouncement:
		var f leaderAnnouncementFrame
		if json.Unmarshal(raw, &f) == nil {
			n.consensus.HandleLeaderAnnouncement(from, f)
		}
	}
}

// Subscribe registers an observer for node events.
func (n *Node) Subscribe(o Observer) { n.events.Subscribe(o) }

// Self returns this node's identity.
func (n *Node) Self() NodeID { return n.self }

// Share shares content via the file catalog.
func (n *Node) Share(name string, content []byte, mimeType string) *FileEntry {
	return n.catalog.Share(name, content, mimeType)
}

// Download requests fileID from its known advertiser.
func (n *Node) Download(fileID string) error { return n.transfer.Download(fileID) }

// SubmitTransaction signs, pools, and broadcasts a new transaction.
func (n *Node) SubmitTransaction(to string, data []byte, amount string) (*Transaction, error) {
	return n.mempool.Submit(to, data, amount)
}

// Whitelist exposes the authority set for CLI whitelist mutation commands.
func (n *Node) Whitelist() *AuthoritySet { return n.authority }

// ChainHeight returns the current block height.
func (n *Node) ChainHeight() uint64 { return n.chain.Height() }
