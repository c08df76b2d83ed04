package core

// consensus.go implements the leader-rotated propose/vote/commit state
// machine of §4.7: a deterministic leader schedule derived from chain
// height and wall-clock slot, a single in-flight proposal at a time, and a
// quorum-gated commit.

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const slotDurationDefaultMS = 30000

// maxTxPerBlock caps how many pooled transactions a proposal draws from the
// mempool in one round.
const maxTxPerBlock = 10

// ConsensusPhase is the per-node view of where the current round stands.
type ConsensusPhase int

const (
	PhaseIdle ConsensusPhase = iota
	PhaseProposing
	PhaseVoting
)

func (p ConsensusPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProposing:
		return "proposing"
	case PhaseVoting:
		return "voting"
	default:
		return "unknown"
	}
}

type proposalRound struct {
	block     Block
	votes     map[NodeID]bool
	startedMS int64
}

// ConsensusEngine runs the leader-rotation and propose/vote/commit
// machinery on top of a Blockchain, AuthoritySet, and Mempool.
type ConsensusEngine struct {
	self     NodeID
	keys     *KeyPair
	chain    *Blockchain
	authority *AuthoritySet
	mempool  *Mempool
	registry *PeerRegistry
	events   *observerSet
	log      *logrus.Entry

	slotDurationMS int64
	voteWindowMS   int64
	minVotes       int

	mu            sync.Mutex
	phase         ConsensusPhase
	round         *proposalRound
	lastLeader    NodeID
	currentLeader NodeID
}

// NewConsensusEngine wires a consensus engine with the configured timing
// parameters (30s slot / 10s production / 5s vote window defaults).
func NewConsensusEngine(self NodeID, keys *KeyPair, chain *Blockchain, authority *AuthoritySet,
	mempool *Mempool, registry *PeerRegistry, events *observerSet, slotDurationMS, voteWindowMS int64, minVotes int, log *logrus.Entry) *ConsensusEngine {
	if slotDurationMS <= 0 {
		slotDurationMS = slotDurationDefaultMS
	}
	return &ConsensusEngine{
		self:           self,
		keys:           keys,
		chain:          chain,
		authority:      authority,
		mempool:        mempool,
		registry:       registry,
		events:         events,
		log:            log,
		slotDurationMS: slotDurationMS,
		voteWindowMS:   voteWindowMS,
		minVotes:       minVotes,
	}
}

// LeaderAt computes the leader for wall-clock time tsMS given chain height
// h, per §4.7: slot = floor(t / slotDuration); leader_index = (h + slot)
// mod n; leader = W[leader_index]. Returns "" if the authority set is
// empty.
func (c *ConsensusEngine) LeaderAt(tsMS int64, h uint64) NodeID {
	members := c.authority.Members()
	n := len(members)
	if n == 0 {
		return ""
	}
	slot := tsMS / c.slotDurationMS
	idx := (int64(h) + slot) % int64(n)
	if idx < 0 {
		idx += int64(n)
	}
	return members[idx]
}

// quorum is max(min_votes, ceil(|W|/2)) per §4.7.
func (c *ConsensusEngine) quorum() int {
	n := c.authority.Len()
	half := int(math.Ceil(float64(n) / 2))
	if c.minVotes > half {
		return c.minVotes
	}
	return half
}

// Phase reports the current round phase.
func (c *ConsensusEngine) Phase() ConsensusPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Tick is driven by the node's 10s block-production timer. If this node is
// the leader for the current slot, has no round already in flight, and the
// authority set recognizes it, it proposes a new block drawn from the
// mempool.
func (c *ConsensusEngine) Tick(nowMS int64) {
	leader := c.LeaderAt(nowMS, c.chain.Height())
	c.mu.Lock()
	changed := leader != c.lastLeader
	c.lastLeader = leader
	c.currentLeader = leader
	busy := c.phase != PhaseIdle
	c.mu.Unlock()

	if changed {
		c.events.emit(Event{Kind: EventLeaderChanged, Leader: leader})
		c.registry.Broadcast(leaderAnnouncementFrame{
			Type:        FrameLeaderAnnouncement,
			Leader:      leader,
			BlockHeight: c.chain.Height(),
			Timestamp:   nowMS,
		})
	}
	if busy || leader != c.self {
		return
	}
	c.propose(nowMS)
}

func (c *ConsensusEngine) propose(nowMS int64) {
	txs := c.mempool.SelectForProposal(maxTxPerBlock)
	tip := c.chain.Tip()
	block := Block{
		Index:        tip.Index + 1,
		TimestampMS:  nowMS,
		Transactions: txs,
		PreviousHash: tip.Hash,
		Author:       c.self,
	}
	hash, err := block.computeHash()
	if err != nil {
		return
	}
	block.Hash = hash
	payload, err := block.canonicalPayload()
	if err != nil {
		return
	}
	block.Signature = c.keys.Sign(payload)

	c.mu.Lock()
	c.phase = PhaseProposing
	c.round = &proposalRound{block: block, votes: map[NodeID]bool{c.self: true}, startedMS: nowMS}
	c.mu.Unlock()

	c.registry.Broadcast(blockProposalFrame{Type: FrameBlockProposal, Block: block})
	c.beginVoting(nowMS)
}

func (c *ConsensusEngine) beginVoting(nowMS int64) {
	c.mu.Lock()
	c.phase = PhaseVoting
	c.mu.Unlock()
	go func() {
		time.Sleep(time.Duration(c.voteWindowMS) * time.Millisecond)
		c.finalize()
	}()
}

// HandleBlockProposal validates an inbound proposal against the receiver's
// own view of the leader schedule, evaluated at the receiver's own
// wall-clock time (never the proposer's self-reported timestamp, which is
// attacker-controlled wire data and would let a forged timestamp make any
// node compute itself as leader). A proposal from anyone other than the
// expected leader is logged and dropped without a vote. A proposal from the
// expected leader that fails chain validation draws an explicit reject
// vote, broadcast like every other vote so all authorities observe it.
func (c *ConsensusEngine) HandleBlockProposal(from NodeID, b Block) {
	expected := c.LeaderAt(nowMS(), c.chain.Height())
	if from != expected {
		if c.log != nil {
			c.log.WithField("from", from).WithField("expected", expected).Warn("dropping block proposal from non-leader")
		}
		return
	}

	approve := c.Validate(b) == nil
	c.registry.Broadcast(blockVoteFrame{
		Type:      FrameBlockVote,
		BlockHash: b.Hash,
		Voter:     c.self,
		Approve:   approve,
		Timestamp: nowMS(),
	})
}

// Validate exposes chain validation for the proposal's block.
func (c *ConsensusEngine) Validate(b Block) error { return c.chain.Validate(b) }

// HandleBlockVote records an incoming vote for the round currently in
// flight. Votes for any other block hash, or arriving outside Proposing
// or Voting, are ignored.
func (c *ConsensusEngine) HandleBlockVote(from NodeID, v blockVoteFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.round == nil || c.round.block.Hash != v.BlockHash {
		return
	}
	if !v.Approve {
		return
	}
	c.round.votes[from] = true
}

// finalize commits the in-flight proposal if quorum was reached within the
// vote window, else discards the round and returns to Idle (§4.7).
func (c *ConsensusEngine) finalize() {
	c.mu.Lock()
	round := c.round
	if round == nil {
		c.mu.Unlock()
		return
	}
	approvals := len(round.votes)
	need := c.quorum()
	c.round = nil
	c.phase = PhaseIdle
	c.mu.Unlock()

	if approvals < need {
		return
	}
	if err := c.chain.Validate(round.block); err != nil {
		return
	}
	c.chain.Commit(round.block)
	c.mempool.Remove(txIDs(round.block.Transactions))
	c.registry.Broadcast(newBlockFrame{Type: FrameNewBlock, Block: round.block})
}

// HandleNewBlock accepts a committed block broadcast by its proposer,
// applying it only if it extends the local tip (§4.6's no-reorg policy).
func (c *ConsensusEngine) HandleNewBlock(from NodeID, b Block) error {
	if err := c.chain.Validate(b); err != nil {
		return fmt.Errorf("new block from %s: %w", from, err)
	}
	c.chain.Commit(b)
	c.mempool.Remove(txIDs(b.Transactions))

	c.mu.Lock()
	if c.round != nil && c.round.block.Hash == b.Hash {
		c.round = nil
		c.phase = PhaseIdle
	}
	c.mu.Unlock()
	return nil
}

// HandleLeaderAnnouncement resynchronizes this node's view of the current
// leader against a whitelisted peer's claim, so clock drift between nodes
// does not leave a minority view stuck on a stale leader. Announcements
// from a non-authority, or claiming a height behind the local chain, are
// ignored.
func (c *ConsensusEngine) HandleLeaderAnnouncement(from NodeID, f leaderAnnouncementFrame) {
	if !c.authority.Contains(from) {
		return
	}
	if f.BlockHeight < c.chain.Height() {
		return
	}
	c.mu.Lock()
	c.currentLeader = f.Leader
	c.mu.Unlock()
}

// CurrentLeader returns the most recently accepted leader, whether derived
// locally by Tick or learned from a peer's leader-announcement.
func (c *ConsensusEngine) CurrentLeader() NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLeader
}

func txIDs(txs []Transaction) []string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}
