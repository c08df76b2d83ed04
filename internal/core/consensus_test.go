package core

import (
	"testing"
	"time"
)

func TestLeaderAtRotatesBySlot(t *testing.T) {
	members := []NodeID{"n0", "n1", "n2"}
	authority := NewAuthoritySet(members)
	keys, _ := NewKeyPair()
	identities := NewKeyDirectory(keys.ID(), keys.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})
	registry, _ := newTestRegistry("n0")
	mp := NewMempool(keys, identities, registry, &observerSet{})
	engine := NewConsensusEngine("n0", keys, chain, authority, mp, registry, &observerSet{}, 1000, 100, 1, nil)

	l0 := engine.LeaderAt(0, 0)
	l1 := engine.LeaderAt(1000, 0)
	l2 := engine.LeaderAt(2000, 0)
	if l0 == l1 && l1 == l2 {
		t.Fatal("leader never rotates across slots with a 3-member authority set")
	}
	if l0 != members[0] {
		t.Fatalf("leader at slot 0, height 0 = %s, want %s", l0, members[0])
	}
}

func TestQuorumFormula(t *testing.T) {
	authority := NewAuthoritySet([]NodeID{"n0", "n1", "n2", "n3"})
	keys, _ := NewKeyPair()
	identities := NewKeyDirectory(keys.ID(), keys.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})
	registry, _ := newTestRegistry("n0")
	mp := NewMempool(keys, identities, registry, &observerSet{})

	engine := NewConsensusEngine("n0", keys, chain, authority, mp, registry, &observerSet{}, 1000, 100, 1, nil)
	if got := engine.quorum(); got != 2 { // ceil(4/2) = 2, min_votes=1
		t.Fatalf("quorum() = %d, want 2", got)
	}

	engine2 := NewConsensusEngine("n0", keys, chain, authority, mp, registry, &observerSet{}, 1000, 100, 3, nil)
	if got := engine2.quorum(); got != 3 { // min_votes=3 dominates ceil(4/2)=2
		t.Fatalf("quorum() with min_votes override = %d, want 3", got)
	}
}

func TestConsensusEngineSingleAuthorityCommitsOwnProposal(t *testing.T) {
	keys, _ := NewKeyPair()
	authority := NewAuthoritySet([]NodeID{keys.ID()})
	identities := NewKeyDirectory(keys.ID(), keys.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})
	registry, _ := newTestRegistry(keys.ID())
	mp := NewMempool(keys, identities, registry, &observerSet{})

	engine := NewConsensusEngine(keys.ID(), keys, chain, authority, mp, registry, &observerSet{}, 1000, 20, 1, nil)
	engine.Tick(0)

	if engine.Phase() == PhaseIdle {
		t.Fatal("expected the sole authority to enter Proposing/Voting immediately after Tick")
	}

	time.Sleep(80 * time.Millisecond)

	if chain.Height() != 1 {
		t.Fatalf("chain height after self-quorum finalize = %d, want 1", chain.Height())
	}
	if engine.Phase() != PhaseIdle {
		t.Fatal("expected engine to return to Idle after finalizing")
	}
}

func TestConsensusEngineHandleBlockProposalDropsNonLeaderWithoutVoting(t *testing.T) {
	local, _ := NewKeyPair()
	other, _ := NewKeyPair()
	// "other" is deliberately NOT a member of the authority set, so it can
	// never be the computed leader at any wall-clock time — any proposal it
	// sends must be dropped regardless of what timestamp it forges.
	authority := NewAuthoritySet([]NodeID{local.ID()})
	identities := NewKeyDirectory(local.ID(), local.PublicKeyHex())
	_ = identities.Learn(other.ID(), other.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})
	registry, _ := newTestRegistry(local.ID())
	mp := NewMempool(local, identities, registry, &observerSet{})
	engine := NewConsensusEngine(local.ID(), local, chain, authority, mp, registry, &observerSet{}, 1000, 20, 1, nil)

	t1, t2 := newFakeTransportPair()
	registry.addSession(other.ID(), true, t1)
	var messages int
	t2.OnMessage(func([]byte) { messages++ })

	// Forge a far-off proposal timestamp. HandleBlockProposal must ignore
	// the proposer's self-reported timestamp entirely and evaluate the
	// leader at the receiver's own clock, where "other" is never the leader.
	forged := buildSignedBlock(t, other, 1, chain.Tip().Hash)
	forged.TimestampMS = 999999999

	engine.HandleBlockProposal(other.ID(), forged)

	if messages != 0 {
		t.Fatal("a proposal from a non-leader must be dropped without casting any vote")
	}
	if chain.Height() != 0 {
		t.Fatal("a proposal from a non-leader must never be voted on or committed")
	}
}

func TestConsensusEngineHandleBlockProposalBroadcastsVote(t *testing.T) {
	leader, _ := NewKeyPair()
	local, _ := NewKeyPair()
	// A single-member authority set makes "leader" the computed leader at
	// every wall-clock time, so the test does not depend on real-time slot
	// alignment.
	authority := NewAuthoritySet([]NodeID{leader.ID()})
	identities := NewKeyDirectory(local.ID(), local.PublicKeyHex())
	_ = identities.Learn(leader.ID(), leader.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})
	registry, _ := newTestRegistry(local.ID())
	mp := NewMempool(local, identities, registry, &observerSet{})
	engine := NewConsensusEngine(local.ID(), local, chain, authority, mp, registry, &observerSet{}, 1000, 20, 1, nil)

	t1, t2 := newFakeTransportPair()
	registry.addSession(leader.ID(), true, t1)

	var votes int
	t2.OnMessage(func(data []byte) {
		env, err := decodeEnvelope(data)
		if err == nil && env.Type == FrameBlockVote {
			votes++
		}
	})

	b := buildSignedBlock(t, leader, 1, chain.Tip().Hash)
	engine.HandleBlockProposal(leader.ID(), b)

	if votes != 1 {
		t.Fatalf("expected the vote to be broadcast to the connected leader, got %d messages", votes)
	}
}

func TestConsensusEngineHandleLeaderAnnouncementResyncs(t *testing.T) {
	self, _ := NewKeyPair()
	peer, _ := NewKeyPair()
	authority := NewAuthoritySet([]NodeID{self.ID(), peer.ID()})
	identities := NewKeyDirectory(self.ID(), self.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})
	registry, _ := newTestRegistry(self.ID())
	mp := NewMempool(self, identities, registry, &observerSet{})
	engine := NewConsensusEngine(self.ID(), self, chain, authority, mp, registry, &observerSet{}, 1000, 20, 1, nil)

	engine.HandleLeaderAnnouncement(peer.ID(), leaderAnnouncementFrame{
		Type: FrameLeaderAnnouncement, Leader: peer.ID(), BlockHeight: chain.Height(),
	})
	if engine.CurrentLeader() != peer.ID() {
		t.Fatalf("CurrentLeader() = %s, want %s after a whitelisted announcement", engine.CurrentLeader(), peer.ID())
	}

	engine.HandleLeaderAnnouncement("not-an-authority", leaderAnnouncementFrame{
		Type: FrameLeaderAnnouncement, Leader: "not-an-authority", BlockHeight: chain.Height(),
	})
	if engine.CurrentLeader() != peer.ID() {
		t.Fatal("an announcement from a non-authority peer must not change the current leader")
	}

	committed := buildSignedBlock(t, self, 1, chain.Tip().Hash)
	chain.Commit(committed)

	engine.HandleLeaderAnnouncement(peer.ID(), leaderAnnouncementFrame{
		Type: FrameLeaderAnnouncement, Leader: self.ID(), BlockHeight: 0,
	})
	if engine.CurrentLeader() != peer.ID() {
		t.Fatal("an announcement claiming a height behind the local chain must be ignored")
	}
}

func TestConsensusEngineHandleNewBlockAppendsOnly(t *testing.T) {
	author, _ := NewKeyPair()
	local, _ := NewKeyPair()
	authority := NewAuthoritySet([]NodeID{author.ID(), local.ID()})
	identities := NewKeyDirectory(local.ID(), local.PublicKeyHex())
	_ = identities.Learn(author.ID(), author.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})
	registry, _ := newTestRegistry(local.ID())
	mp := NewMempool(local, identities, registry, &observerSet{})
	engine := NewConsensusEngine(local.ID(), local, chain, authority, mp, registry, &observerSet{}, 1000, 20, 1, nil)

	b := buildSignedBlock(t, author, 1, chain.Tip().Hash)
	if err := engine.HandleNewBlock(author.ID(), b); err != nil {
		t.Fatalf("HandleNewBlock: %v", err)
	}
	if chain.Height() != 1 {
		t.Fatalf("height = %d, want 1", chain.Height())
	}

	stale := buildSignedBlock(t, author, 1, chain.Tip().Hash)
	if err := engine.HandleNewBlock(author.ID(), stale); err == nil {
		t.Fatal("expected a block that does not extend the new tip to be rejected")
	}
}
