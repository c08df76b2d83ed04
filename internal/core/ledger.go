package core

// ledger.go implements the Blockchain and Authority Set of §4.6: an
// append-only, hash-chained log of committed blocks plus the whitelist of
// NodeIDs eligible to author them.

import (
	"fmt"
	"sync"
)

// AuthoritySet is the mutable whitelist of NodeIDs permitted to propose and
// vote on blocks (§3, §4's supplemented whitelist-mutation API).
type AuthoritySet struct {
	mu      sync.RWMutex
	members []NodeID
	index   map[NodeID]int
}

// NewAuthoritySet builds a whitelist from the configured initial members,
// preserving their order (the order is significant: it indexes the leader
// rotation formula of §4.7).
func NewAuthoritySet(initial []NodeID) *AuthoritySet {
	a := &AuthoritySet{index: make(map[NodeID]int)}
	for _, id := range initial {
		a.add(id)
	}
	return a
}

func (a *AuthoritySet) add(id NodeID) {
	if _, exists := a.index[id]; exists {
		return
	}
	a.index[id] = len(a.members)
	a.members = append(a.members, id)
}

// Add admits a new authority, appended at the end of the rotation order.
func (a *AuthoritySet) Add(id NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.add(id)
}

// Remove revokes an authority. The remaining members keep their relative
// order so the rotation formula stays stable for everyone else.
func (a *AuthoritySet) Remove(id NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[id]
	if !ok {
		return
	}
	a.members = append(a.members[:idx], a.members[idx+1:]...)
	delete(a.index, id)
	for i := idx; i < len(a.members); i++ {
		a.index[a.members[i]] = i
	}
}

// Members returns a snapshot of the current whitelist in rotation order.
func (a *AuthoritySet) Members() []NodeID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]NodeID, len(a.members))
	copy(out, a.members)
	return out
}

// Contains reports whether id currently holds authority.
func (a *AuthoritySet) Contains(id NodeID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.index[id]
	return ok
}

// Len returns the whitelist size, used by the quorum formula of §4.7.
func (a *AuthoritySet) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.members)
}

// Blockchain is the append-only, hash-linked chain of committed blocks.
// There is no reorg: a block that does not extend the current tip is
// rejected outright rather than triggering a chain swap.
type Blockchain struct {
	mu     sync.RWMutex
	blocks []Block

	identities *KeyDirectory
	events     *observerSet
}

// NewBlockchain seeds the chain with the fixed genesis block (§3).
func NewBlockchain(identities *KeyDirectory, events *observerSet) *Blockchain {
	return &Blockchain{
		blocks:     []Block{GenesisBlock()},
		identities: identities,
		events:     events,
	}
}

// Height returns the index of the current tip.
func (bc *Blockchain) Height() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blocks[len(bc.blocks)-1].Index
}

// Tip returns the current head block.
func (bc *Blockchain) Tip() Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blocks[len(bc.blocks)-1]
}

// BlocksFrom returns every block at index >= from, for sync responses
// (§4.6).
func (bc *Blockchain) BlocksFrom(from uint64) []Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if from > bc.blocks[len(bc.blocks)-1].Index {
		return nil
	}
	out := make([]Block, 0, uint64(len(bc.blocks))-from)
	for _, b := range bc.blocks {
		if b.Index >= from {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks a candidate block: it must
// extend the current tip by exactly one index, its previous_hash must
// match the tip's hash, its hash must be the correctly recomputed SHA-256
// of its canonical payload, its author signature (if present) must verify, and every
// transaction it carries must itself be signed (unsigned transactions are
// rejected at inclusion).
func (bc *Blockchain) Validate(b Block) error {
	bc.mu.RLock()
	tip := bc.blocks[len(bc.blocks)-1]
	bc.mu.RUnlock()

	if b.Index != tip.Index+1 {
		return fmt.Errorf("%w: index %d does not extend tip %d", ErrInvalidBlock, b.Index, tip.Index)
	}
	if b.PreviousHash != tip.Hash {
		return fmt.Errorf("%w: previous_hash mismatch", ErrInvalidBlock)
	}
	wantHash, err := b.computeHash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if wantHash != b.Hash {
		return fmt.Errorf("%w: hash does not match canonical payload", ErrInvalidBlock)
	}
	for _, tx := range b.Transactions {
		if len(tx.Signature) == 0 {
			return fmt.Errorf("%w: block contains unsigned transaction %s", ErrInvalidBlock, tx.ID)
		}
		txPayload, err := tx.canonicalPayload()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
		txPubHex, ok := bc.identities.Resolve(tx.From)
		if !ok {
			return fmt.Errorf("%w: unknown public key for transaction sender %s", ErrInvalidBlock, tx.From)
		}
		if !VerifyWithNodeID(tx.From, txPubHex, txPayload, tx.Signature) {
			return fmt.Errorf("%w: transaction %s signature mismatch", ErrInvalidBlock, tx.ID)
		}
	}
	if len(b.Signature) > 0 {
		pubHex, ok := bc.identities.Resolve(b.Author)
		if !ok {
			return fmt.Errorf("%w: unknown author public key", ErrInvalidBlock)
		}
		payload, err := b.canonicalPayload()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
		if !VerifyWithNodeID(b.Author, pubHex, payload, b.Signature) {
			return fmt.Errorf("%w: author signature mismatch", ErrInvalidBlock)
		}
	}
	return nil
}

// Commit appends an already-validated block and emits BlockAdded. Callers
// MUST have called Validate first; Commit does not re-validate.
func (bc *Blockchain) Commit(b Block) {
	bc.mu.Lock()
	bc.blocks = append(bc.blocks, b)
	bc.mu.Unlock()
	bc.events.emit(Event{Kind: EventBlockAdded, Block: &b})
}

// ReplaceFromSync accepts a longer chain received from blockchain-sync
// response, but only as a pure catch-up append: every new block must chain
// correctly from the current tip onward, in order. This is not a reorg
// (§4.6's no-reorg resolution) — it only ever extends, never replaces, the
// local tip.
func (bc *Blockchain) ReplaceFromSync(blocks []Block) (int, error) {
	applied := 0
	for _, b := range blocks {
		bc.mu.RLock()
		tip := bc.blocks[len(bc.blocks)-1]
		bc.mu.RUnlock()
		if b.Index <= tip.Index {
			continue
		}
		if err := bc.Validate(b); err != nil {
			return applied, err
		}
		bc.Commit(b)
		applied++
	}
	return applied, nil
}
