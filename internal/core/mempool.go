package core

// mempool.go implements §4.6's transaction intake: local submission
// (sign, validate, broadcast) and remote receipt (validate, dedupe,
// broadcast onward), feeding the pending pool the consensus engine drains
// when it proposes a block.

import (
	"fmt"
	"sync"
)

// Mempool holds validated, unconfirmed transactions keyed by id.
type Mempool struct {
	mu      sync.Mutex
	pending map[string]Transaction
	order   []string

	keys      *KeyPair
	identities *KeyDirectory
	registry  *PeerRegistry
	events    *observerSet
}

// NewMempool constructs an empty pool bound to this node's signing key.
func NewMempool(keys *KeyPair, identities *KeyDirectory, registry *PeerRegistry, events *observerSet) *Mempool {
	return &Mempool{
		pending:    make(map[string]Transaction),
		keys:       keys,
		identities: identities,
		registry:   registry,
		events:     events,
	}
}

// Submit builds, signs, pools, and broadcasts a new transaction authored by
// this node. Locally originated transactions are always signed before
// entering the pool.
func (m *Mempool) Submit(to string, data []byte, amount string) (*Transaction, error) {
	tx := NewTransaction(m.keys.ID(), to, data, amount, nowMS())
	payload, err := tx.canonicalPayload()
	if err != nil {
		return nil, err
	}
	tx.Signature = m.keys.Sign(payload)

	if err := m.insert(*tx); err != nil {
		return nil, err
	}
	m.registry.Broadcast(transactionFrame{Type: FrameTransaction, Tx: *tx})
	m.events.emit(Event{Kind: EventTransactionSubmitted, FileID: tx.ID})
	return tx, nil
}

// HandleTransaction validates and pools a transaction received from a peer,
// then rebroadcasts it to every other connected peer (flood relay). Unsigned
// transactions are accepted into the pool — they are simply never eligible
// for block inclusion, see SelectForProposal — but a present signature that
// fails to verify, or a malformed transaction, is rejected outright.
// Duplicates are silently ignored.
func (m *Mempool) HandleTransaction(from NodeID, tx Transaction) error {
	if err := m.validate(tx); err != nil {
		return err
	}
	if err := m.insert(tx); err != nil {
		return nil // duplicate: not an error, just a no-op
	}
	m.events.emit(Event{Kind: EventTransactionReceived, PeerID: from, FileID: tx.ID})
	m.registry.Broadcast(transactionFrame{Type: FrameTransaction, Tx: tx}, from)
	return nil
}

func (m *Mempool) validate(tx Transaction) error {
	if tx.ID == "" || tx.From == "" {
		return fmt.Errorf("%w: missing id or sender", ErrInvalidTransaction)
	}
	if len(tx.Signature) == 0 {
		// Unsigned transactions are pooled, not rejected: selection for a
		// proposed block is where signed-ness is enforced.
		return nil
	}
	payload, err := tx.canonicalPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	pubHex, ok := m.identities.Resolve(tx.From)
	if !ok {
		return fmt.Errorf("%w: unknown sender public key", ErrInvalidTransaction)
	}
	if !VerifyWithNodeID(tx.From, pubHex, payload, tx.Signature) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidTransaction)
	}
	return nil
}

func (m *Mempool) insert(tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[tx.ID]; exists {
		return fmt.Errorf("transaction %s already pooled", tx.ID)
	}
	m.pending[tx.ID] = tx
	m.order = append(m.order, tx.ID)
	return nil
}

// Drain removes and returns up to max pooled transactions in arrival order,
// signed or not. Used by tests and general pool maintenance; block
// proposals must use SelectForProposal instead so unsigned transactions
// are never committed to the chain.
func (m *Mempool) Drain(max int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || max > len(m.order) {
		max = len(m.order)
	}
	out := make([]Transaction, 0, max)
	for _, id := range m.order[:max] {
		out = append(out, m.pending[id])
		delete(m.pending, id)
	}
	m.order = m.order[max:]
	return out
}

// SelectForProposal returns up to max pooled transactions eligible for
// inclusion in a proposed block — those that carry a signature — removing
// only the selected ones. Unsigned transactions stay pooled in arrival
// order: they are never silently dropped, only ever filtered out of
// selection until resubmitted with a signature.
func (m *Mempool) SelectForProposal(max int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 {
		max = len(m.order)
	}
	out := make([]Transaction, 0, max)
	remaining := make([]string, 0, len(m.order))
	for _, id := range m.order {
		tx := m.pending[id]
		if len(out) < max && len(tx.Signature) > 0 {
			out = append(out, tx)
			delete(m.pending, id)
			continue
		}
		remaining = append(remaining, id)
	}
	m.order = remaining
	return out
}

// Remove drops committed transactions from the pool without returning them.
// It runs on every commit: for a block from the network, and after this
// node's own proposal commits (where SelectForProposal already removed them).
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	toDrop := make(map[string]bool, len(ids))
	for _, id := range ids {
		toDrop[id] = true
		delete(m.pending, id)
	}
	filtered := m.order[:0]
	for _, id := range m.order {
		if !toDrop[id] {
			filtered = append(filtered, id)
		}
	}
	m.order = filtered
}

// Len reports the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
