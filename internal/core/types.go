package core

// types.go centralises the wire-level data structures shared across the
// rendezvous, session, registry, catalog, and ledger subsystems, keeping
// plain data declarations in one place to avoid import cycles between the
// files that operate on them.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

//---------------------------------------------------------------------
// Transactions and blocks (§3 Data model)
//---------------------------------------------------------------------

// Transaction is a single ledger entry. Signature is nil for unsigned,
// system-internal transactions; §4.6 forbids including those in a block.
type Transaction struct {
	ID          string `json:"id"`
	From        NodeID `json:"from"`
	To          string `json:"to"`
	Data        []byte `json:"data"`
	Amount      string `json:"amount"` // decimal, no exponent, per §6
	TimestampMS int64  `json:"timestamp"`
	Signature   []byte `json:"signature,omitempty"`
}

// NewTransaction builds an unsigned transaction with a fresh UUIDv4 id and
// the current wall-clock timestamp.
func NewTransaction(from NodeID, to string, data []byte, amount string, nowMS int64) *Transaction {
	return &Transaction{
		ID:          uuid.NewString(),
		From:        from,
		To:          to,
		Data:        data,
		Amount:      amount,
		TimestampMS: nowMS,
	}
}

// canonicalPayload serialises the signable fields in the fixed key order
// mandated by §6: {from, to, data, amount, timestamp}.
func (tx *Transaction) canonicalPayload() ([]byte, error) {
	ordered := struct {
		From      NodeID `json:"from"`
		To        string `json:"to"`
		Data      []byte `json:"data"`
		Amount    string `json:"amount"`
		Timestamp int64  `json:"timestamp"`
	}{tx.From, tx.To, tx.Data, tx.Amount, tx.TimestampMS}
	b, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("canonicalize transaction: %w", err)
	}
	return b, nil
}

// Block is an indexed, hash-linked batch of committed transactions.
type Block struct {
	Index        uint64        `json:"index"`
	TimestampMS  int64         `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previousHash"`
	Hash         string        `json:"hash"`
	Nonce        uint64        `json:"nonce"`
	Author       NodeID        `json:"author"`
	Signature    []byte        `json:"signature,omitempty"`
}

// canonicalPayload serialises the hashable fields in the fixed key order
// mandated by §6: {index, timestamp, transactions, previousHash, nonce,
// author}. The signature and hash fields are always excluded.
func (b *Block) canonicalPayload() ([]byte, error) {
	ordered := struct {
		Index        uint64        `json:"index"`
		Timestamp    int64         `json:"timestamp"`
		Transactions []Transaction `json:"transactions"`
		PreviousHash string        `json:"previousHash"`
		Nonce        uint64        `json:"nonce"`
		Author       NodeID        `json:"author"`
	}{b.Index, b.TimestampMS, b.Transactions, b.PreviousHash, b.Nonce, b.Author}
	data, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("canonicalize block: %w", err)
	}
	return data, nil
}

// computeHash recomputes the SHA-256 hash over the canonical payload.
func (b *Block) computeHash() (string, error) {
	payload, err := b.canonicalPayload()
	if err != nil {
		return "", err
	}
	return SHA256Hex(payload), nil
}

// GenesisBlock returns the fixed genesis block defined by §3: index 0,
// previous_hash "0", no transactions, author "genesis", no signature.
func GenesisBlock() Block {
	b := Block{
		Index:        0,
		TimestampMS:  0,
		Transactions: []Transaction{},
		PreviousHash: "0",
		Nonce:        0,
		Author:       "genesis",
	}
	h, err := b.computeHash()
	if err != nil {
		// canonicalPayload of the fixed genesis shape cannot fail; a
		// panic here would indicate a broken json.Marshal, not bad input.
		panic(fmt.Sprintf("genesis hash: %v", err))
	}
	b.Hash = h
	return b
}

//---------------------------------------------------------------------
// File catalog & transfer (§4.5)
//---------------------------------------------------------------------

// FileEntry is a file this node is locally sharing.
type FileEntry struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	MimeType       string `json:"mime_type"`
	SHA256Hash     string `json:"sha256_hash"`
	Content        []byte `json:"-"` // content_handle: kept in memory per §1 (no persistence)
	SharedAtMS     int64  `json:"shared_at"`
	DownloadCount  int    `json:"download_count"`
}

// FileOffer is a remote file advertised by a peer.
type FileOffer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mime_type"`
	SHA256Hash string `json:"sha256_hash"`
	Advertiser NodeID `json:"advertiser"`
	SeenAtMS   int64  `json:"seen_at"`
}

// TransferState tracks an in-flight download.
type TransferState struct {
	FileID         string
	TotalChunks    int
	ChunkSize      int
	ChunksReceived map[int][]byte
	SourcePeer     NodeID
	StartedAtMS    int64
}

// received returns how many distinct chunk indices have arrived so far.
func (t *TransferState) received() int { return len(t.ChunksReceived) }

// complete reports whether every chunk has arrived.
func (t *TransferState) complete() bool { return t.received() >= t.TotalChunks }

// assemble concatenates chunks in index order. Callers must only call this
// once complete() is true.
func (t *TransferState) assemble() []byte {
	out := make([]byte, 0, t.TotalChunks*t.ChunkSize)
	for i := 0; i < t.TotalChunks; i++ {
		out = append(out, t.ChunksReceived[i]...)
	}
	return out
}

func nowMS() int64 { return time.Now().UnixMilli() }
