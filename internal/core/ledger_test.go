package core

import "testing"

func TestGenesisBlockFixedShape(t *testing.T) {
	g := GenesisBlock()
	if g.Index != 0 {
		t.Fatalf("genesis index = %d, want 0", g.Index)
	}
	if g.PreviousHash != "0" {
		t.Fatalf("genesis previous_hash = %q, want %q", g.PreviousHash, "0")
	}
	if g.Author != "genesis" {
		t.Fatalf("genesis author = %q, want %q", g.Author, "genesis")
	}
	if len(g.Transactions) != 0 {
		t.Fatal("genesis block should carry no transactions")
	}
	if g.Hash == "" {
		t.Fatal("genesis hash should be populated")
	}
}

func buildSignedBlock(t *testing.T, author *KeyPair, index uint64, prevHash string) Block {
	t.Helper()
	b := Block{Index: index, TimestampMS: nowMS(), Transactions: []Transaction{}, PreviousHash: prevHash, Author: author.ID()}
	hash, err := b.computeHash()
	if err != nil {
		t.Fatalf("computeHash: %v", err)
	}
	b.Hash = hash
	payload, err := b.canonicalPayload()
	if err != nil {
		t.Fatalf("canonicalPayload: %v", err)
	}
	b.Signature = author.Sign(payload)
	return b
}

func TestBlockchainValidateAcceptsChainedBlock(t *testing.T) {
	author, _ := NewKeyPair()
	identities := NewKeyDirectory(author.ID(), author.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})

	b := buildSignedBlock(t, author, 1, chain.Tip().Hash)
	if err := chain.Validate(b); err != nil {
		t.Fatalf("Validate rejected a well-formed chained block: %v", err)
	}
}

func TestBlockchainValidateRejectsWrongIndex(t *testing.T) {
	author, _ := NewKeyPair()
	identities := NewKeyDirectory(author.ID(), author.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})

	b := buildSignedBlock(t, author, 5, chain.Tip().Hash)
	if err := chain.Validate(b); err == nil {
		t.Fatal("expected Validate to reject a block that does not extend the tip by one")
	}
}

func TestBlockchainValidateRejectsTamperedHash(t *testing.T) {
	author, _ := NewKeyPair()
	identities := NewKeyDirectory(author.ID(), author.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})

	b := buildSignedBlock(t, author, 1, chain.Tip().Hash)
	b.Hash = "deadbeef"
	if err := chain.Validate(b); err == nil {
		t.Fatal("expected Validate to reject a tampered hash")
	}
}

func TestBlockchainValidateRejectsUnsignedTransaction(t *testing.T) {
	author, _ := NewKeyPair()
	identities := NewKeyDirectory(author.ID(), author.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})

	b := Block{Index: 1, TimestampMS: nowMS(), PreviousHash: chain.Tip().Hash, Author: author.ID()}
	b.Transactions = []Transaction{*NewTransaction(author.ID(), "someone", nil, "1", nowMS())}
	hash, _ := b.computeHash()
	b.Hash = hash
	payload, _ := b.canonicalPayload()
	b.Signature = author.Sign(payload)

	if err := chain.Validate(b); err == nil {
		t.Fatal("expected Validate to reject a block containing an unsigned transaction")
	}
}

func TestBlockchainValidateRejectsForgedTransactionSignature(t *testing.T) {
	author, _ := NewKeyPair()
	sender, _ := NewKeyPair()
	identities := NewKeyDirectory(author.ID(), author.PublicKeyHex())
	_ = identities.Learn(sender.ID(), sender.PublicKeyHex())
	chain := NewBlockchain(identities, &observerSet{})

	tx := *NewTransaction(sender.ID(), "someone", nil, "1", nowMS())
	tx.Signature = []byte("not-a-real-signature")

	b := Block{Index: 1, TimestampMS: nowMS(), Transactions: []Transaction{tx}, PreviousHash: chain.Tip().Hash, Author: author.ID()}
	hash, _ := b.computeHash()
	b.Hash = hash
	payload, _ := b.canonicalPayload()
	b.Signature = author.Sign(payload)

	if err := chain.Validate(b); err == nil {
		t.Fatal("expected Validate to reject a block carrying a transaction with a forged signature")
	}
}

func TestBlockchainCommitAppendsAndEmits(t *testing.T) {
	author, _ := NewKeyPair()
	identities := NewKeyDirectory(author.ID(), author.PublicKeyHex())
	var captured []Event
	events := &observerSet{}
	events.Subscribe(ObserverFunc(func(e Event) { captured = append(captured, e) }))
	chain := NewBlockchain(identities, events)

	b := buildSignedBlock(t, author, 1, chain.Tip().Hash)
	chain.Commit(b)

	if chain.Height() != 1 {
		t.Fatalf("height after commit = %d, want 1", chain.Height())
	}
	if len(captured) != 1 || captured[0].Kind != EventBlockAdded {
		t.Fatal("expected exactly one BlockAdded event")
	}
}

func TestAuthoritySetAddRemovePreservesOrder(t *testing.T) {
	a := NewAuthoritySet([]NodeID{"n1", "n2", "n3"})
	a.Remove("n2")
	members := a.Members()
	if len(members) != 2 || members[0] != "n1" || members[1] != "n3" {
		t.Fatalf("Members after remove = %v, want [n1 n3]", members)
	}
	a.Add("n4")
	members = a.Members()
	if len(members) != 3 || members[2] != "n4" {
		t.Fatalf("Members after add = %v, want n4 appended", members)
	}
	if !a.Contains("n1") || a.Contains("n2") {
		t.Fatal("Contains out of sync with membership mutations")
	}
}
