package core

import "testing"

func TestKeyDirectoryLearnAndResolve(t *testing.T) {
	self, _ := NewKeyPair()
	dir := NewKeyDirectory(self.ID(), self.PublicKeyHex())

	peer, _ := NewKeyPair()
	if err := dir.Learn(peer.ID(), peer.PublicKeyHex()); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	got, ok := dir.Resolve(peer.ID())
	if !ok || got != peer.PublicKeyHex() {
		t.Fatalf("Resolve(peer) = %q, %v; want %q, true", got, ok, peer.PublicKeyHex())
	}

	selfKey, ok := dir.Resolve(self.ID())
	if !ok || selfKey != self.PublicKeyHex() {
		t.Fatal("directory should resolve its own seeded identity")
	}
}

func TestKeyDirectoryLearnRejectsMismatch(t *testing.T) {
	self, _ := NewKeyPair()
	dir := NewKeyDirectory(self.ID(), self.PublicKeyHex())

	a, _ := NewKeyPair()
	b, _ := NewKeyPair()
	if err := dir.Learn(a.ID(), b.PublicKeyHex()); err == nil {
		t.Fatal("expected Learn to reject a public key that does not hash to the claimed NodeID")
	}
	if _, ok := dir.Resolve(a.ID()); ok {
		t.Fatal("a rejected identity announcement should not be recorded")
	}
}
