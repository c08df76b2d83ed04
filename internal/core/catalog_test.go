package core

import (
	"encoding/json"
	"testing"
)

func TestFileCatalogShareBroadcastsOffer(t *testing.T) {
	registry, _ := newTestRegistry("self")
	t1, _ := newFakeTransportPair()
	registry.addSession("peer1", true, t1)

	var seen fileOfferFrame
	t1.peer.OnMessage(func(data []byte) {
		env, err := decodeEnvelope(data)
		if err == nil && env.Type == FrameFileOffer {
			_ = json.Unmarshal(data, &seen)
		}
	})

	cat := NewFileCatalog(registry, &observerSet{})
	entry := cat.Share("report.pdf", []byte("content"), "application/pdf")

	if seen.FileID != entry.ID {
		t.Fatalf("peer did not receive the expected file offer: got %+v", seen)
	}
}

func TestFileCatalogHandleFileOfferIgnoresDuplicate(t *testing.T) {
	registry, _ := newTestRegistry("self")
	var events []Event
	es := &observerSet{}
	es.Subscribe(ObserverFunc(func(e Event) { events = append(events, e) }))
	cat := NewFileCatalog(registry, es)

	f := fileOfferFrame{Type: FrameFileOffer, FileID: "f1", Name: "a", Size: 1, SHA256Hash: "h1"}
	cat.HandleFileOffer("peerA", f)
	cat.HandleFileOffer("peerB", f)

	offer, ok := cat.Offer("f1")
	if !ok || offer.Advertiser != "peerA" {
		t.Fatalf("expected first advertiser to stick, got %+v ok=%v", offer, ok)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one FileAvailable event, got %d", len(events))
	}
}

func TestFileCatalogHandlePeerDisconnectedDropsOffers(t *testing.T) {
	registry, _ := newTestRegistry("self")
	cat := NewFileCatalog(registry, &observerSet{})

	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f1", SHA256Hash: "h1"})
	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f2", SHA256Hash: "h2"})
	cat.HandlePeerDisconnected("peerA")

	if _, ok := cat.Offer("f1"); ok {
		t.Fatal("expected f1 offer to be dropped after peer disconnect")
	}
	if _, ok := cat.Offer("f2"); ok {
		t.Fatal("expected f2 offer to be dropped after peer disconnect")
	}
}

func TestFileCatalogStopShareBroadcastsUnavailable(t *testing.T) {
	registry, _ := newTestRegistry("self")
	t1, _ := newFakeTransportPair()
	registry.addSession("peer1", true, t1)
	cat := NewFileCatalog(registry, &observerSet{})
	entry := cat.Share("x", []byte("y"), "text/plain")

	var gotUnavailable bool
	t1.peer.OnMessage(func(data []byte) {
		env, err := decodeEnvelope(data)
		if err == nil && env.Type == FrameFileUnavailable {
			gotUnavailable = true
		}
	})
	cat.StopShare(entry.ID)
	if !gotUnavailable {
		t.Fatal("expected StopShare to broadcast file-unavailable")
	}
	if _, ok := cat.LocalEntry(entry.ID); ok {
		t.Fatal("expected the entry to be removed after StopShare")
	}
}
