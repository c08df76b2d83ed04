package core

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestTransferEngineDownloadTooManyTransfers(t *testing.T) {
	registry, _ := newTestRegistry("self")
	cat := NewFileCatalog(registry, &observerSet{})
	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f1", SHA256Hash: "h1"})
	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f2", SHA256Hash: "h2"})
	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f3", SHA256Hash: "h3"})
	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f4", SHA256Hash: "h4"})

	t1, _ := newFakeTransportPair()
	registry.addSession("peerA", true, t1)
	t1.peer.OnMessage(func([]byte) {}) // swallow file-request frames

	engine := NewTransferEngine(cat, registry, &observerSet{}, 65536, 3, 5)
	if err := engine.Download("f1"); err != nil {
		t.Fatalf("Download f1: %v", err)
	}
	if err := engine.Download("f2"); err != nil {
		t.Fatalf("Download f2: %v", err)
	}
	if err := engine.Download("f3"); err != nil {
		t.Fatalf("Download f3: %v", err)
	}
	if err := engine.Download("f4"); err != ErrTooManyTransfers {
		t.Fatalf("Download f4 err = %v, want ErrTooManyTransfers", err)
	}
}

func TestTransferEngineChunkReassemblyAndIntegrity(t *testing.T) {
	registry, _ := newTestRegistry("self")
	cat := NewFileCatalog(registry, &observerSet{})
	content := []byte("the quick brown fox jumps over the lazy dog")
	hash := SHA256Hex(content)
	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f1", SHA256Hash: hash})

	t1, _ := newFakeTransportPair()
	registry.addSession("peerA", true, t1)

	var events []Event
	es := &observerSet{}
	es.Subscribe(ObserverFunc(func(e Event) { events = append(events, e) }))
	engine := NewTransferEngine(cat, registry, es, 10, 3, 5)

	if err := engine.Download("f1"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	engine.HandleFileMetadata("peerA", fileMetadataFrame{Type: FrameFileMetadata, FileID: "f1", TotalChunks: 5, ChunkSize: 10})
	for i := 0; i < 5; i++ {
		start := i * 10
		end := start + 10
		if end > len(content) {
			end = len(content)
		}
		engine.HandleFileChunk("peerA", fileChunkFrame{
			Type: FrameFileChunk, FileID: "f1", ChunkIndex: i,
			ChunkDataB64: base64.StdEncoding.EncodeToString(content[start:end]),
			IsLast:       i == 4,
		})
	}

	var completed *Event
	for i := range events {
		if events[i].Kind == EventDownloadCompleted {
			completed = &events[i]
		}
	}
	if completed == nil {
		t.Fatal("expected a DownloadCompleted event")
	}
	if string(completed.Data) != string(content) {
		t.Fatalf("reassembled content = %q, want %q", completed.Data, content)
	}
}

func TestTransferEngineChunkIntegrityFailure(t *testing.T) {
	registry, _ := newTestRegistry("self")
	cat := NewFileCatalog(registry, &observerSet{})
	cat.HandleFileOffer("peerA", fileOfferFrame{Type: FrameFileOffer, FileID: "f1", SHA256Hash: "not-the-real-hash"})

	t1, _ := newFakeTransportPair()
	registry.addSession("peerA", true, t1)

	var events []Event
	es := &observerSet{}
	es.Subscribe(ObserverFunc(func(e Event) { events = append(events, e) }))
	engine := NewTransferEngine(cat, registry, es, 100, 3, 5)

	_ = engine.Download("f1")
	engine.HandleFileMetadata("peerA", fileMetadataFrame{Type: FrameFileMetadata, FileID: "f1", TotalChunks: 1, ChunkSize: 100})
	engine.HandleFileChunk("peerA", fileChunkFrame{
		Type: FrameFileChunk, FileID: "f1", ChunkIndex: 0,
		ChunkDataB64: base64.StdEncoding.EncodeToString([]byte("mismatched content")), IsLast: true,
	})

	var failed bool
	for _, e := range events {
		if e.Kind == EventDownloadFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected a DownloadFailed event on hash mismatch")
	}
}

func TestTransferEngineHandleFileRequestServesUpload(t *testing.T) {
	registry, _ := newTestRegistry("uploader")
	cat := NewFileCatalog(registry, &observerSet{})
	entry := cat.Share("data.bin", []byte("0123456789abcdef"), "application/octet-stream")

	t1, _ := newFakeTransportPair()
	registry.addSession("requester", true, t1)

	// 16 bytes at a 4-byte chunk size is 1 metadata frame + 4 chunk frames.
	const wantFrames = 5
	received := make(chan string, wantFrames)
	t1.peer.OnMessage(func(data []byte) {
		env, err := decodeEnvelope(data)
		if err == nil {
			received <- env.Type
		}
	})

	engine := NewTransferEngine(cat, registry, &observerSet{}, 4, 3, 5)
	engine.HandleFileRequest("requester", fileRequestFrame{Type: FrameFileRequest, FileID: entry.ID, Requester: "requester"})

	var frames []string
	timeout := time.After(2 * time.Second)
	for len(frames) < wantFrames {
		select {
		case f := <-received:
			frames = append(frames, f)
		case <-timeout:
			t.Fatalf("timed out after %d/%d frames: %v", len(frames), wantFrames, frames)
		}
	}
	if frames[0] != FrameFileMetadata {
		t.Fatalf("first frame = %s, want %s", frames[0], FrameFileMetadata)
	}
	for _, f := range frames[1:] {
		if f != FrameFileChunk {
			t.Fatalf("expected only chunk frames after metadata, got %s", f)
		}
	}
}
