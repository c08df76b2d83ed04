package core

// transfer.go implements the Transfer Engine of §4.5: chunked download with
// a bounded concurrency window, chunk reassembly with integrity
// verification, and the upload-serving side answering file-request frames.

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const chunkYieldEvery = 10

// TransferEngine drives outbound downloads and inbound upload serving.
type TransferEngine struct {
	catalog  *FileCatalog
	registry *PeerRegistry
	events   *observerSet

	chunkSize int

	downloadSem *semaphore.Weighted
	uploadSem   *semaphore.Weighted

	mu        sync.Mutex
	downloads map[string]*TransferState
}

// NewTransferEngine builds an engine with the configured chunk size and
// download/upload concurrency caps (3 concurrent downloads, 5 concurrent
// uploads by default).
func NewTransferEngine(catalog *FileCatalog, registry *PeerRegistry, events *observerSet, chunkSize, maxDownloads, maxUploads int) *TransferEngine {
	return &TransferEngine{
		catalog:     catalog,
		registry:    registry,
		events:      events,
		chunkSize:   chunkSize,
		downloadSem: semaphore.NewWeighted(int64(maxDownloads)),
		uploadSem:   semaphore.NewWeighted(int64(maxUploads)),
		downloads:   make(map[string]*TransferState),
	}
}

// Download requests fileID from its known advertiser. Returns
// ErrTooManyTransfers synchronously if the download concurrency cap is
// already saturated (§7).
func (e *TransferEngine) Download(fileID string) error {
	offer, ok := e.catalog.Offer(fileID)
	if !ok {
		return ErrUnknownFile
	}
	if !e.downloadSem.TryAcquire(1) {
		return ErrTooManyTransfers
	}

	e.mu.Lock()
	if _, inFlight := e.downloads[fileID]; inFlight {
		e.mu.Unlock()
		e.downloadSem.Release(1)
		return fmt.Errorf("download %s: already in progress", fileID)
	}
	e.downloads[fileID] = &TransferState{
		FileID:         fileID,
		SourcePeer:     offer.Advertiser,
		ChunksReceived: make(map[int][]byte),
		StartedAtMS:    nowMS(),
	}
	e.mu.Unlock()

	if !e.registry.Send(offer.Advertiser, fileRequestFrame{
		Type:      FrameFileRequest,
		FileID:    fileID,
		Requester: e.registry.self,
	}) {
		e.abortDownload(fileID, ErrUnknownPeer)
		return ErrUnknownPeer
	}
	return nil
}

// Cancel drops an in-flight download and releases its semaphore slot.
func (e *TransferEngine) Cancel(fileID string) {
	e.mu.Lock()
	_, ok := e.downloads[fileID]
	delete(e.downloads, fileID)
	e.mu.Unlock()
	if ok {
		e.downloadSem.Release(1)
	}
}

func (e *TransferEngine) abortDownload(fileID string, cause error) {
	e.mu.Lock()
	_, ok := e.downloads[fileID]
	delete(e.downloads, fileID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.downloadSem.Release(1)
	e.events.emit(Event{Kind: EventDownloadFailed, FileID: fileID, Err: cause})
}

// HandleFileMetadata records the expected chunk layout for an in-flight
// download, sent by the uploader immediately after a file-request (§4.5).
func (e *TransferEngine) HandleFileMetadata(from NodeID, f fileMetadataFrame) {
	e.mu.Lock()
	t, ok := e.downloads[f.FileID]
	e.mu.Unlock()
	if !ok || t.SourcePeer != from {
		return
	}
	e.mu.Lock()
	t.TotalChunks = f.TotalChunks
	t.ChunkSize = f.ChunkSize
	e.mu.Unlock()
}

// HandleFileChunk appends a received chunk, idempotently ignoring a
// duplicate or a chunk arriving after the transfer already completed
// (§4.5, §8). On the final chunk it verifies the SHA-256 of the reassembled
// file against the original offer and emits DownloadCompleted or
// DownloadFailed{IntegrityFailure}.
func (e *TransferEngine) HandleFileChunk(from NodeID, f fileChunkFrame) {
	e.mu.Lock()
	t, ok := e.downloads[f.FileID]
	if !ok || t.SourcePeer != from {
		e.mu.Unlock()
		return
	}
	if t.complete() {
		e.mu.Unlock()
		return
	}
	if _, dup := t.ChunksReceived[f.ChunkIndex]; dup {
		e.mu.Unlock()
		return
	}
	data, err := base64.StdEncoding.DecodeString(f.ChunkDataB64)
	if err != nil {
		e.mu.Unlock()
		e.abortDownload(f.FileID, fmt.Errorf("%w: decode chunk %d", ErrIntegrityFailure, f.ChunkIndex))
		return
	}
	t.ChunksReceived[f.ChunkIndex] = data
	received, total := t.received(), t.TotalChunks
	finished := t.complete()
	var assembled []byte
	if finished {
		assembled = t.assemble()
	}
	e.mu.Unlock()

	e.events.emit(Event{Kind: EventDownloadProgress, FileID: f.FileID, PeerID: from, Received: received, Total: total})

	if !finished {
		return
	}

	offer, known := e.catalog.Offer(f.FileID)
	if known && SHA256Hex(assembled) != offer.SHA256Hash {
		e.abortDownload(f.FileID, ErrIntegrityFailure)
		return
	}

	e.mu.Lock()
	delete(e.downloads, f.FileID)
	e.mu.Unlock()
	e.downloadSem.Release(1)
	e.events.emit(Event{Kind: EventDownloadCompleted, FileID: f.FileID, PeerID: from, Data: assembled})
}

// HandleFileError aborts a download the uploader reports it cannot serve.
func (e *TransferEngine) HandleFileError(from NodeID, f fileErrorFrame) {
	e.mu.Lock()
	t, ok := e.downloads[f.FileID]
	e.mu.Unlock()
	if !ok || t.SourcePeer != from {
		return
	}
	e.abortDownload(f.FileID, fmt.Errorf("%w: %s", ErrTransport, f.Reason))
}

// HandlePeerDisconnected fails every download sourced from peer with an
// ErrUnknownPeer-wrapped "source peer disconnected" error (§4.3, §7).
func (e *TransferEngine) HandlePeerDisconnected(peer NodeID) {
	e.mu.Lock()
	var lost []string
	for id, t := range e.downloads {
		if t.SourcePeer == peer {
			lost = append(lost, id)
		}
	}
	e.mu.Unlock()
	for _, id := range lost {
		e.abortDownload(id, fmt.Errorf("%w: source peer disconnected", ErrUnknownPeer))
	}
}

// HandleFileRequest serves an inbound download request by streaming the
// file in chunkSize pieces, bounded by the upload semaphore (cap 5). Runs
// on its own goroutine so a slow peer cannot stall the node's frame
// dispatch loop.
func (e *TransferEngine) HandleFileRequest(from NodeID, f fileRequestFrame) {
	entry, ok := e.catalog.LocalEntry(f.FileID)
	if !ok {
		e.registry.Send(from, fileErrorFrame{Type: FrameFileError, FileID: f.FileID, Reason: "unknown file"})
		return
	}
	if !e.uploadSem.TryAcquire(1) {
		e.registry.Send(from, fileErrorFrame{Type: FrameFileError, FileID: f.FileID, Reason: "busy"})
		return
	}
	go e.serveUpload(from, entry)
}

func (e *TransferEngine) serveUpload(to NodeID, entry *FileEntry) {
	defer e.uploadSem.Release(1)

	total := (len(entry.Content) + e.chunkSize - 1) / e.chunkSize
	if total == 0 {
		total = 1
	}
	if !e.registry.Send(to, fileMetadataFrame{
		Type:        FrameFileMetadata,
		FileID:      entry.ID,
		Name:        entry.Name,
		Size:        entry.Size,
		MimeType:    entry.MimeType,
		TotalChunks: total,
		ChunkSize:   e.chunkSize,
	}) {
		return
	}

	for i := 0; i < total; i++ {
		start := i * e.chunkSize
		end := start + e.chunkSize
		if end > len(entry.Content) {
			end = len(entry.Content)
		}
		chunk := entry.Content[start:end]
		ok := e.registry.Send(to, fileChunkFrame{
			Type:         FrameFileChunk,
			FileID:       entry.ID,
			ChunkIndex:   i,
			ChunkDataB64: base64.StdEncoding.EncodeToString(chunk),
			IsLast:       i == total-1,
		})
		if !ok {
			return
		}
		if i > 0 && i%chunkYieldEvery == 0 {
			yieldToScheduler()
		}
	}

	e.catalog.recordDownload(entry.ID)
}

// yieldToScheduler briefly cedes control so a large upload does not starve
// other goroutines sharing the runtime (§5, §4.5's "periodic yield").
func yieldToScheduler() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	<-ctx.Done()
}
