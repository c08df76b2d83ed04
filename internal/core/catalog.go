package core

// catalog.go implements the File Catalog half of §4.5: announcing locally
// shared files and reconciling remote offers as peers connect, advertise,
// and disconnect.

import (
	"sync"

	"github.com/google/uuid"
)

// FileCatalog tracks this node's shared files and every peer's advertised
// offers.
type FileCatalog struct {
	mu sync.Mutex

	local  map[string]*FileEntry         // fileID -> locally shared file
	remote map[string]*FileOffer         // fileID -> first offer seen
	byPeer map[NodeID]map[string]bool    // peer -> set of fileIDs it advertised

	registry *PeerRegistry
	events   *observerSet
}

// NewFileCatalog constructs an empty catalog.
func NewFileCatalog(registry *PeerRegistry, events *observerSet) *FileCatalog {
	return &FileCatalog{
		local:    make(map[string]*FileEntry),
		remote:   make(map[string]*FileOffer),
		byPeer:   make(map[NodeID]map[string]bool),
		registry: registry,
		events:   events,
	}
}

// Share computes the file's SHA-256, assigns a UUIDv4, stores it, and
// broadcasts the offer (§4.5).
func (c *FileCatalog) Share(name string, content []byte, mimeType string) *FileEntry {
	entry := &FileEntry{
		ID:         uuid.NewString(),
		Name:       name,
		Size:       int64(len(content)),
		MimeType:   mimeType,
		SHA256Hash: SHA256Hex(content),
		Content:    content,
		SharedAtMS: nowMS(),
	}
	c.mu.Lock()
	c.local[entry.ID] = entry
	c.mu.Unlock()

	c.registry.Broadcast(fileOfferFrame{
		Type:       FrameFileOffer,
		FileID:     entry.ID,
		Name:       entry.Name,
		Size:       entry.Size,
		MimeType:   entry.MimeType,
		SHA256Hash: entry.SHA256Hash,
	})
	c.events.emit(Event{Kind: EventFileShared, FileID: entry.ID})
	return entry
}

// StopShare broadcasts file-unavailable and removes the entry.
func (c *FileCatalog) StopShare(fileID string) {
	c.mu.Lock()
	_, ok := c.local[fileID]
	delete(c.local, fileID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.registry.Broadcast(fileUnavailableFrame{Type: FrameFileUnavailable, FileID: fileID})
}

// LocalEntry returns a locally shared file by id.
func (c *FileCatalog) LocalEntry(fileID string) (*FileEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.local[fileID]
	return e, ok
}

// Offer returns a known remote offer by id.
func (c *FileCatalog) Offer(fileID string) (FileOffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.remote[fileID]
	if !ok {
		return FileOffer{}, false
	}
	return *o, true
}

// HandleFileOffer records a new FileOffer; duplicate offers for an id
// already known are ignored (§4.5, §8 idempotence). When multiple peers
// advertise the same id, the first advertiser is kept and later offers,
// from any peer, are ignored.
func (c *FileCatalog) HandleFileOffer(from NodeID, f fileOfferFrame) {
	c.mu.Lock()
	_, known := c.remote[f.FileID]
	if known {
		c.mu.Unlock()
		return
	}
	c.remote[f.FileID] = &FileOffer{
		ID:         f.FileID,
		Name:       f.Name,
		Size:       f.Size,
		MimeType:   f.MimeType,
		SHA256Hash: f.SHA256Hash,
		Advertiser: from,
		SeenAtMS:   nowMS(),
	}
	if c.byPeer[from] == nil {
		c.byPeer[from] = make(map[string]bool)
	}
	c.byPeer[from][f.FileID] = true
	c.mu.Unlock()

	c.events.emit(Event{Kind: EventFileAvailable, FileID: f.FileID, PeerID: from})
}

// HandleFileUnavailable drops an offer explicitly withdrawn by its
// advertiser.
func (c *FileCatalog) HandleFileUnavailable(from NodeID, fileID string) {
	c.mu.Lock()
	offer, ok := c.remote[fileID]
	if ok && offer.Advertiser == from {
		delete(c.remote, fileID)
		if set := c.byPeer[from]; set != nil {
			delete(set, fileID)
		}
	}
	c.mu.Unlock()
}

// HandlePeerDisconnected drops every offer advertised by peer and, for each,
// emits an EventFileAvailable event whose Message is "file-unavailable"
// (there is no separate event kind for a withdrawn offer).
func (c *FileCatalog) HandlePeerDisconnected(peer NodeID) {
	c.mu.Lock()
	ids := c.byPeer[peer]
	delete(c.byPeer, peer)
	dropped := make([]string, 0, len(ids))
	for id := range ids {
		if offer, ok := c.remote[id]; ok && offer.Advertiser == peer {
			delete(c.remote, id)
			dropped = append(dropped, id)
		}
	}
	c.mu.Unlock()
	for _, id := range dropped {
		c.events.emit(Event{Kind: EventFileAvailable, Message: "file-unavailable", FileID: id, PeerID: peer})
	}
}

// SendCatalogTo unicasts the full local catalog to peer, done on every new
// session entering Open (§4.5).
func (c *FileCatalog) SendCatalogTo(peer NodeID) {
	c.mu.Lock()
	entries := make([]*FileEntry, 0, len(c.local))
	for _, e := range c.local {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	for _, e := range entries {
		c.registry.Send(peer, fileOfferFrame{
			Type:       FrameFileOffer,
			FileID:     e.ID,
			Name:       e.Name,
			Size:       e.Size,
			MimeType:   e.MimeType,
			SHA256Hash: e.SHA256Hash,
		})
	}
}

// recordDownload increments the download counter on a locally shared file
// once an upload to a requester completes.
func (c *FileCatalog) recordDownload(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.local[fileID]; ok {
		e.DownloadCount++
	}
}
