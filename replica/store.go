// Package replica holds the backup-node side of the engine: an in-memory
// image of each replicated VM, updated from incoming page chunks.
package replica

import (
	"sync"

	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/utils/log"
)

// MemoryStore keeps the backing memory image per VM. It implements
// transfer.Applier for the page stream server.
type MemoryStore struct {
	mu  sync.RWMutex
	vms map[string]*vmImage
}

type vmImage struct {
	pages       map[uint64]*page.MemoryPage // keyed by offset
	lastApplied page.Generation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vms: map[string]*vmImage{}}
}

// Apply merges a page batch into the VM image and returns the highest
// applied generation. Pages at or below the last applied generation were
// already superseded here and are discarded as stale.
func (s *MemoryStore) Apply(vmID string, pages []*page.MemoryPage) (page.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.vms[vmID]
	if !ok {
		img = &vmImage{pages: map[uint64]*page.MemoryPage{}}
		s.vms[vmID] = img
	}

	for _, p := range pages {
		if p.Generation <= img.lastApplied {
			log.Debug("discarding stale page %d (generation %d <= %d) for VM %s",
				p.ID, p.Generation, img.lastApplied, vmID)
			continue
		}
		img.pages[p.Offset] = p
		img.lastApplied = p.Generation
	}
	return img.lastApplied, nil
}

// LastApplied returns the replica's applied generation for a VM.
func (s *MemoryStore) LastApplied(vmID string) page.Generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if img, ok := s.vms[vmID]; ok {
		return img.lastApplied
	}
	return 0
}

// Read returns the current page at an offset, if any.
func (s *MemoryStore) Read(vmID string, offset uint64) (*page.MemoryPage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.vms[vmID]
	if !ok {
		return nil, false
	}
	p, ok := img.pages[offset]
	return p, ok
}

// PageCount returns the number of distinct offsets held for a VM.
func (s *MemoryStore) PageCount(vmID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if img, ok := s.vms[vmID]; ok {
		return len(img.pages)
	}
	return 0
}
