package page

// Generation is a monotonically increasing version counter per VM.
// It is the sole ordering authority for replicated memory: transfer and
// acknowledgement may arrive out of order across links, but durability is
// always reconciled by generation.
type Generation uint64

// MemoryPage is a single dirty memory page captured from a running VM.
// A page is immutable once created; a later write to the same offset
// produces a new page with a higher generation that supersedes this one.
type MemoryPage struct {
	ID         uint64
	Offset     uint64
	Size       uint64
	Content    []byte
	Generation Generation
}

// Bytes returns the replication cost of the page in bytes.
func (p *MemoryPage) Bytes() uint64 {
	if p.Size > 0 {
		return p.Size
	}
	return uint64(len(p.Content))
}

// FinalStateSnapshot is the authoritative memory delta captured while a VM
// is paused during the blackout phase of a planned migration.
type FinalStateSnapshot struct {
	VMID       string
	Generation Generation
	Pages      []*MemoryPage
}

// TotalBytes sums the page sizes contained in the snapshot.
func (s *FinalStateSnapshot) TotalBytes() uint64 {
	var total uint64
	for _, p := range s.Pages {
		total += p.Bytes()
	}
	return total
}
