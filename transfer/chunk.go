package transfer

import (
	"context"

	"github.com/pborman/uuid"

	"github.com/mycnet/ramrepl/page"
)

// Chunk is one scheduling unit: a batch of pages bound for a single replica
// link. A chunk is sent exactly once per link and requeued for a different
// link if the original fails before acknowledgment.
type Chunk struct {
	ID     string
	VMID   string
	Seq    uint64
	NodeID string
	Pages  []*page.MemoryPage
}

func NewChunk(vmID, nodeID string, seq uint64, pages []*page.MemoryPage) *Chunk {
	return &Chunk{
		ID:     uuid.New(),
		VMID:   vmID,
		Seq:    seq,
		NodeID: nodeID,
		Pages:  pages,
	}
}

// Bytes returns the total page bytes carried by the chunk.
func (c *Chunk) Bytes() uint64 {
	var total uint64
	for _, p := range c.Pages {
		total += p.Bytes()
	}
	return total
}

// Generation returns the highest page generation in the chunk, which is the
// generation acknowledged by the replica once the chunk is applied.
func (c *Chunk) Generation() page.Generation {
	var max page.Generation
	for _, p := range c.Pages {
		if p.Generation > max {
			max = p.Generation
		}
	}
	return max
}

// Ack reports that a replica applied a chunk up to Generation.
type Ack struct {
	ChunkID    string
	VMID       string
	Generation page.Generation
}

// Transport is one reliable, ordered, authenticated stream to a backup
// node. Encryption and peer authentication happen below this interface.
type Transport interface {
	// Send ships a chunk and returns once it is handed to the stream.
	Send(ctx context.Context, chunk *Chunk) error

	// Acks yields replica acknowledgements. The channel closes when the
	// transport fails or is closed.
	Acks() <-chan Ack

	Close() error
}

// ChunkPages splits a page batch into chunks of roughly chunkBytes each,
// all destined for one node. Used for the blackout final-state transfer.
func ChunkPages(vmID, nodeID string, pages []*page.MemoryPage, chunkBytes uint64) []*Chunk {
	if len(pages) == 0 {
		return nil
	}
	var chunks []*Chunk
	var batch []*page.MemoryPage
	var batchBytes uint64
	seq := uint64(0)
	for _, p := range pages {
		batch = append(batch, p)
		batchBytes += p.Bytes()
		if batchBytes >= chunkBytes {
			chunks = append(chunks, NewChunk(vmID, nodeID, seq, batch))
			seq++
			batch = nil
			batchBytes = 0
		}
	}
	if len(batch) > 0 {
		chunks = append(chunks, NewChunk(vmID, nodeID, seq, batch))
	}
	return chunks
}
