package transfer

import (
	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/page"
)

// Wire frames exchanged on a page stream. Page contents are snappy
// compressed; framing is msgpack via the registered gRPC codec.

type pageFrame struct {
	ID         uint64
	Offset     uint64
	Size       uint64
	Generation uint64
	Content    []byte
}

type chunkFrame struct {
	ChunkID string
	VMID    string
	Seq     uint64
	Pages   []pageFrame
}

type ackFrame struct {
	ChunkID    string
	VMID       string
	Generation uint64
}

func encodeChunk(c *Chunk) *chunkFrame {
	f := &chunkFrame{
		ChunkID: c.ID,
		VMID:    c.VMID,
		Seq:     c.Seq,
		Pages:   make([]pageFrame, 0, len(c.Pages)),
	}
	for _, p := range c.Pages {
		f.Pages = append(f.Pages, pageFrame{
			ID:         p.ID,
			Offset:     p.Offset,
			Size:       p.Size,
			Generation: uint64(p.Generation),
			Content:    snappy.Encode(nil, p.Content),
		})
	}
	return f
}

func decodePages(f *chunkFrame) ([]*page.MemoryPage, error) {
	pages := make([]*page.MemoryPage, 0, len(f.Pages))
	for _, pf := range f.Pages {
		content, err := snappy.Decode(nil, pf.Content)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decompress page %d of chunk %s", pf.ID, f.ChunkID)
		}
		pages = append(pages, &page.MemoryPage{
			ID:         pf.ID,
			Offset:     pf.Offset,
			Size:       pf.Size,
			Content:    content,
			Generation: page.Generation(pf.Generation),
		})
	}
	return pages, nil
}
