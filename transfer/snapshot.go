package transfer

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/utils/pool"
)

const defaultSnapshotWorkers = 4

// SendSnapshot ships a paused VM's final memory state to one node and waits
// for the node to acknowledge the snapshot generation. The transport must be
// dedicated to this call: no other reader may consume its ack stream.
func SendSnapshot(ctx context.Context, tr Transport, snap *page.FinalStateSnapshot, nodeID string, chunkBytes uint64) error {
	chunks := ChunkPages(snap.VMID, nodeID, snap.Pages, chunkBytes)
	if len(chunks) == 0 {
		return nil
	}

	var mu sync.Mutex
	var sendErr error

	p := pool.NewPool(defaultSnapshotWorkers, func(input interface{}) {
		c := input.(*Chunk)
		if err := tr.Send(ctx, c); err != nil {
			mu.Lock()
			if sendErr == nil {
				sendErr = err
			}
			mu.Unlock()
		}
	})

	in := make(chan interface{})
	go p.Work(in)
	for _, c := range chunks {
		in <- c
	}
	close(in)
	p.Wait()

	if sendErr != nil {
		return errors.Wrapf(sendErr, "final state transfer to %s failed", nodeID)
	}

	// The snapshot is only complete once the target confirms the highest
	// generation it carries.
	for {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for final state ack from %s", nodeID)
		case a, ok := <-tr.Acks():
			if !ok {
				return errors.Errorf("ack stream from %s closed before final state was confirmed", nodeID)
			}
			if a.Generation >= snap.Generation {
				return nil
			}
		}
	}
}
