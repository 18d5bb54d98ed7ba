package transfer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/utils/log"
)

const defaultAckChannelSize = 128

// GRPCPageStream is the primary-side Transport over one bidirectional gRPC
// stream to a backup node.
type GRPCPageStream struct {
	nodeID     string
	clientConn *grpc.ClientConn
	stream     grpc.ClientStream

	sendMu sync.Mutex
	acks   chan Ack

	closeOnce sync.Once
}

// DialPageStream connects to a backup node and opens the replication
// stream. Transport security options are supplied by the caller; this
// engine does not manage encryption or peer authentication.
func DialPageStream(ctx context.Context, nodeID, host string, opts ...grpc.DialOption) (*GRPCPageStream, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.Dial(host, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to backup node %s", nodeID)
	}

	stream, err := conn.NewStream(ctx, &pageStreamServiceDesc.Streams[0],
		pageStreamReplicateMethod, grpc.CallContentSubtype("msgpack"))
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "failed to open page stream to %s", nodeID)
	}

	t := &GRPCPageStream{
		nodeID:     nodeID,
		clientConn: conn,
		stream:     stream,
		acks:       make(chan Ack, defaultAckChannelSize),
	}
	go t.recvAcks()
	return t, nil
}

func (t *GRPCPageStream) recvAcks() {
	defer close(t.acks)
	for {
		var f ackFrame
		if err := t.stream.RecvMsg(&f); err != nil {
			log.Debug("ack stream from %s closed: %v", t.nodeID, err)
			return
		}
		t.acks <- Ack{
			ChunkID:    f.ChunkID,
			VMID:       f.VMID,
			Generation: page.Generation(f.Generation),
		}
	}
}

// Send ships one chunk. gRPC streams allow a single concurrent sender, so
// sends are serialized here rather than in the scheduler.
func (t *GRPCPageStream) Send(ctx context.Context, chunk *Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := encodeChunk(chunk)

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.stream.SendMsg(f); err != nil {
		return errors.Wrapf(err, "failed to send chunk %s to %s", chunk.ID, t.nodeID)
	}
	return nil
}

// Acks yields replica acknowledgements until the stream dies.
func (t *GRPCPageStream) Acks() <-chan Ack {
	return t.acks
}

func (t *GRPCPageStream) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if sendErr := t.stream.CloseSend(); sendErr != nil {
			err = errors.Wrap(sendErr, "failed to close page stream")
		}
		if connErr := t.clientConn.Close(); connErr != nil && err == nil {
			err = errors.Wrap(connErr, "failed to close connection")
		}
	})
	return err
}
