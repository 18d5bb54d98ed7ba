package transfer

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/peer"

	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/utils/log"
)

// The page stream service is defined by hand instead of protoc: the frames
// are msgpack structs, so the only generated artifacts we would get from a
// .proto are the service descriptor and method constants below.
const (
	pageStreamServiceName     = "mycnet.ramrepl.PageStream"
	pageStreamReplicateMethod = "/mycnet.ramrepl.PageStream/Replicate"
)

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

func (msgpackCodec) Name() string { return "msgpack" }

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type pageStreamService interface {
	replicate(stream grpc.ServerStream) error
}

func pageStreamReplicateHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(pageStreamService).replicate(stream)
}

var pageStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: pageStreamServiceName,
	HandlerType: (*pageStreamService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Replicate",
		Handler:       pageStreamReplicateHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
}

// Applier is the replica-side sink for replicated pages. It applies a page
// batch to the backing memory image and returns the highest generation
// applied so far.
type Applier interface {
	Apply(vmID string, pages []*page.MemoryPage) (page.Generation, error)
}

// GRPCPageStreamServer receives page chunks from a primary and acknowledges
// each applied chunk on the same stream.
type GRPCPageStreamServer struct {
	applier    Applier
	grpcServer *grpc.Server
}

func NewGRPCPageStreamServer(listenHost string, applier Applier, opts ...grpc.ServerOption) (*GRPCPageStreamServer, error) {
	grpcServer := grpc.NewServer(opts...)
	s := &GRPCPageStreamServer{
		applier:    applier,
		grpcServer: grpcServer,
	}
	grpcServer.RegisterService(&pageStreamServiceDesc, s)

	lis, err := net.Listen("tcp", listenHost)
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen for page stream connections")
	}
	go func() {
		log.Info("starting page stream server on %s...", listenHost)
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("page stream server stopped: %v", err)
		}
	}()

	return s, nil
}

func (s *GRPCPageStreamServer) replicate(stream grpc.ServerStream) error {
	primary := "unknown"
	if pr, ok := peer.FromContext(stream.Context()); ok {
		primary = pr.Addr.String()
	}
	log.Info("page stream opened by primary %s", primary)

	for {
		var f chunkFrame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "failed to receive a chunk frame")
		}

		pages, err := decodePages(&f)
		if err != nil {
			return err
		}

		gen, err := s.applier.Apply(f.VMID, pages)
		if err != nil {
			return errors.Wrapf(err, "failed to apply chunk %s", f.ChunkID)
		}

		if err := stream.SendMsg(&ackFrame{
			ChunkID:    f.ChunkID,
			VMID:       f.VMID,
			Generation: uint64(gen),
		}); err != nil {
			return errors.Wrapf(err, "failed to ack chunk %s", f.ChunkID)
		}
	}
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *GRPCPageStreamServer) Stop() {
	s.grpcServer.GracefulStop()
}
