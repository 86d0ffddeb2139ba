package stream

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName      = "streamout.Streamout"
	listBlocksMethod = "/streamout.Streamout/ListBlocks"
	codecName        = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the subscription messages as JSON over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

var listBlocksDesc = grpc.StreamDesc{
	StreamName:    "ListBlocks",
	ServerStreams: true,
}

// StreamoutServer is the server side of the block subscription.
type StreamoutServer interface {
	ListBlocks(req *SubscribeRequest, stream ListBlocksServer) error
}

type ListBlocksServer interface {
	Send(resp *BlockResponse) error
	grpc.ServerStream
}

type listBlocksServer struct {
	grpc.ServerStream
}

func (s *listBlocksServer) Send(resp *BlockResponse) error {
	return s.ServerStream.SendMsg(resp)
}

func listBlocksHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(StreamoutServer).ListBlocks(req, &listBlocksServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StreamoutServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "ListBlocks",
		Handler:       listBlocksHandler,
		ServerStreams: true,
	}},
	Metadata: "streamout.proto",
}

func RegisterStreamoutServer(s grpc.ServiceRegistrar, srv StreamoutServer) {
	s.RegisterService(&serviceDesc, srv)
}
