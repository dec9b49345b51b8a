// Package protocol defines the debug service shared by the server and its
// clients. Messages are plain structs carried by a JSON codec, so no
// generated code is needed.
package protocol

import (
	"context"
	"encoding/json"

	. "matchbook/internal/common"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

type Empty struct{}

type ServerType uint32

const (
	MatchingServer ServerType = iota
)

type ServerInfo struct {
	Type        ServerType `json:"type"`
	Id          uint32     `json:"id"`
	Address     string     `json:"address"`
	Port        uint32     `json:"port"`
	Connections uint32     `json:"connections"`
}

type BookRequest struct {
	// Depth limits levels per side, zero for all.
	Depth uint32 `json:"depth"`
}

type BookInfo struct {
	Quote Quote   `json:"quote"`
	Bids  []Level `json:"bids"`
	Asks  []Level `json:"asks"`
	Seq   uint64  `json:"seq"`
}

type DebugServer interface {
	QueryServer(context.Context, *Empty) (*ServerInfo, error)
	QueryBook(context.Context, *BookRequest) (*BookInfo, error)
}

func RegisterDebugServer(s grpc.ServiceRegistrar, srv DebugServer) {
	s.RegisterService(&Debug_ServiceDesc, srv)
}

func _Debug_QueryServer_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).QueryServer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/matchbook.Debug/QueryServer",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).QueryServer(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Debug_QueryBook_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BookRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).QueryBook(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/matchbook.Debug/QueryBook",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).QueryBook(ctx, req.(*BookRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var Debug_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "matchbook.Debug",
	HandlerType: (*DebugServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "QueryServer", Handler: _Debug_QueryServer_Handler},
		{MethodName: "QueryBook", Handler: _Debug_QueryBook_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "matchbook/debug",
}

type DebugClient struct {
	cc grpc.ClientConnInterface
}

func NewDebugClient(cc grpc.ClientConnInterface) *DebugClient {
	return &DebugClient{cc: cc}
}

func (c *DebugClient) QueryServer(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ServerInfo, error) {
	out := new(ServerInfo)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/matchbook.Debug/QueryServer", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DebugClient) QueryBook(ctx context.Context, in *BookRequest, opts ...grpc.CallOption) (*BookInfo, error) {
	out := new(BookInfo)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/matchbook.Debug/QueryBook", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
