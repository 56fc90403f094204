package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rtcr.v1.Session"

// SessionServer is the server API of the rtcr.v1.Session service.
//
// Messages are plain structs carried by the CBOR codec, so the service needs
// no protoc toolchain.
type SessionServer interface {
	CreateSession(context.Context, *CreateRequest) (*CapReply, error)
	UpgradeSession(context.Context, *UpgradeRequest) (*Empty, error)
	DestroySession(context.Context, *SessionCall) (*Empty, error)
	ListSessions(context.Context, *ListRequest) (*ListReply, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotReply, error)
	SetBootstrap(context.Context, *BootstrapRequest) (*BootstrapReply, error)

	AssignParent(context.Context, *CapCall) (*Empty, error)
	AssignPCI(context.Context, *PCICall) (*BoolReply, error)
	Map(context.Context, *MapCall) (*Empty, error)
	AllocSignalSource(context.Context, *SessionCall) (*CapReply, error)
	FreeSignalSource(context.Context, *CapCall) (*Empty, error)
	AllocContext(context.Context, *ContextCall) (*CapReply, error)
	FreeContext(context.Context, *CapCall) (*Empty, error)
	Submit(context.Context, *SubmitCall) (*Empty, error)
	AllocRPCCap(context.Context, *CapCall) (*CapReply, error)
	FreeRPCCap(context.Context, *CapCall) (*Empty, error)
	AddressSpace(context.Context, *SessionCall) (*CapReply, error)
	StackArea(context.Context, *SessionCall) (*CapReply, error)
	LinkerArea(context.Context, *SessionCall) (*CapReply, error)
	RefAccount(context.Context, *CapCall) (*Empty, error)
	TransferCapQuota(context.Context, *TransferCall) (*Empty, error)
	TransferRAMQuota(context.Context, *TransferCall) (*Empty, error)
	CapQuota(context.Context, *SessionCall) (*ValueReply, error)
	UsedCaps(context.Context, *SessionCall) (*ValueReply, error)
	RAMQuota(context.Context, *SessionCall) (*ValueReply, error)
	UsedRAM(context.Context, *SessionCall) (*ValueReply, error)
	Alloc(context.Context, *AllocCall) (*CapReply, error)
	Free(context.Context, *CapCall) (*Empty, error)
	DataspaceSize(context.Context, *CapCall) (*ValueReply, error)
	NativePD(context.Context, *SessionCall) (*CapReply, error)

	Attach(context.Context, *AttachCall) (*ValueReply, error)
	Detach(context.Context, *DetachCall) (*Empty, error)
	FaultHandler(context.Context, *FaultHandlerCall) (*Empty, error)
	State(context.Context, *RegionMapCall) (*StateReply, error)
	Dataspace(context.Context, *RegionMapCall) (*CapReply, error)
}

// RegisterSessionServer registers the service on a gRPC server.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&Session_ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the method descriptor for one SessionServer method.
func unary[Req, Resp any](
	method string,
	call func(SessionServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(
			srv any,
			ctx context.Context,
			dec func(any) error,
			interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return call(srv.(SessionServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SessionServer), ctx, req.(*Req))
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

// Session_ServiceDesc is the grpc.ServiceDesc for the Session service.
var Session_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", SessionServer.CreateSession),
		unary("UpgradeSession", SessionServer.UpgradeSession),
		unary("DestroySession", SessionServer.DestroySession),
		unary("ListSessions", SessionServer.ListSessions),
		unary("Snapshot", SessionServer.Snapshot),
		unary("SetBootstrap", SessionServer.SetBootstrap),

		unary("AssignParent", SessionServer.AssignParent),
		unary("AssignPCI", SessionServer.AssignPCI),
		unary("Map", SessionServer.Map),
		unary("AllocSignalSource", SessionServer.AllocSignalSource),
		unary("FreeSignalSource", SessionServer.FreeSignalSource),
		unary("AllocContext", SessionServer.AllocContext),
		unary("FreeContext", SessionServer.FreeContext),
		unary("Submit", SessionServer.Submit),
		unary("AllocRPCCap", SessionServer.AllocRPCCap),
		unary("FreeRPCCap", SessionServer.FreeRPCCap),
		unary("AddressSpace", SessionServer.AddressSpace),
		unary("StackArea", SessionServer.StackArea),
		unary("LinkerArea", SessionServer.LinkerArea),
		unary("RefAccount", SessionServer.RefAccount),
		unary("TransferCapQuota", SessionServer.TransferCapQuota),
		unary("TransferRAMQuota", SessionServer.TransferRAMQuota),
		unary("CapQuota", SessionServer.CapQuota),
		unary("UsedCaps", SessionServer.UsedCaps),
		unary("RAMQuota", SessionServer.RAMQuota),
		unary("UsedRAM", SessionServer.UsedRAM),
		unary("Alloc", SessionServer.Alloc),
		unary("Free", SessionServer.Free),
		unary("DataspaceSize", SessionServer.DataspaceSize),
		unary("NativePD", SessionServer.NativePD),

		unary("Attach", SessionServer.Attach),
		unary("Detach", SessionServer.Detach),
		unary("FaultHandler", SessionServer.FaultHandler),
		unary("State", SessionServer.State),
		unary("Dataspace", SessionServer.Dataspace),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rtcr/v1/session",
}
