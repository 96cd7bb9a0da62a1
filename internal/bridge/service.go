// ============================================================================
// licensekit Bridge - 引擎 gRPC 傳輸
// ============================================================================
//
// Package: internal/bridge
// 文件: service.go
// 功能: 透過 gRPC 將 engine.Engine 提供給其他行程，並在用戶端重建同一介面
//
// 服務定義（手寫 ServiceDesc，訊息皆為 google.protobuf.Struct）:
//
//   service licensekit.bridge.v1.Engine {
//     rpc Call(Struct) returns (Struct);             // 單一原語呼叫
//     rpc Monitor(Struct) returns (stream Struct);   // 生命週期事件串流
//   }
//
// Call 請求:  {"op": "openEntityById", "args": ["editor"]}
// Call 回應:  {"result": ..., "ok": bool, "code": n, "message": "..."}
//   - handle 與 int64 以十進位字串傳送，避免 double 精度遺失
//   - code/message 為該次呼叫後引擎的 last error
//
// Monitor 串流: 第一則訊息 {"ready": true, "subscription": uuid}，
//   之後每則 {"event": id, "source": "handle"}
//
// ============================================================================

package bridge

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "licensekit.bridge.v1.Engine"
	callMethod    = "/" + serviceName + "/Call"
	monitorMethod = "/" + serviceName + "/Monitor"
)

// engineService 由 Server 實作
type engineService interface {
	call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	monitor(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*engineService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Monitor", Handler: monitorHandler, ServerStreams: true},
	},
	Metadata: "licensekit/bridge/v1/engine.proto",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(engineService).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(engineService).call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func monitorHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(engineService).monitor(in, stream)
}
