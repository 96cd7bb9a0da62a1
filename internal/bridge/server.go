package bridge

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type op func(e engine.Engine, a argList) any

// ops 原語名稱 -> 執行函式
var ops = map[string]op{
	"init":    func(e engine.Engine, a argList) any { return e.Init(a.str(0), a.str(1), a.str(2)) },
	"cleanup": func(e engine.Engine, a argList) any { return e.Cleanup() },
	"closeHandle": func(e engine.Engine, a argList) any {
		e.CloseHandle(a.handle(0))
		return nil
	},
	"version":     func(e engine.Engine, a argList) any { return e.Version() },
	"productId":   func(e engine.Engine, a argList) any { return e.ProductID() },
	"productName": func(e engine.Engine, a argList) any { return e.ProductName() },
	"buildId":     func(e engine.Engine, a argList) any { return e.BuildID() },

	"entityCount":       func(e engine.Engine, a argList) any { return e.EntityCount() },
	"openEntityByIndex": func(e engine.Engine, a argList) any { return handleArg(e.OpenEntityByIndex(a.int(0))) },
	"openEntityById":    func(e engine.Engine, a argList) any { return handleArg(e.OpenEntityByID(a.str(0))) },
	"entityAttributes":  func(e engine.Engine, a argList) any { return e.EntityAttributes(a.handle(0)) },
	"entityId":          func(e engine.Engine, a argList) any { return e.EntityID(a.handle(0)) },
	"entityName":        func(e engine.Engine, a argList) any { return e.EntityName(a.handle(0)) },
	"entityDescription": func(e engine.Engine, a argList) any { return e.EntityDescription(a.handle(0)) },
	"beginAccess":       func(e engine.Engine, a argList) any { return e.BeginAccess(a.handle(0)) },
	"endAccess":         func(e engine.Engine, a argList) any { return e.EndAccess(a.handle(0)) },

	"openLicense":        func(e engine.Engine, a argList) any { return handleArg(e.OpenLicense(a.handle(0))) },
	"licenseId":          func(e engine.Engine, a argList) any { return e.LicenseID(a.handle(0)) },
	"licenseName":        func(e engine.Engine, a argList) any { return e.LicenseName(a.handle(0)) },
	"licenseDescription": func(e engine.Engine, a argList) any { return e.LicenseDescription(a.handle(0)) },
	"licenseStatus":      func(e engine.Engine, a argList) any { return e.LicenseStatus(a.handle(0)) },
	"isLicenseValid":     func(e engine.Engine, a argList) any { return e.IsLicenseValid(a.handle(0)) },
	"lockLicense":        func(e engine.Engine, a argList) any { return e.LockLicense(a.handle(0)) },
	"licenseParamCount":  func(e engine.Engine, a argList) any { return e.LicenseParamCount(a.handle(0)) },
	"licenseParamByIndex": func(e engine.Engine, a argList) any {
		return handleArg(e.LicenseParamByIndex(a.handle(0), a.int(1)))
	},
	"actionInfoCount": func(e engine.Engine, a argList) any { return e.ActionInfoCount(a.handle(0)) },
	"actionInfoByIndex": func(e engine.Engine, a argList) any {
		id, name := e.ActionInfoByIndex(a.handle(0), a.int(1))
		return []any{id, name}
	},

	"getVariable":     func(e engine.Engine, a argList) any { return handleArg(e.Variable(a.str(0))) },
	"variableName":    func(e engine.Engine, a argList) any { return e.VariableName(a.handle(0)) },
	"variableType":    func(e engine.Engine, a argList) any { return e.VariableType(a.handle(0)) },
	"variableAttr":    func(e engine.Engine, a argList) any { return e.VariableAttr(a.handle(0)) },
	"isVariableValid": func(e engine.Engine, a argList) any { return e.IsVariableValid(a.handle(0)) },
	"getInt32": func(e engine.Engine, a argList) any {
		x, ok := e.GetInt32(a.handle(0))
		return pair{x, ok}
	},
	"setInt32": func(e engine.Engine, a argList) any { return e.SetInt32(a.handle(0), int32(a.int(1))) },
	"getInt64": func(e engine.Engine, a argList) any {
		x, ok := e.GetInt64(a.handle(0))
		return pair{int64Arg(x), ok}
	},
	"setInt64": func(e engine.Engine, a argList) any { return e.SetInt64(a.handle(0), a.int64(1)) },
	"getFloat32": func(e engine.Engine, a argList) any {
		x, ok := e.GetFloat32(a.handle(0))
		return pair{float64(x), ok}
	},
	"setFloat32": func(e engine.Engine, a argList) any { return e.SetFloat32(a.handle(0), float32(a.float(1))) },
	"getFloat64": func(e engine.Engine, a argList) any {
		x, ok := e.GetFloat64(a.handle(0))
		return pair{x, ok}
	},
	"setFloat64": func(e engine.Engine, a argList) any { return e.SetFloat64(a.handle(0), a.float(1)) },
	"getString": func(e engine.Engine, a argList) any {
		x, ok := e.GetString(a.handle(0))
		return pair{x, ok}
	},
	"setString": func(e engine.Engine, a argList) any { return e.SetString(a.handle(0), a.str(1)) },

	"createRequest": func(e engine.Engine, a argList) any { return handleArg(e.CreateRequest()) },
	"addRequestAction": func(e engine.Engine, a argList) any {
		return handleArg(e.AddRequestAction(a.handle(0), a.int(1), a.handle(2)))
	},
	"requestCode":      func(e engine.Engine, a argList) any { return e.RequestCode(a.handle(0)) },
	"actionId":         func(e engine.Engine, a argList) any { return e.ActionID(a.handle(0)) },
	"actionName":       func(e engine.Engine, a argList) any { return e.ActionName(a.handle(0)) },
	"actionParamCount": func(e engine.Engine, a argList) any { return e.ActionParamCount(a.handle(0)) },
	"actionParamByIndex": func(e engine.Engine, a argList) any {
		return handleArg(e.ActionParamByIndex(a.handle(0), a.int(1)))
	},

	"isServerAlive":    func(e engine.Engine, a argList) any { return e.IsServerAlive(a.int(0)) },
	"isSNValid":        func(e engine.Engine, a argList) any { return e.IsSNValid(a.str(0), a.int(1)) },
	"applySN":          func(e engine.Engine, a argList) any { return e.ApplySN(a.str(0), a.int(1)) },
	"applyLicenseCode": func(e engine.Engine, a argList) any { return e.ApplyLicenseCode(a.str(0)) },
}

// ServerOption 設定 Server
type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEventBuffer 每個監視串流可暫存的事件數，超過時丟棄並記錄
func WithEventBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithRetainOnCleanup 遠端的 cleanup 不關閉引擎；引擎生命週期由伺服器端持有
func WithRetainOnCleanup() ServerOption {
	return func(s *Server) { s.retain = true }
}

// Server 將一個引擎以 gRPC 提供
type Server struct {
	eng    *engine.Serialized
	log    *slog.Logger
	buffer int
	retain bool
}

// NewServer 建立服務；eng 會被包裝為可並行使用
func NewServer(eng engine.Engine, opts ...ServerOption) *Server {
	s := &Server{
		eng:    engine.Serialize(eng),
		log:    slog.Default(),
		buffer: 256,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "bridge")
	return s
}

// Register 將服務註冊到 gRPC server
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) call(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["op"].GetStringValue()
	fn, ok := ops[name]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown engine op %q", name)
	}
	args := argList(req.GetFields()["args"].GetListValue().GetValues())
	if name == "cleanup" && s.retain {
		s.log.Debug("remote cleanup ignored, engine retained")
		fn = func(engine.Engine, argList) any { return true }
	}

	var (
		out  any
		code int
		msg  string
	)
	s.eng.Exclusive(func(e engine.Engine) {
		out = fn(e, args)
		code, msg = e.LastErrorCode(), e.LastErrorMessage()
	})

	fields := map[string]any{"code": code, "message": msg}
	if p, ok := out.(pair); ok {
		fields["result"], fields["ok"] = p.v, p.ok
	} else {
		fields["result"] = out
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode %s result: %v", name, err)
	}
	return resp, nil
}

func (s *Server) monitor(req *structpb.Struct, stream grpc.ServerStream) error {
	name := req.GetFields()["name"].GetStringValue()
	sub := uuid.New().String()
	log := s.log.With("subscription", sub, "monitor", name)

	events := make(chan *structpb.Struct, s.buffer)
	h := s.eng.CreateMonitor(func(id int, source engine.Handle, _ any) {
		msg := &structpb.Struct{Fields: map[string]*structpb.Value{
			"event":  structpb.NewNumberValue(float64(id)),
			"source": structpb.NewStringValue(handleArg(source)),
		}}
		select {
		case events <- msg:
		default:
			log.Warn("monitor stream lagging, dropping event", "event_id", id)
		}
	}, nil, name)
	if h == engine.InvalidHandle {
		return status.Errorf(codes.FailedPrecondition, "create monitor: %s", s.eng.LastErrorMessage())
	}
	defer s.eng.CloseHandle(h)

	ready := &structpb.Struct{Fields: map[string]*structpb.Value{
		"ready":        structpb.NewBoolValue(true),
		"subscription": structpb.NewStringValue(sub),
	}}
	if err := stream.SendMsg(ready); err != nil {
		return err
	}
	log.Debug("monitor stream opened")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("monitor stream closed")
			return nil
		case ev := <-events:
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		}
	}
}

var _ engineService = (*Server)(nil)
