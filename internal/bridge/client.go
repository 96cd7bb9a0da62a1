package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// 用戶端自身產生的錯誤碼（引擎錯誤碼皆為非負數）
const (
	CodeTransport   = -1 // RPC 失敗或逾時
	CodeBadArgument = -2 // 呼叫端參數無法送出
)

// monitorBase 用戶端本地監視器 handle 的起點，與遠端 handle 空間分離
const monitorBase engine.Handle = 1 << 62

// ClientOption 設定 Client
type ClientOption func(*Client)

// WithCallTimeout 每次遠端呼叫的逾時
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client 透過 gRPC 實作 engine.Engine
//
// 傳輸失敗時設定用戶端的 last error（CodeTransport），並回傳原語的失敗值。
type Client struct {
	conn    grpc.ClientConnInterface
	owned   *grpc.ClientConn // 由 Dial 建立時擁有
	timeout time.Duration
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastCode int
	lastMsg  string
	nextMon  engine.Handle
	monitors map[engine.Handle]context.CancelFunc
}

// NewClient 在既有連線上建立用戶端；連線由呼叫端負責關閉
func NewClient(conn grpc.ClientConnInterface, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		timeout:  5 * time.Second,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		nextMon:  monitorBase,
		monitors: make(map[engine.Handle]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "bridge")
	return c
}

// Dial 連線到遠端引擎（明文傳輸）；Close 會一併關閉連線
func Dial(target string, opts ...ClientOption) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", target, err)
	}
	c := NewClient(conn, opts...)
	c.owned = conn
	return c, nil
}

// Close 停止所有監視串流；若連線由 Dial 建立則一併關閉
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	c.monitors = make(map[engine.Handle]context.CancelFunc)
	c.mu.Unlock()
	if c.owned != nil {
		return c.owned.Close()
	}
	return nil
}

func (c *Client) setErr(code int, msg string) {
	c.mu.Lock()
	c.lastCode, c.lastMsg = code, msg
	c.mu.Unlock()
}

// invoke 執行一次遠端原語；傳輸失敗時回傳 false
func (c *Client) invoke(op string, args ...any) (*structpb.Struct, bool) {
	req, err := structpb.NewStruct(map[string]any{"op": op, "args": args})
	if err != nil {
		c.setErr(CodeBadArgument, fmt.Sprintf("%s: %v", op, err))
		return nil, false
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, callMethod, req, out); err != nil {
		c.setErr(CodeTransport, fmt.Sprintf("%s: %v", op, err))
		c.log.Warn("engine call failed", "op", op, "error", err)
		return nil, false
	}
	f := out.GetFields()
	c.setErr(int(f["code"].GetNumberValue()), f["message"].GetStringValue())
	return out, true
}

func result(out *structpb.Struct) *structpb.Value { return out.GetFields()["result"] }

func (c *Client) handleCall(op string, args ...any) engine.Handle {
	out, ok := c.invoke(op, args...)
	if !ok {
		return engine.InvalidHandle
	}
	return parseHandle(result(out))
}

func (c *Client) boolCall(op string, args ...any) bool {
	out, ok := c.invoke(op, args...)
	return ok && result(out).GetBoolValue()
}

func (c *Client) intCall(op string, args ...any) int {
	out, ok := c.invoke(op, args...)
	if !ok {
		return 0
	}
	return int(result(out).GetNumberValue())
}

func (c *Client) strCall(op string, args ...any) string {
	out, ok := c.invoke(op, args...)
	if !ok {
		return ""
	}
	return result(out).GetStringValue()
}

// pairCall 回傳 (result, ok) 形式的結果
func (c *Client) pairCall(op string, args ...any) (*structpb.Value, bool) {
	out, ok := c.invoke(op, args...)
	if !ok || !out.GetFields()["ok"].GetBoolValue() {
		return nil, false
	}
	return result(out), true
}

func h(x engine.Handle) string { return handleArg(x) }

// ============================================================================
// engine.Engine
// ============================================================================

func (c *Client) Init(productID, licensePath, password string) bool {
	return c.boolCall("init", productID, licensePath, password)
}

func (c *Client) Cleanup() bool { return c.boolCall("cleanup") }

func (c *Client) CloseHandle(x engine.Handle) {
	if x == engine.InvalidHandle {
		return
	}
	c.mu.Lock()
	stop, ok := c.monitors[x]
	delete(c.monitors, x)
	c.mu.Unlock()
	if ok {
		stop()
		return
	}
	c.invoke("closeHandle", h(x))
}

func (c *Client) LastErrorCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode
}

func (c *Client) LastErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsg
}

func (c *Client) Version() string     { return c.strCall("version") }
func (c *Client) ProductID() string   { return c.strCall("productId") }
func (c *Client) ProductName() string { return c.strCall("productName") }
func (c *Client) BuildID() int        { return c.intCall("buildId") }

func (c *Client) EntityCount() int { return c.intCall("entityCount") }
func (c *Client) OpenEntityByIndex(index int) engine.Handle {
	return c.handleCall("openEntityByIndex", index)
}
func (c *Client) OpenEntityByID(id string) engine.Handle { return c.handleCall("openEntityById", id) }
func (c *Client) EntityAttributes(e engine.Handle) uint32 {
	return uint32(c.intCall("entityAttributes", h(e)))
}
func (c *Client) EntityID(e engine.Handle) string   { return c.strCall("entityId", h(e)) }
func (c *Client) EntityName(e engine.Handle) string { return c.strCall("entityName", h(e)) }
func (c *Client) EntityDescription(e engine.Handle) string {
	return c.strCall("entityDescription", h(e))
}
func (c *Client) BeginAccess(e engine.Handle) bool { return c.boolCall("beginAccess", h(e)) }
func (c *Client) EndAccess(e engine.Handle) bool   { return c.boolCall("endAccess", h(e)) }

func (c *Client) OpenLicense(e engine.Handle) engine.Handle { return c.handleCall("openLicense", h(e)) }
func (c *Client) LicenseID(l engine.Handle) string          { return c.strCall("licenseId", h(l)) }
func (c *Client) LicenseName(l engine.Handle) string        { return c.strCall("licenseName", h(l)) }
func (c *Client) LicenseDescription(l engine.Handle) string {
	return c.strCall("licenseDescription", h(l))
}
func (c *Client) LicenseStatus(l engine.Handle) int     { return c.intCall("licenseStatus", h(l)) }
func (c *Client) IsLicenseValid(l engine.Handle) bool   { return c.boolCall("isLicenseValid", h(l)) }
func (c *Client) LockLicense(l engine.Handle) bool      { return c.boolCall("lockLicense", h(l)) }
func (c *Client) LicenseParamCount(l engine.Handle) int { return c.intCall("licenseParamCount", h(l)) }
func (c *Client) LicenseParamByIndex(l engine.Handle, index int) engine.Handle {
	return c.handleCall("licenseParamByIndex", h(l), index)
}
func (c *Client) ActionInfoCount(l engine.Handle) int { return c.intCall("actionInfoCount", h(l)) }
func (c *Client) ActionInfoByIndex(l engine.Handle, index int) (int, string) {
	out, ok := c.invoke("actionInfoByIndex", h(l), index)
	if !ok {
		return 0, ""
	}
	vals := result(out).GetListValue().GetValues()
	if len(vals) != 2 {
		return 0, ""
	}
	return int(vals[0].GetNumberValue()), vals[1].GetStringValue()
}

func (c *Client) Variable(name string) engine.Handle   { return c.handleCall("getVariable", name) }
func (c *Client) VariableName(v engine.Handle) string  { return c.strCall("variableName", h(v)) }
func (c *Client) VariableType(v engine.Handle) int     { return c.intCall("variableType", h(v)) }
func (c *Client) VariableAttr(v engine.Handle) uint32  { return uint32(c.intCall("variableAttr", h(v))) }
func (c *Client) IsVariableValid(v engine.Handle) bool { return c.boolCall("isVariableValid", h(v)) }

func (c *Client) GetInt32(v engine.Handle) (int32, bool) {
	r, ok := c.pairCall("getInt32", h(v))
	if !ok {
		return 0, false
	}
	return int32(r.GetNumberValue()), true
}

func (c *Client) SetInt32(v engine.Handle, x int32) bool { return c.boolCall("setInt32", h(v), x) }

func (c *Client) GetInt64(v engine.Handle) (int64, bool) {
	r, ok := c.pairCall("getInt64", h(v))
	if !ok {
		return 0, false
	}
	return parseInt64(r), true
}

func (c *Client) SetInt64(v engine.Handle, x int64) bool {
	return c.boolCall("setInt64", h(v), int64Arg(x))
}

func (c *Client) GetFloat32(v engine.Handle) (float32, bool) {
	r, ok := c.pairCall("getFloat32", h(v))
	if !ok {
		return 0, false
	}
	return float32(r.GetNumberValue()), true
}

func (c *Client) SetFloat32(v engine.Handle, x float32) bool {
	return c.boolCall("setFloat32", h(v), float64(x))
}

func (c *Client) GetFloat64(v engine.Handle) (float64, bool) {
	r, ok := c.pairCall("getFloat64", h(v))
	if !ok {
		return 0, false
	}
	return r.GetNumberValue(), true
}

func (c *Client) SetFloat64(v engine.Handle, x float64) bool {
	return c.boolCall("setFloat64", h(v), x)
}

func (c *Client) GetString(v engine.Handle) (string, bool) {
	r, ok := c.pairCall("getString", h(v))
	if !ok {
		return "", false
	}
	return r.GetStringValue(), true
}

func (c *Client) SetString(v engine.Handle, x string) bool { return c.boolCall("setString", h(v), x) }

func (c *Client) CreateRequest() engine.Handle { return c.handleCall("createRequest") }
func (c *Client) AddRequestAction(request engine.Handle, actionID int, license engine.Handle) engine.Handle {
	return c.handleCall("addRequestAction", h(request), actionID, h(license))
}
func (c *Client) RequestCode(r engine.Handle) string   { return c.strCall("requestCode", h(r)) }
func (c *Client) ActionID(a engine.Handle) int         { return c.intCall("actionId", h(a)) }
func (c *Client) ActionName(a engine.Handle) string    { return c.strCall("actionName", h(a)) }
func (c *Client) ActionParamCount(a engine.Handle) int { return c.intCall("actionParamCount", h(a)) }
func (c *Client) ActionParamByIndex(a engine.Handle, index int) engine.Handle {
	return c.handleCall("actionParamByIndex", h(a), index)
}

func (c *Client) IsServerAlive(timeoutMs int) bool { return c.boolCall("isServerAlive", timeoutMs) }
func (c *Client) IsSNValid(serial string, timeoutMs int) bool {
	return c.boolCall("isSNValid", serial, timeoutMs)
}
func (c *Client) ApplySN(serial string, timeoutMs int) bool {
	return c.boolCall("applySN", serial, timeoutMs)
}
func (c *Client) ApplyLicenseCode(code string) bool { return c.boolCall("applyLicenseCode", code) }

// CreateMonitor 開啟事件串流，並在伺服器確認註冊後才回傳
//
// 回傳的 handle 屬於用戶端本地；CloseHandle 會結束串流。
func (c *Client) CreateMonitor(cb engine.MonitorFunc, userData any, name string) engine.Handle {
	if cb == nil {
		c.setErr(CodeBadArgument, "nil monitor callback")
		return engine.InvalidHandle
	}
	ctx, cancel := context.WithCancel(c.ctx)

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], monitorMethod)
	if err != nil {
		cancel()
		c.setErr(CodeTransport, fmt.Sprintf("monitor: %v", err))
		return engine.InvalidHandle
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{"name": structpb.NewStringValue(name)}}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		c.setErr(CodeTransport, fmt.Sprintf("monitor: %v", err))
		return engine.InvalidHandle
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		c.setErr(CodeTransport, fmt.Sprintf("monitor: %v", err))
		return engine.InvalidHandle
	}

	// 等待伺服器的 ready 訊息，逾時即放棄
	timer := time.AfterFunc(c.timeout, cancel)
	ready := new(structpb.Struct)
	err = stream.RecvMsg(ready)
	timer.Stop()
	if err != nil || !ready.GetFields()["ready"].GetBoolValue() {
		cancel()
		c.setErr(CodeTransport, fmt.Sprintf("monitor: no ready message: %v", err))
		return engine.InvalidHandle
	}

	c.mu.Lock()
	c.nextMon++
	mh := c.nextMon
	c.monitors[mh] = cancel
	c.lastCode, c.lastMsg = 0, ""
	c.mu.Unlock()

	sub := ready.GetFields()["subscription"].GetStringValue()
	go c.pump(ctx, stream, mh, sub, cb, userData)
	return mh
}

// pump 將串流中的事件交給回呼，直到串流結束
func (c *Client) pump(ctx context.Context, stream grpc.ClientStream, mh engine.Handle, sub string, cb engine.MonitorFunc, userData any) {
	defer func() {
		c.mu.Lock()
		if stop, ok := c.monitors[mh]; ok {
			stop()
			delete(c.monitors, mh)
		}
		c.mu.Unlock()
	}()
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("monitor stream ended", "subscription", sub, "error", err)
			}
			return
		}
		f := msg.GetFields()
		cb(int(f["event"].GetNumberValue()), parseHandle(f["source"]), userData)
	}
}

var _ engine.Engine = (*Client)(nil)
