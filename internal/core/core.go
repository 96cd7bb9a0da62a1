// ============================================================================
// licensekit Core - 授權核心服務物件
// ============================================================================
//
// Package: internal/core
// 文件: core.go
// 功能: 取代全域單例的可注入服務物件，串接引擎、實體表、請求與事件
//
// 職責:
//   1. Init / Close：初始化引擎、開啟實體表、註冊監視器
//   2. 實體註冊表：依 handle 或 id 查找，並作為事件路由的 Resolver
//   3. 工廠：變數查找、請求建立、解鎖請求碼
//   4. 啟用：線上序號與離線授權碼的直通呼叫（序號啟用受限流保護）
//
// 並發安全:
//   引擎一律經 engine.Serialize 包裝；實體表以 RWMutex 保護，
//   事件分派可能在引擎的 goroutine 上與呼叫端並行。
//
// ============================================================================

package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/event"
	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/metrics"
	"github.com/ChuLiYu/licensekit/internal/request"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/ChuLiYu/licensekit/internal/core"

// Option 設定 Core
type Option func(*Core)

func WithLogger(l *slog.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics 掛載 Prometheus 收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Core) { c.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Core) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithActivationLimit 設定 ApplySN 的限流；perMinute 為 0 表示不限流
func WithActivationLimit(perMinute float64, burst int) Option {
	return func(c *Core) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perMinute/60), burst)
	}
}

// WithActivationTimeout 線上啟用逾時，原樣傳給引擎
func WithActivationTimeout(d time.Duration) Option {
	return func(c *Core) { c.timeout = d }
}

// WithClock 替換試用檢查器使用的時間來源
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// Product 產品資訊
type Product struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BuildID int    `json:"build_id"`
	Version string `json:"version"`
}

// Core 授權核心
type Core struct {
	eng     engine.Engine
	router  *event.Router
	base    *slog.Logger // 未加 component 的 logger，交給下層元件
	log     *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time

	mu          sync.RWMutex
	initialized bool
	monitor     engine.Handle
	entities    []*license.Entity
	byHandle    map[engine.Handle]*license.Entity
	byID        map[string]*license.Entity
}

// New 建立核心；eng 會被包裝為可並行使用
func New(eng engine.Engine, opts ...Option) *Core {
	c := &Core{
		eng:      engine.Serialize(eng),
		log:      slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		timeout:  10 * time.Second,
		now:      time.Now,
		byHandle: make(map[engine.Handle]*license.Entity),
		byID:     make(map[string]*license.Entity),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.base = c.log
	c.log = c.base.With("component", "core")

	routerOpts := []event.Option{event.WithLogger(c.base)}
	if c.metrics != nil {
		routerOpts = append(routerOpts, event.WithObserver(c.metrics))
	}
	c.router = event.NewRouter(c, routerOpts...)
	if c.metrics != nil {
		// 存取區段計量
		_ = c.router.OnEntity(types.EventEntityAccessStarted, func(*license.Entity, event.Event) { c.metrics.AccessStarted() })
		_ = c.router.OnEntity(types.EventEntityAccessEnded, func(*license.Entity, event.Event) { c.metrics.AccessEnded() })
	}
	return c
}

// Engine 回傳序列化後的引擎
func (c *Core) Engine() engine.Engine { return c.eng }

// Events 回傳事件路由器，供註冊監聽器
func (c *Core) Events() *event.Router { return c.router }

func (c *Core) licenseOptions() license.Options {
	return license.Options{Now: c.now, Logger: c.base}
}

// try 執行單一引擎原語；失敗時在同一臨界區內讀取 last error
func (c *Core) try(op string, kind error, fn func(engine.Engine) bool) error {
	st, ok := engine.Try(c.eng, fn)
	if ok {
		return nil
	}
	if c.metrics != nil {
		c.metrics.ObserveEngineFailure(op)
	}
	return sdkerr.FromEngine(st, op, kind)
}

// span 開始一個追蹤區段；結束時依 err 設定狀態
func (c *Core) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, sp := c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			sp.RecordError(*errp)
			sp.SetStatus(codes.Error, (*errp).Error())
		}
		sp.End()
	}
}

// Init 初始化引擎並開啟整個實體表
//
// 監視器在引擎初始化前建立，以便收到初始化期間的事件。
func (c *Core) Init(ctx context.Context, productID, licensePath, password string) (err error) {
	_, end := c.span(ctx, "core.Init", attribute.String("product.id", productID))
	defer end(&err)

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	if c.monitor == engine.InvalidHandle {
		c.monitor = c.eng.CreateMonitor(c.router.Monitor(), c, "licensekit-core")
		if c.monitor == engine.InvalidHandle {
			c.log.Warn("failed to register event monitor", "code", c.eng.LastErrorCode())
		}
	}
	c.mu.Unlock()

	if err := c.try("init", sdkerr.ErrNotInitialized, func(e engine.Engine) bool {
		return e.Init(productID, licensePath, password)
	}); err != nil {
		return err
	}

	count := c.eng.EntityCount()
	opened := make([]*license.Entity, 0, count)
	for i := 0; i < count; i++ {
		var h engine.Handle
		err := c.try("openEntityByIndex", sdkerr.ErrNotFound, func(e engine.Engine) bool {
			h = e.OpenEntityByIndex(i)
			return h != engine.InvalidHandle
		})
		var e *license.Entity
		if err == nil {
			e, err = license.OpenEntity(c.eng, h, c.licenseOptions())
		}
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			c.eng.Cleanup()
			return fmt.Errorf("open entity %d: %w", i, err)
		}
		opened = append(opened, e)
	}

	c.mu.Lock()
	for _, e := range opened {
		c.trackLocked(e)
	}
	c.initialized = true
	c.mu.Unlock()

	c.log.Info("license core initialized", "product", productID, "entities", count, "engine_version", c.eng.Version())
	return nil
}

// Close 釋放所有實體與監視器並關閉引擎
func (c *Core) Close() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	entities := c.entities
	monitor := c.monitor
	c.entities = nil
	c.byHandle = make(map[engine.Handle]*license.Entity)
	c.byID = make(map[string]*license.Entity)
	c.monitor = engine.InvalidHandle
	c.initialized = false
	c.mu.Unlock()

	for _, e := range entities {
		e.Close()
	}
	err := c.try("cleanup", nil, func(e engine.Engine) bool { return e.Cleanup() })
	if monitor != engine.InvalidHandle {
		c.eng.CloseHandle(monitor)
	}
	if err != nil {
		return err
	}
	c.log.Info("license core closed")
	return nil
}

// Initialized 回報是否已完成 Init
func (c *Core) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Core) ready() error {
	if !c.Initialized() {
		return sdkerr.ErrNotInitialized
	}
	return nil
}

// Version 引擎版本，不需先初始化
func (c *Core) Version() string { return c.eng.Version() }

// Product 回傳產品資訊
func (c *Core) Product() (Product, error) {
	if err := c.ready(); err != nil {
		return Product{}, err
	}
	return Product{
		ID:      c.eng.ProductID(),
		Name:    c.eng.ProductName(),
		BuildID: c.eng.BuildID(),
		Version: c.eng.Version(),
	}, nil
}

// ============================================================================
// 實體註冊表
// ============================================================================

func (c *Core) trackLocked(e *license.Entity) {
	c.entities = append(c.entities, e)
	c.byHandle[e.Handle()] = e
	if _, ok := c.byID[e.ID()]; !ok {
		c.byID[e.ID()] = e
	}
}

// Entities 依引擎表格順序回傳所有實體
func (c *Core) Entities() []*license.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*license.Entity, 0, len(c.byID))
	seen := make(map[string]bool, len(c.byID))
	for _, e := range c.entities {
		if !seen[e.ID()] {
			seen[e.ID()] = true
			out = append(out, e)
		}
	}
	return out
}

// EntityByID 依 id 查找實體
func (c *Core) EntityByID(id string) (*license.Entity, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	e, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := license.OpenEntityByID(c.eng, id, c.licenseOptions())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byID[id]; ok {
		e.Close()
		return existing, nil
	}
	c.trackLocked(e)
	return e, nil
}

// ResolveEntity 將事件來源 handle 解析為實體
//
// 先比對已開啟實體的 handle，再比對實體 id，最後包裝成新實體並納入追蹤。
// 並行解析同一 handle 時只追蹤一份，其餘包裝會被拆除而不關閉 handle。
func (c *Core) ResolveEntity(h engine.Handle) (*license.Entity, error) {
	c.mu.RLock()
	e, ok := c.byHandle[h]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	var id string
	if err := c.try("getEntityId", sdkerr.ErrNotFound, func(in engine.Engine) bool {
		id = in.EntityID(h)
		return id != ""
	}); err != nil {
		return nil, fmt.Errorf("event source %d: %w", uint64(h), err)
	}
	c.mu.RLock()
	e, ok = c.byID[id]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := license.OpenEntity(c.eng, h, c.licenseOptions())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byHandle[h]; ok {
		e.Detach()
		return existing, nil
	}
	if existing, ok := c.byID[id]; ok {
		e.Detach()
		return existing, nil
	}
	c.trackLocked(e)
	c.log.Debug("tracking entity from event source", "entity", id, "handle", uint64(h))
	return e, nil
}

// ============================================================================
// 變數與請求
// ============================================================================

// Variable 依名稱開啟產品層級變數；呼叫端負責 Close
func (c *Core) Variable(name string) (*variable.Variable, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return variable.Lookup(c.eng, name)
}

// NewRequest 建立空請求；呼叫端負責 Close
func (c *Core) NewRequest() (*request.Request, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	opts := []request.Option{request.WithLogger(c.base)}
	if c.metrics != nil {
		opts = append(opts, request.WithObserver(c.metrics))
	}
	return request.New(c.eng, opts...)
}

var _ event.Resolver = (*Core)(nil)
