package event

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/google/uuid"
)

// Listener 處理 App / License 類事件
type Listener func(Event)

// EntityListener 處理 Entity 類事件
type EntityListener func(*license.Entity, Event)

// Resolver 將來源 handle 解析為實體
type Resolver interface {
	ResolveEntity(h engine.Handle) (*license.Entity, error)
}

// ResolverFunc 讓普通函式滿足 Resolver
type ResolverFunc func(engine.Handle) (*license.Entity, error)

func (f ResolverFunc) ResolveEntity(h engine.Handle) (*license.Entity, error) { return f(h) }

// Observer 接收分派統計，通常是 metrics.Collector
type Observer interface {
	ObserveDispatch(category string, elapsed time.Duration)
	ObserveUnknownEvent(id int)
	ObserveListenerPanic(id int)
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(string, time.Duration) {}
func (nopObserver) ObserveUnknownEvent(int)               {}
func (nopObserver) ObserveListenerPanic(int)              {}

// Option 設定 Router
type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Router) {
		if o != nil {
			r.obs = o
		}
	}
}

// Router 監聽器註冊表與分派器
type Router struct {
	resolver Resolver
	log      *slog.Logger
	obs      Observer

	mu       sync.RWMutex
	plain    map[types.EventID][]Listener
	entities map[types.EventID][]EntityListener
	taps     map[uuid.UUID]Listener
}

// NewRouter 建立路由器；resolver 為 nil 時 Entity 類事件無法解析
func NewRouter(resolver Resolver, opts ...Option) *Router {
	r := &Router{
		resolver: resolver,
		log:      slog.Default(),
		obs:      nopObserver{},
		plain:    make(map[types.EventID][]Listener),
		entities: make(map[types.EventID][]EntityListener),
		taps:     make(map[uuid.UUID]Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "event")
	return r
}

// On 註冊 App 或 License 類事件的監聽器
func (r *Router) On(id types.EventID, fn Listener) error {
	switch Classify(int(id)) {
	case CategoryApp, CategoryLicense:
	default:
		return fmt.Errorf("event %s is not an app or license event: %w", id, sdkerr.ErrInvalidValue)
	}
	if fn == nil {
		return fmt.Errorf("event %s: nil listener: %w", id, sdkerr.ErrInvalidValue)
	}
	r.mu.Lock()
	r.plain[id] = append(r.plain[id], fn)
	r.mu.Unlock()
	return nil
}

// OnEntity 註冊 Entity 類事件的監聽器
func (r *Router) OnEntity(id types.EventID, fn EntityListener) error {
	if Classify(int(id)) != CategoryEntity {
		return fmt.Errorf("event %s is not an entity event: %w", id, sdkerr.ErrInvalidValue)
	}
	if fn == nil {
		return fmt.Errorf("event %s: nil listener: %w", id, sdkerr.ErrInvalidValue)
	}
	r.mu.Lock()
	r.entities[id] = append(r.entities[id], fn)
	r.mu.Unlock()
	return nil
}

// Tap 訂閱所有已分類的事件，回傳取消訂閱函式
func (r *Router) Tap(fn Listener) (cancel func()) {
	id := uuid.New()
	r.mu.Lock()
	r.taps[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.taps, id)
		r.mu.Unlock()
	}
}

// ListenerCount 回傳某事件的監聽器數量
func (r *Router) ListenerCount(id types.EventID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plain[id]) + len(r.entities[id])
}

// Monitor 回傳可交給 Engine.CreateMonitor 的回呼
func (r *Router) Monitor() engine.MonitorFunc {
	return func(eventID int, source engine.Handle, _ any) {
		r.Dispatch(eventID, source)
	}
}

// Dispatch 分類並分派單一事件，永不 panic
func (r *Router) Dispatch(id int, source engine.Handle) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("event dispatch panicked", "event_id", id, "panic", p)
		}
	}()

	cat := Classify(id)
	if cat == CategoryUnknown {
		r.log.Debug("ignoring unknown event", "event_id", id, "source", uint64(source))
		r.obs.ObserveUnknownEvent(id)
		return
	}

	ev := Event{ID: types.EventID(id), Category: cat}
	evID := types.EventID(id)

	r.mu.RLock()
	plain := r.plain[evID]
	entityFns := r.entities[evID]
	taps := make([]Listener, 0, len(r.taps))
	for _, t := range r.taps {
		taps = append(taps, t)
	}
	r.mu.RUnlock()

	if cat == CategoryEntity {
		ent, err := r.resolve(source)
		if err != nil {
			r.log.Warn("failed to resolve event source", "event", evID.String(), "source", uint64(source), "error", err)
			return
		}
		ev.Entity = ent
		for _, fn := range entityFns {
			r.safeCall(id, func() { fn(ent, ev) })
		}
	} else {
		for _, fn := range plain {
			r.safeCall(id, func() { fn(ev) })
		}
	}

	for _, fn := range taps {
		r.safeCall(id, func() { fn(ev) })
	}
	r.obs.ObserveDispatch(cat.String(), time.Since(start))
}

func (r *Router) resolve(source engine.Handle) (*license.Entity, error) {
	if r.resolver == nil {
		return nil, fmt.Errorf("no entity resolver: %w", sdkerr.ErrNotFound)
	}
	if source == engine.InvalidHandle {
		return nil, fmt.Errorf("event carries no source handle: %w", sdkerr.ErrNotFound)
	}
	ent, err := r.resolver.ResolveEntity(source)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, fmt.Errorf("handle %d: %w", uint64(source), sdkerr.ErrNotFound)
	}
	return ent, nil
}

// safeCall 隔離單一監聽器的 panic，其餘監聽器照常執行
func (r *Router) safeCall(id int, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("event listener panicked", "event_id", id, "panic", p)
			r.obs.ObserveListenerPanic(id)
		}
	}()
	fn()
}
