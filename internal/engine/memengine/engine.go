// ============================================================================
// licensekit In-Memory Engine
// ============================================================================
//
// Package: internal/engine/memengine
// File: engine.go
// Purpose: Goroutine-safe, in-process implementation of engine.Engine.
//
// Behavior:
//   - Loads its license store from a StoreDef (YAML).
//   - Hands out opaque handles for entities, licenses, variables, requests,
//     actions and monitors; CloseHandle releases them.
//   - Applies each license model's trial logic on the outermost BeginAccess.
//   - Renders deterministic request codes and applies license codes issued
//     for them by Issue (a stand-in for the vendor's issuing backend).
//   - Raises lifecycle events on the calling goroutine after releasing its
//     own lock, mirroring a native engine's synchronous callbacks.
//
// ============================================================================

package memengine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Engine last-error codes.
const (
	CodeOK             = 0
	CodeNotInitialized = 1
	CodeInvalidHandle  = 2
	CodeNotFound       = 3
	CodeTypeMismatch   = 4
	CodeAccessDenied   = 5
	CodeActionRejected = 6
	CodeInvalidCode    = 7
	CodeInvalidSerial  = 8
	CodeBadPassword    = 9
	CodeInvalidValue   = 10
	CodeServerOffline  = 11
)

const defaultVersion = "5.3.1"

// varRec 引擎端的變數儲存；整數類型統一存放於 num
type varRec struct {
	name  string
	typ   types.VarType
	attr  types.VarAttr
	valid bool
	num   int64
	flt   float64
	str   string

	owner *entityRec // 授權參數所屬實體，其他變數為 nil
}

func (v *varRec) clone() *varRec {
	c := *v
	return &c
}

type licenseRec struct {
	model   types.ModelID
	name    string
	desc    string
	status  types.LicenseStatus
	actions []int
	params  []*varRec
	byName  map[string]*varRec
}

func (l *licenseRec) param(name string) *varRec { return l.byName[name] }

type entityRec struct {
	id        string
	name      string
	desc      string
	autoStart bool
	lic       *licenseRec

	depth       int       // 巢狀存取深度
	accessStart time.Time // 最外層存取開始時間
	usedBase    int64     // 本次存取開始前的累計使用秒數
}

type actionRec struct {
	id     int
	target *entityRec // nil 表示套用至所有實體
	params []*varRec
}

type requestRec struct {
	actions []*actionRec
}

type monitorRec struct {
	cb       engine.MonitorFunc
	userData any
	name     string
}

type (
	entityRef  struct{ e *entityRec }
	licenseRef struct{ e *entityRec }
)

type pendingEvent struct {
	id     int
	entity *entityRec
	source engine.Handle // 呼叫端使用的 handle，為 0 時自動尋找
}

// Option 設定記憶體引擎
type Option func(*Engine)

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *Engine) { m.now = now }
}

// WithLogger 設定記錄器
func WithLogger(l *slog.Logger) Option {
	return func(m *Engine) { m.log = l }
}

// WithServerOnline 控制線上啟用是否可用
func WithServerOnline(online bool) Option {
	return func(m *Engine) { m.online = online }
}

// Engine 記憶體授權引擎
type Engine struct {
	mu  sync.Mutex
	def *StoreDef
	now func() time.Time
	log *slog.Logger

	online      bool
	initialized bool
	product     ProductDef

	entities []*entityRec
	byID     map[string]*entityRec
	vars     map[string]*varRec

	handles map[engine.Handle]any
	next    engine.Handle

	issued  map[string][]issuedAction // license code -> actions
	pending map[string][]issuedAction // request code -> actions

	lastCode int
	lastMsg  string
}

// New 以存放區定義建立引擎；呼叫 Init 前不可使用
func New(def *StoreDef, opts ...Option) *Engine {
	m := &Engine{
		def:    def,
		now:    time.Now,
		log:    slog.Default(),
		online: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "memengine")
	return m
}

func (m *Engine) fail(code int, msg string) {
	m.lastCode = code
	m.lastMsg = msg
}

func (m *Engine) ok() {
	m.lastCode = CodeOK
	m.lastMsg = ""
}

func (m *Engine) alloc(obj any) engine.Handle {
	m.next++
	m.handles[m.next] = obj
	return m.next
}

// load 由定義重建所有實體與變數
func (m *Engine) load() {
	m.product = m.def.Product
	if m.product.Version == "" {
		m.product.Version = defaultVersion
	}
	m.entities = nil
	m.byID = make(map[string]*entityRec)
	m.vars = make(map[string]*varRec)

	for _, p := range m.def.Variables {
		v, _ := newVar(p)
		m.vars[v.name] = v
	}
	for _, ed := range m.def.Entities {
		e := &entityRec{id: ed.ID, name: ed.Name, desc: ed.Description, autoStart: ed.AutoStart}
		lic := &licenseRec{
			model:   ed.License.Model,
			name:    ed.License.Name,
			desc:    ed.License.Description,
			status:  types.ParseLicenseStatus(ed.License.Status),
			actions: append([]int(nil), ed.License.Actions...),
			byName:  make(map[string]*varRec),
		}
		if ed.License.Status == "" {
			lic.status = types.StatusActive
		}
		for _, p := range ed.License.Params {
			v, _ := newVar(p)
			v.owner = e
			lic.params = append(lic.params, v)
			lic.byName[v.name] = v
		}
		e.lic = lic
		m.entities = append(m.entities, e)
		m.byID[e.id] = e
	}
}

func (m *Engine) Init(productID, licensePath, password string) bool {
	m.mu.Lock()
	if productID != m.def.Product.ID {
		m.fail(CodeNotFound, "product id mismatch: "+productID)
		m.mu.Unlock()
		return false
	}
	if m.def.Product.Password != "" && password != m.def.Product.Password {
		m.fail(CodeBadPassword, "invalid license password")
		m.mu.Unlock()
		return false
	}
	if !m.initialized {
		m.load()
		if m.handles == nil {
			m.handles = make(map[engine.Handle]any)
		}
		m.issued = make(map[string][]issuedAction)
		m.pending = make(map[string][]issuedAction)
		m.initialized = true
	}
	m.ok()
	m.log.Debug("license store opened", "product", productID, "path", licensePath, "entities", len(m.entities))
	mons := m.monitorsLocked()
	m.mu.Unlock()

	m.emit(mons, []pendingEvent{
		{id: int(types.EventLicenseLoading)},
		{id: int(types.EventLicenseReady)},
		{id: int(types.EventAppBegin)},
	})
	return true
}

func (m *Engine) Cleanup() bool {
	m.mu.Lock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		m.mu.Unlock()
		return false
	}
	mons := m.monitorsLocked()
	m.initialized = false
	m.handles = nil
	m.ok()
	m.mu.Unlock()

	m.emit(mons, []pendingEvent{{id: int(types.EventAppEnd)}})
	return true
}

func (m *Engine) CloseHandle(h engine.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles != nil {
		delete(m.handles, h)
	}
}

func (m *Engine) LastErrorCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCode
}

func (m *Engine) LastErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMsg
}

func (m *Engine) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.def.Product.Version != "" {
		return m.def.Product.Version
	}
	return defaultVersion
}

func (m *Engine) ProductID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return ""
	}
	return m.product.ID
}

func (m *Engine) ProductName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return ""
	}
	return m.product.Name
}

func (m *Engine) BuildID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return 0
	}
	return m.product.BuildID
}

// ============================================================================
// Entity table
// ============================================================================

func (m *Engine) EntityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return 0
	}
	return len(m.entities)
}

func (m *Engine) OpenEntityByIndex(index int) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return engine.InvalidHandle
	}
	if index < 0 || index >= len(m.entities) {
		m.fail(CodeNotFound, "entity index out of range")
		return engine.InvalidHandle
	}
	return m.alloc(&entityRef{m.entities[index]})
}

func (m *Engine) OpenEntityByID(id string) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return engine.InvalidHandle
	}
	e, ok := m.byID[id]
	if !ok {
		m.fail(CodeNotFound, "entity not found: "+id)
		return engine.InvalidHandle
	}
	return m.alloc(&entityRef{e})
}

func (m *Engine) entityLocked(h engine.Handle) *entityRec {
	if ref, ok := m.handles[h].(*entityRef); ok {
		return ref.e
	}
	m.fail(CodeInvalidHandle, "not an entity handle")
	return nil
}

func (m *Engine) EntityAttributes(h engine.Handle) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entityLocked(h)
	if e == nil {
		return 0
	}
	return uint32(m.attributesLocked(e))
}

func (m *Engine) attributesLocked(e *entityRec) types.EntityAttr {
	var a types.EntityAttr
	switch {
	case e.lic.status == types.StatusUnlocked:
		a |= types.EntityUnlocked
	case e.lic.status == types.StatusLocked || e.lic.model == types.ModelAlwaysLock:
		a |= types.EntityLocked
	}
	if e.depth > 0 {
		a |= types.EntityAccessing
	}
	if e.autoStart {
		a |= types.EntityAutoStart
	}
	if m.accessibleLocked(e) {
		a |= types.EntityAccessible
	}
	return a
}

func (m *Engine) EntityID(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entityLocked(h); e != nil {
		return e.id
	}
	return ""
}

func (m *Engine) EntityName(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entityLocked(h); e != nil {
		return e.name
	}
	return ""
}

func (m *Engine) EntityDescription(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entityLocked(h); e != nil {
		return e.desc
	}
	return ""
}

// ============================================================================
// Licenses
// ============================================================================

func (m *Engine) OpenLicense(entity engine.Handle) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entityLocked(entity)
	if e == nil {
		return engine.InvalidHandle
	}
	return m.alloc(&licenseRef{e})
}

func (m *Engine) licenseLocked(h engine.Handle) *entityRec {
	if ref, ok := m.handles[h].(*licenseRef); ok {
		return ref.e
	}
	m.fail(CodeInvalidHandle, "not a license handle")
	return nil
}

func (m *Engine) LicenseID(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.licenseLocked(h); e != nil {
		return string(e.lic.model)
	}
	return ""
}

func (m *Engine) LicenseName(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.licenseLocked(h); e != nil {
		return e.lic.name
	}
	return ""
}

func (m *Engine) LicenseDescription(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.licenseLocked(h); e != nil {
		return e.lic.desc
	}
	return ""
}

func (m *Engine) LicenseStatus(h engine.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.licenseLocked(h); e != nil {
		return int(e.lic.status)
	}
	return int(types.StatusInvalid)
}

func (m *Engine) IsLicenseValid(h engine.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.licenseLocked(h)
	if e == nil {
		return false
	}
	return m.accessibleLocked(e)
}

func (m *Engine) LockLicense(h engine.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.licenseLocked(h)
	if e == nil {
		return false
	}
	e.lic.status = types.StatusLocked
	m.ok()
	return true
}

func (m *Engine) LicenseParamCount(h engine.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.licenseLocked(h); e != nil {
		return len(e.lic.params)
	}
	return 0
}

func (m *Engine) LicenseParamByIndex(h engine.Handle, index int) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.licenseLocked(h)
	if e == nil {
		return engine.InvalidHandle
	}
	if index < 0 || index >= len(e.lic.params) {
		m.fail(CodeNotFound, "license parameter index out of range")
		return engine.InvalidHandle
	}
	return m.alloc(e.lic.params[index])
}

func (m *Engine) ActionInfoCount(h engine.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.licenseLocked(h); e != nil {
		return len(e.lic.actions)
	}
	return 0
}

func (m *Engine) ActionInfoByIndex(h engine.Handle, index int) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.licenseLocked(h)
	if e == nil {
		return 0, ""
	}
	if index < 0 || index >= len(e.lic.actions) {
		m.fail(CodeNotFound, "action info index out of range")
		return 0, ""
	}
	id := e.lic.actions[index]
	return id, types.ActionID(id).String()
}

// ============================================================================
// Monitors
// ============================================================================

func (m *Engine) CreateMonitor(cb engine.MonitorFunc, userData any, name string) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb == nil {
		m.fail(CodeInvalidValue, "nil monitor callback")
		return engine.InvalidHandle
	}
	if m.handles == nil {
		m.handles = make(map[engine.Handle]any)
	}
	m.ok()
	return m.alloc(&monitorRec{cb: cb, userData: userData, name: name})
}

// monitorsLocked 依建立順序回傳所有監視器
func (m *Engine) monitorsLocked() []*monitorRec {
	var hs []engine.Handle
	for h, obj := range m.handles {
		if _, ok := obj.(*monitorRec); ok {
			hs = append(hs, h)
		}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	mons := make([]*monitorRec, 0, len(hs))
	for _, h := range hs {
		mons = append(mons, m.handles[h].(*monitorRec))
	}
	return mons
}

// sourceLocked 尋找事件來源實體的既有 handle，沒有則配置新的
func (m *Engine) sourceLocked(e *entityRec) engine.Handle {
	var best engine.Handle
	for h, obj := range m.handles {
		if ref, ok := obj.(*entityRef); ok && ref.e == e && (best == 0 || h < best) {
			best = h
		}
	}
	if best != 0 {
		return best
	}
	return m.alloc(&entityRef{e})
}

// emit 在未持有鎖的情況下呼叫監視器
func (m *Engine) emit(mons []*monitorRec, events []pendingEvent) {
	if len(mons) == 0 || len(events) == 0 {
		return
	}
	srcs := make([]engine.Handle, len(events))
	m.mu.Lock()
	for i, ev := range events {
		switch {
		case ev.source != engine.InvalidHandle:
			srcs[i] = ev.source
		case ev.entity != nil && m.handles != nil:
			srcs[i] = m.sourceLocked(ev.entity)
		}
	}
	m.mu.Unlock()

	for i, ev := range events {
		for _, mon := range mons {
			mon.cb(ev.id, srcs[i], mon.userData)
		}
	}
}

var _ engine.Engine = (*Engine)(nil)
