package engine

import "sync"

type pendingEvent struct {
	cb       MonitorFunc
	id       int
	source   Handle
	userData any
}

// Serialized wraps an Engine so that at most one primitive runs at a time.
//
// Monitor callbacks raised while a primitive is in flight are queued and
// delivered after the primitive returns and the lock is released, so a
// listener may call back into the engine without deadlocking.
type Serialized struct {
	inner Engine
	mu    sync.Mutex

	qmu      sync.Mutex
	busy     bool
	draining bool
	pending  []pendingEvent
}

// Serialize returns e wrapped for concurrent use. Wrapping twice is a no-op.
func Serialize(e Engine) *Serialized {
	if s, ok := e.(*Serialized); ok {
		return s
	}
	return &Serialized{inner: e}
}

// Unwrap returns the wrapped engine.
func (s *Serialized) Unwrap() Engine { return s.inner }

func (s *Serialized) enter() {
	s.mu.Lock()
	s.qmu.Lock()
	s.busy = true
	s.qmu.Unlock()
}

func (s *Serialized) leave() {
	s.qmu.Lock()
	s.busy = false
	s.qmu.Unlock()
	s.mu.Unlock()
	s.drain()
}

func (s *Serialized) drain() {
	s.qmu.Lock()
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.qmu.Unlock()
		ev.cb(ev.id, ev.source, ev.userData)
		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}

// Exclusive runs fn against the inner engine under the call lock, so a
// primitive and the LastErrorCode read that follows it cannot interleave
// with other callers. fn must not call back into s.
func (s *Serialized) Exclusive(fn func(Engine)) {
	s.enter()
	defer s.leave()
	fn(s.inner)
}

// Status is the engine's last error as read right after a failed primitive.
type Status struct {
	Code    int
	Message string
}

func (st Status) LastErrorCode() int       { return st.Code }
func (st Status) LastErrorMessage() string { return st.Message }

// Try runs fn and, when it reports failure, reads the last error before any
// other caller or queued monitor callback reaches the engine. fn must only
// use the Engine it is given.
func Try(e Engine, fn func(Engine) bool) (Status, bool) {
	var (
		st Status
		ok bool
	)
	run := func(in Engine) {
		if ok = fn(in); !ok {
			st = Status{Code: in.LastErrorCode(), Message: in.LastErrorMessage()}
		}
	}
	if s, serialized := e.(*Serialized); serialized {
		s.Exclusive(run)
	} else {
		run(e)
	}
	return st, ok
}

func call[T any](s *Serialized, fn func() T) T {
	s.enter()
	defer s.leave()
	return fn()
}

func call2[T any](s *Serialized, fn func() (T, bool)) (T, bool) {
	s.enter()
	defer s.leave()
	return fn()
}

func (s *Serialized) Init(productID, licensePath, password string) bool {
	return call(s, func() bool { return s.inner.Init(productID, licensePath, password) })
}

func (s *Serialized) Cleanup() bool {
	return call(s, s.inner.Cleanup)
}

func (s *Serialized) CloseHandle(h Handle) {
	if h == InvalidHandle {
		return
	}
	call(s, func() struct{} { s.inner.CloseHandle(h); return struct{}{} })
}

func (s *Serialized) LastErrorCode() int       { return call(s, s.inner.LastErrorCode) }
func (s *Serialized) LastErrorMessage() string { return call(s, s.inner.LastErrorMessage) }
func (s *Serialized) Version() string          { return call(s, s.inner.Version) }
func (s *Serialized) ProductID() string        { return call(s, s.inner.ProductID) }
func (s *Serialized) ProductName() string      { return call(s, s.inner.ProductName) }
func (s *Serialized) BuildID() int             { return call(s, s.inner.BuildID) }
func (s *Serialized) EntityCount() int         { return call(s, s.inner.EntityCount) }

func (s *Serialized) OpenEntityByIndex(index int) Handle {
	return call(s, func() Handle { return s.inner.OpenEntityByIndex(index) })
}

func (s *Serialized) OpenEntityByID(id string) Handle {
	return call(s, func() Handle { return s.inner.OpenEntityByID(id) })
}

func (s *Serialized) EntityAttributes(entity Handle) uint32 {
	return call(s, func() uint32 { return s.inner.EntityAttributes(entity) })
}

func (s *Serialized) EntityID(entity Handle) string {
	return call(s, func() string { return s.inner.EntityID(entity) })
}

func (s *Serialized) EntityName(entity Handle) string {
	return call(s, func() string { return s.inner.EntityName(entity) })
}

func (s *Serialized) EntityDescription(entity Handle) string {
	return call(s, func() string { return s.inner.EntityDescription(entity) })
}

func (s *Serialized) BeginAccess(entity Handle) bool {
	return call(s, func() bool { return s.inner.BeginAccess(entity) })
}

func (s *Serialized) EndAccess(entity Handle) bool {
	return call(s, func() bool { return s.inner.EndAccess(entity) })
}

func (s *Serialized) OpenLicense(entity Handle) Handle {
	return call(s, func() Handle { return s.inner.OpenLicense(entity) })
}

func (s *Serialized) LicenseID(license Handle) string {
	return call(s, func() string { return s.inner.LicenseID(license) })
}

func (s *Serialized) LicenseName(license Handle) string {
	return call(s, func() string { return s.inner.LicenseName(license) })
}

func (s *Serialized) LicenseDescription(license Handle) string {
	return call(s, func() string { return s.inner.LicenseDescription(license) })
}

func (s *Serialized) LicenseStatus(license Handle) int {
	return call(s, func() int { return s.inner.LicenseStatus(license) })
}

func (s *Serialized) IsLicenseValid(license Handle) bool {
	return call(s, func() bool { return s.inner.IsLicenseValid(license) })
}

func (s *Serialized) LockLicense(license Handle) bool {
	return call(s, func() bool { return s.inner.LockLicense(license) })
}

func (s *Serialized) LicenseParamCount(license Handle) int {
	return call(s, func() int { return s.inner.LicenseParamCount(license) })
}

func (s *Serialized) LicenseParamByIndex(license Handle, index int) Handle {
	return call(s, func() Handle { return s.inner.LicenseParamByIndex(license, index) })
}

func (s *Serialized) ActionInfoCount(license Handle) int {
	return call(s, func() int { return s.inner.ActionInfoCount(license) })
}

func (s *Serialized) ActionInfoByIndex(license Handle, index int) (int, string) {
	s.enter()
	defer s.leave()
	return s.inner.ActionInfoByIndex(license, index)
}

func (s *Serialized) Variable(name string) Handle {
	return call(s, func() Handle { return s.inner.Variable(name) })
}

func (s *Serialized) VariableName(v Handle) string {
	return call(s, func() string { return s.inner.VariableName(v) })
}

func (s *Serialized) VariableType(v Handle) int {
	return call(s, func() int { return s.inner.VariableType(v) })
}

func (s *Serialized) VariableAttr(v Handle) uint32 {
	return call(s, func() uint32 { return s.inner.VariableAttr(v) })
}

func (s *Serialized) IsVariableValid(v Handle) bool {
	return call(s, func() bool { return s.inner.IsVariableValid(v) })
}

func (s *Serialized) GetInt32(v Handle) (int32, bool) {
	return call2(s, func() (int32, bool) { return s.inner.GetInt32(v) })
}

func (s *Serialized) SetInt32(v Handle, x int32) bool {
	return call(s, func() bool { return s.inner.SetInt32(v, x) })
}

func (s *Serialized) GetInt64(v Handle) (int64, bool) {
	return call2(s, func() (int64, bool) { return s.inner.GetInt64(v) })
}

func (s *Serialized) SetInt64(v Handle, x int64) bool {
	return call(s, func() bool { return s.inner.SetInt64(v, x) })
}

func (s *Serialized) GetFloat32(v Handle) (float32, bool) {
	return call2(s, func() (float32, bool) { return s.inner.GetFloat32(v) })
}

func (s *Serialized) SetFloat32(v Handle, x float32) bool {
	return call(s, func() bool { return s.inner.SetFloat32(v, x) })
}

func (s *Serialized) GetFloat64(v Handle) (float64, bool) {
	return call2(s, func() (float64, bool) { return s.inner.GetFloat64(v) })
}

func (s *Serialized) SetFloat64(v Handle, x float64) bool {
	return call(s, func() bool { return s.inner.SetFloat64(v, x) })
}

func (s *Serialized) GetString(v Handle) (string, bool) {
	return call2(s, func() (string, bool) { return s.inner.GetString(v) })
}

func (s *Serialized) SetString(v Handle, x string) bool {
	return call(s, func() bool { return s.inner.SetString(v, x) })
}

func (s *Serialized) CreateRequest() Handle { return call(s, s.inner.CreateRequest) }

func (s *Serialized) AddRequestAction(request Handle, actionID int, license Handle) Handle {
	return call(s, func() Handle { return s.inner.AddRequestAction(request, actionID, license) })
}

func (s *Serialized) RequestCode(request Handle) string {
	return call(s, func() string { return s.inner.RequestCode(request) })
}

func (s *Serialized) ActionID(action Handle) int {
	return call(s, func() int { return s.inner.ActionID(action) })
}

func (s *Serialized) ActionName(action Handle) string {
	return call(s, func() string { return s.inner.ActionName(action) })
}

func (s *Serialized) ActionParamCount(action Handle) int {
	return call(s, func() int { return s.inner.ActionParamCount(action) })
}

func (s *Serialized) ActionParamByIndex(action Handle, index int) Handle {
	return call(s, func() Handle { return s.inner.ActionParamByIndex(action, index) })
}

func (s *Serialized) IsServerAlive(timeoutMs int) bool {
	return call(s, func() bool { return s.inner.IsServerAlive(timeoutMs) })
}

func (s *Serialized) IsSNValid(serial string, timeoutMs int) bool {
	return call(s, func() bool { return s.inner.IsSNValid(serial, timeoutMs) })
}

func (s *Serialized) ApplySN(serial string, timeoutMs int) bool {
	return call(s, func() bool { return s.inner.ApplySN(serial, timeoutMs) })
}

func (s *Serialized) ApplyLicenseCode(code string) bool {
	return call(s, func() bool { return s.inner.ApplyLicenseCode(code) })
}

// CreateMonitor registers cb behind the re-entrancy queue.
func (s *Serialized) CreateMonitor(cb MonitorFunc, userData any, name string) Handle {
	wrapped := func(id int, source Handle, ud any) {
		s.qmu.Lock()
		if s.busy {
			s.pending = append(s.pending, pendingEvent{cb: cb, id: id, source: source, userData: ud})
			s.qmu.Unlock()
			return
		}
		s.qmu.Unlock()
		cb(id, source, ud)
	}
	return call(s, func() Handle { return s.inner.CreateMonitor(wrapped, userData, name) })
}

var _ Engine = (*Serialized)(nil)
