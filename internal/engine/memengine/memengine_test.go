package memengine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStore = `
product:
  id: demo
  name: Demo Product
  build_id: 42
  password: secret
serials: [SN-0001]
variables:
  - name: userName
    type: string
    attr: [read, write, persistent]
    value: alice
  - name: readOnly
    type: int32
    attr: [read]
    value: 7
entities:
  - id: editor
    name: Editor
    description: Text editor
    license:
      model: gs.lm.expire.accessTime.1
      actions: [1, 2, 10, 100, 101]
      params:
        - {name: maxAccessTimes, type: int32, value: 2}
        - {name: usedTimes, type: int32, value: 0}
        - {name: exitAppOnExpire, type: bool, value: false}
  - id: export
    name: Export
    license:
      model: gs.lm.expire.period.1
      actions: [1, 105, 106]
      params:
        - {name: periodInSeconds, type: int32, value: 100}
        - {name: timeFirstAccess, type: time}
  - id: render
    name: Render
    license:
      model: gs.lm.expire.duration.1
      actions: [1, 107, 108]
      params:
        - {name: maxDurationInSeconds, type: int32, value: 60}
        - {name: usedDurationInSeconds, type: int32, value: 0}
  - id: promo
    name: Promo
    autostart: true
    license:
      model: gs.lm.expire.hardDate.1
      actions: [102, 103]
      params:
        - {name: timeBeginEnabled, type: bool, value: true}
        - {name: timeEndEnabled, type: bool, value: true}
        - {name: timeBegin, type: time, value: "2026-01-01T00:00:00Z"}
        - {name: timeEnd, type: time, value: "2026-12-31T00:00:00Z"}
  - id: pro
    name: Pro
    license:
      model: gs.lm.alwaysLock.1
      status: locked
      actions: [1]
`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	def, err := ParseStore([]byte(testStore))
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := New(def, WithClock(clock.Now))
	require.True(t, m.Init("demo", "demo.lic", "secret"))
	return m, clock
}

type recorder struct {
	mu     sync.Mutex
	events []int
	srcs   []engine.Handle
}

func (r *recorder) cb(id int, src engine.Handle, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, id)
	r.srcs = append(r.srcs, src)
}

func (r *recorder) ids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events, r.srcs = nil, nil
	r.mu.Unlock()
}

func paramHandle(t *testing.T, m *Engine, lic engine.Handle, name string) engine.Handle {
	t.Helper()
	for i := 0; i < m.LicenseParamCount(lic); i++ {
		h := m.LicenseParamByIndex(lic, i)
		if m.VariableName(h) == name {
			return h
		}
	}
	t.Fatalf("param %s not found", name)
	return 0
}

func TestParseStoreValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing product", "entities: []"},
		{"duplicate entity", "product: {id: p}\nentities: [{id: a}, {id: a}]"},
		{"unknown action", "product: {id: p}\nentities: [{id: a, license: {actions: [3]}}]"},
		{"bad type", "product: {id: p}\nvariables: [{name: x, type: decimal}]"},
		{"bad attr", "product: {id: p}\nvariables: [{name: x, type: int32, attr: [exec]}]"},
		{"bad value", "product: {id: p}\nvariables: [{name: x, type: int32, value: abc}]"},
		{"malformed", "product: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStore([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestInit(t *testing.T) {
	def, err := ParseStore([]byte(testStore))
	require.NoError(t, err)

	m := New(def)
	assert.Equal(t, 0, m.EntityCount())
	assert.Equal(t, CodeNotInitialized, m.LastErrorCode())

	assert.False(t, m.Init("other", "", "secret"))
	assert.Equal(t, CodeNotFound, m.LastErrorCode())
	assert.False(t, m.Init("demo", "", "wrong"))
	assert.Equal(t, CodeBadPassword, m.LastErrorCode())

	require.True(t, m.Init("demo", "", "secret"))
	assert.Equal(t, "demo", m.ProductID())
	assert.Equal(t, "Demo Product", m.ProductName())
	assert.Equal(t, 42, m.BuildID())
	assert.Equal(t, defaultVersion, m.Version())
	assert.Equal(t, 5, m.EntityCount())

	rec := &recorder{}
	m.CreateMonitor(rec.cb, nil, "t")
	require.True(t, m.Cleanup())
	assert.Equal(t, []int{int(types.EventAppEnd)}, rec.ids())
	assert.False(t, m.Cleanup())
}

func TestEntityTable(t *testing.T) {
	m, _ := newTestEngine(t)

	h := m.OpenEntityByID("editor")
	require.NotEqual(t, engine.InvalidHandle, h)
	assert.Equal(t, "editor", m.EntityID(h))
	assert.Equal(t, "Editor", m.EntityName(h))
	assert.Equal(t, "Text editor", m.EntityDescription(h))

	assert.Equal(t, engine.InvalidHandle, m.OpenEntityByID("missing"))
	assert.Equal(t, CodeNotFound, m.LastErrorCode())
	assert.Equal(t, engine.InvalidHandle, m.OpenEntityByIndex(99))

	attrs := types.EntityAttr(m.EntityAttributes(h))
	assert.True(t, attrs.Has(types.EntityAccessible))
	assert.False(t, attrs.Has(types.EntityLocked))

	pro := types.EntityAttr(m.EntityAttributes(m.OpenEntityByID("pro")))
	assert.True(t, pro.Has(types.EntityLocked))
	assert.False(t, pro.Has(types.EntityAccessible))

	promo := types.EntityAttr(m.EntityAttributes(m.OpenEntityByID("promo")))
	assert.True(t, promo.Has(types.EntityAutoStart|types.EntityAccessible))

	m.CloseHandle(h)
	assert.Equal(t, "", m.EntityID(h))
	assert.Equal(t, CodeInvalidHandle, m.LastErrorCode())
}

func TestLicenseIntrospection(t *testing.T) {
	m, _ := newTestEngine(t)
	lic := m.OpenLicense(m.OpenEntityByID("editor"))
	require.NotEqual(t, engine.InvalidHandle, lic)

	assert.Equal(t, string(types.ModelAccessTime), m.LicenseID(lic))
	assert.Equal(t, int(types.StatusActive), m.LicenseStatus(lic))
	assert.True(t, m.IsLicenseValid(lic))
	assert.Equal(t, 3, m.LicenseParamCount(lic))
	assert.Equal(t, 5, m.ActionInfoCount(lic))

	id, name := m.ActionInfoByIndex(lic, 3)
	assert.Equal(t, int(types.ActAddAccessTime), id)
	assert.Equal(t, "addAccessTime", name)

	assert.True(t, m.LockLicense(lic))
	assert.Equal(t, int(types.StatusLocked), m.LicenseStatus(lic))
	assert.False(t, m.IsLicenseValid(lic))
}

func TestAccessTimeTrial(t *testing.T) {
	m, _ := newTestEngine(t)
	rec := &recorder{}
	m.CreateMonitor(rec.cb, nil, "t")

	ent := m.OpenEntityByID("editor")
	used := paramHandle(t, m, m.OpenLicense(ent), "usedTimes")

	require.True(t, m.BeginAccess(ent))
	assert.Equal(t, []int{201, 202}, rec.ids())
	assert.Equal(t, []engine.Handle{ent, ent}, rec.srcs)
	assert.True(t, types.EntityAttr(m.EntityAttributes(ent)).Has(types.EntityAccessing))

	// Nested access does not consume another use.
	require.True(t, m.BeginAccess(ent))
	require.True(t, m.EndAccess(ent))
	n, ok := m.GetInt32(used)
	require.True(t, ok)
	assert.Equal(t, int32(1), n)

	rec.reset()
	require.True(t, m.EndAccess(ent))
	assert.Equal(t, []int{203, 204}, rec.ids())
	assert.False(t, m.EndAccess(ent))

	require.True(t, m.BeginAccess(ent))
	require.True(t, m.EndAccess(ent))

	rec.reset()
	assert.False(t, m.BeginAccess(ent), "uses exhausted")
	assert.Equal(t, CodeAccessDenied, m.LastErrorCode())
	assert.Equal(t, []int{201, 205}, rec.ids())
}

func TestPeriodTrial(t *testing.T) {
	m, clock := newTestEngine(t)
	ent := m.OpenEntityByID("export")
	first := paramHandle(t, m, m.OpenLicense(ent), "timeFirstAccess")

	assert.False(t, m.IsVariableValid(first))
	_, ok := m.GetInt64(first)
	assert.False(t, ok)
	assert.Equal(t, CodeInvalidValue, m.LastErrorCode())

	require.True(t, m.BeginAccess(ent))
	require.True(t, m.EndAccess(ent))
	ts, ok := m.GetInt64(first)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Unix(), ts)

	clock.Advance(99 * time.Second)
	assert.True(t, m.BeginAccess(ent))
	require.True(t, m.EndAccess(ent))

	clock.Advance(time.Second)
	assert.False(t, m.BeginAccess(ent))
}

func TestDurationTrial(t *testing.T) {
	m, clock := newTestEngine(t)
	ent := m.OpenEntityByID("render")
	used := paramHandle(t, m, m.OpenLicense(ent), "usedDurationInSeconds")

	require.True(t, m.BeginAccess(ent))
	clock.Advance(20 * time.Second)
	n, _ := m.GetInt32(used)
	assert.Equal(t, int32(20), n, "usage is live while accessing")
	require.True(t, m.EndAccess(ent))

	clock.Advance(time.Hour)
	n, _ = m.GetInt32(used)
	assert.Equal(t, int32(20), n, "idle time is not counted")

	require.True(t, m.BeginAccess(ent))
	clock.Advance(40 * time.Second)
	require.True(t, m.EndAccess(ent))
	assert.False(t, m.BeginAccess(ent))
}

func TestHardDateTrial(t *testing.T) {
	m, clock := newTestEngine(t)
	ent := m.OpenEntityByID("promo")
	assert.True(t, m.BeginAccess(ent))
	require.True(t, m.EndAccess(ent))

	clock.Advance(365 * 24 * time.Hour)
	assert.False(t, m.BeginAccess(ent))
}

func TestVariables(t *testing.T) {
	m, _ := newTestEngine(t)

	assert.Equal(t, engine.InvalidHandle, m.Variable("nope"))
	h := m.Variable("userName")
	require.NotEqual(t, engine.InvalidHandle, h)
	assert.Equal(t, int(types.VarTypeString), m.VariableType(h))
	assert.True(t, types.VarAttr(m.VariableAttr(h)).Persistent())

	s, ok := m.GetString(h)
	require.True(t, ok)
	assert.Equal(t, "alice", s)
	assert.True(t, m.SetString(h, "bob"))
	s, _ = m.GetString(h)
	assert.Equal(t, "bob", s)

	_, ok = m.GetInt32(h)
	assert.False(t, ok)
	assert.Equal(t, CodeTypeMismatch, m.LastErrorCode())

	ro := m.Variable("readOnly")
	assert.False(t, m.SetInt32(ro, 1))
	assert.Equal(t, CodeAccessDenied, m.LastErrorCode())
}

func TestRequestCodeDeterministic(t *testing.T) {
	m, _ := newTestEngine(t)
	lic := m.OpenLicense(m.OpenEntityByID("editor"))

	build := func(added int32) string {
		req := m.CreateRequest()
		act := m.AddRequestAction(req, int(types.ActAddAccessTime), lic)
		require.NotEqual(t, engine.InvalidHandle, act)
		require.Equal(t, 1, m.ActionParamCount(act))
		p := m.ActionParamByIndex(act, 0)
		assert.Equal(t, "addedAccessTime", m.VariableName(p))
		require.True(t, m.SetInt32(p, added))
		require.NotEqual(t, engine.InvalidHandle, m.AddRequestAction(req, int(types.ActUnlock), engine.InvalidHandle))
		return m.RequestCode(req)
	}

	a, b, c := build(5), build(5), build(6)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, VerifyChecksum(a))
}

func TestAddRequestActionRejected(t *testing.T) {
	m, _ := newTestEngine(t)
	lic := m.OpenLicense(m.OpenEntityByID("export"))
	req := m.CreateRequest()

	assert.Equal(t, engine.InvalidHandle, m.AddRequestAction(req, int(types.ActAddAccessTime), lic))
	assert.Equal(t, CodeActionRejected, m.LastErrorCode())
	assert.Equal(t, engine.InvalidHandle, m.AddRequestAction(req, 3, engine.InvalidHandle))
	assert.Equal(t, engine.InvalidHandle, m.AddRequestAction(lic, int(types.ActUnlock), engine.InvalidHandle))
	assert.Equal(t, CodeInvalidHandle, m.LastErrorCode())
}

func TestIssueAndApply(t *testing.T) {
	m, _ := newTestEngine(t)
	rec := &recorder{}
	m.CreateMonitor(rec.cb, nil, "t")

	ent := m.OpenEntityByID("editor")
	lic := m.OpenLicense(ent)
	req := m.CreateRequest()
	act := m.AddRequestAction(req, int(types.ActAddAccessTime), lic)
	require.True(t, m.SetInt32(m.ActionParamByIndex(act, 0), 10))
	code := m.RequestCode(req)

	_, err := m.Issue("AAAA-00000000")
	assert.Error(t, err)

	licCode, err := m.Issue(code)
	require.NoError(t, err)
	assert.True(t, VerifyChecksum(licCode))

	assert.False(t, m.ApplyLicenseCode("ZZ"+licCode))
	assert.Equal(t, CodeInvalidCode, m.LastErrorCode())

	rec.reset()
	require.True(t, m.ApplyLicenseCode(licCode))
	assert.Equal(t, []int{208}, rec.ids())
	assert.Equal(t, []engine.Handle{ent}, rec.srcs, "existing handle is reused as event source")

	maxTimes, _ := m.GetInt32(paramHandle(t, m, lic, "maxAccessTimes"))
	assert.Equal(t, int32(12), maxTimes)

	assert.False(t, m.ApplyLicenseCode(licCode), "license codes are single-use")
}

func TestApplySN(t *testing.T) {
	m, _ := newTestEngine(t)
	rec := &recorder{}
	m.CreateMonitor(rec.cb, nil, "t")

	assert.True(t, m.IsServerAlive(1000))
	assert.False(t, m.IsSNValid("SN-9999", 1000))
	assert.Equal(t, CodeInvalidSerial, m.LastErrorCode())
	assert.True(t, m.IsSNValid("SN-0001", 1000))

	require.True(t, m.ApplySN("SN-0001", 1000))
	assert.Len(t, rec.ids(), 5)

	pro := m.OpenEntityByID("pro")
	assert.Equal(t, int(types.StatusUnlocked), m.LicenseStatus(m.OpenLicense(pro)))
	assert.True(t, m.BeginAccess(pro))
}

func TestOffline(t *testing.T) {
	def, err := ParseStore([]byte(testStore))
	require.NoError(t, err)
	m := New(def, WithServerOnline(false))
	require.True(t, m.Init("demo", "", "secret"))

	assert.False(t, m.IsServerAlive(500))
	assert.Equal(t, CodeServerOffline, m.LastErrorCode())
	assert.Contains(t, m.LastErrorMessage(), "500ms")
	assert.False(t, m.ApplySN("SN-0001", 500))
}

func TestSnapshotRestore(t *testing.T) {
	m, _ := newTestEngine(t)
	ent := m.OpenEntityByID("editor")
	require.True(t, m.BeginAccess(ent))
	require.True(t, m.EndAccess(ent))
	require.True(t, m.SetString(m.Variable("userName"), "carol"))

	data, err := m.Snapshot()
	require.NoError(t, err)

	mgr := NewStateManager(filepath.Join(t.TempDir(), "state.json"))
	loaded, err := mgr.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded, "missing file means first run")

	require.NoError(t, mgr.Write(data))
	loaded, err = mgr.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	fresh, _ := newTestEngine(t)
	require.NoError(t, fresh.Restore(*loaded))

	lic := fresh.OpenLicense(fresh.OpenEntityByID("editor"))
	n, _ := fresh.GetInt32(paramHandle(t, fresh, lic, "usedTimes"))
	assert.Equal(t, int32(1), n)
	s, _ := fresh.GetString(fresh.Variable("userName"))
	assert.Equal(t, "carol", s)

	loaded.ProductID = "other"
	assert.ErrorIs(t, fresh.Restore(*loaded), ErrProductMismatch)
}

func TestSnapshotCarriesOutstandingCodes(t *testing.T) {
	m, _ := newTestEngine(t)
	req := m.CreateRequest()
	require.NotEqual(t, engine.InvalidHandle, m.AddRequestAction(req, int(types.ActUnlock), engine.InvalidHandle))
	reqCode := m.RequestCode(req)

	data, err := m.Snapshot()
	require.NoError(t, err)
	require.Contains(t, data.Pending, reqCode)

	// 另一個行程：由快照接續發行
	issuer, _ := newTestEngine(t)
	require.NoError(t, issuer.Restore(data))
	licCode, err := issuer.Issue(reqCode)
	require.NoError(t, err)

	data, err = issuer.Snapshot()
	require.NoError(t, err)
	applier, _ := newTestEngine(t)
	require.NoError(t, applier.Restore(data))
	assert.True(t, applier.ApplyLicenseCode(licCode))
}

func TestVerifyChecksum(t *testing.T) {
	code := formatCode("payload")
	assert.True(t, VerifyChecksum(code))
	assert.False(t, VerifyChecksum("nodash"))
	assert.False(t, VerifyChecksum("ABCD-"))
	assert.False(t, VerifyChecksum("X"+code))
}
