package core

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/engine/memengine"
	"github.com/ChuLiYu/licensekit/internal/event"
	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/metrics"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const store = `
product:
  id: studio
  name: Studio
  build_id: 7
  password: pw
serials: [SN-42]
variables:
  - {name: userName, type: string, value: bob}
entities:
  - id: editor
    name: Editor
    license:
      model: gs.lm.expire.accessTime.1
      actions: [1, 2, 100]
      params:
        - {name: maxAccessTimes, type: int32, value: 200}
        - {name: usedTimes, type: int32, value: 50}
  - id: export
    name: Export
    license:
      model: gs.lm.alwaysLock.1
      status: locked
      actions: [1]
  - id: promo
    name: Promo
    license:
      model: gs.lm.expire.hardDate.1
      actions: [103]
      params:
        - {name: timeBeginEnabled, type: bool, value: true}
        - {name: timeEndEnabled, type: bool, value: false}
        - {name: timeBegin, type: time, value: "2026-01-01T00:00:00Z"}
        - {name: timeEnd, type: time}
`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type CoreSuite struct {
	suite.Suite
	clock   *clock
	mem     *memengine.Engine
	reg     *prometheus.Registry
	metrics *metrics.Collector
	spans   *tracetest.SpanRecorder
	core    *Core
}

func (s *CoreSuite) SetupTest() {
	def, err := memengine.ParseStore([]byte(store))
	s.Require().NoError(err)

	s.clock = &clock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	s.mem = memengine.New(def, memengine.WithClock(s.clock.Now))
	s.reg = prometheus.NewRegistry()
	s.metrics = metrics.NewCollector(s.reg)
	s.spans = tracetest.NewSpanRecorder()

	s.core = New(s.mem,
		WithMetrics(s.metrics),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.spans))),
		WithActivationLimit(60, 1),
		WithActivationTimeout(1500*time.Millisecond),
		WithClock(s.clock.Now),
	)
}

func (s *CoreSuite) TearDownTest() {
	_ = s.core.Close()
}

func (s *CoreSuite) init() {
	s.Require().NoError(s.core.Init(context.Background(), "studio", "", "pw"))
}

func (s *CoreSuite) spanNames() []string {
	var names []string
	for _, sp := range s.spans.Ended() {
		names = append(names, sp.Name())
	}
	return names
}

// metric 從 registry 讀取符合標籤的 counter / gauge 值
func (s *CoreSuite) metric(name string, labels ...string) float64 {
	mfs, err := s.reg.Gather()
	s.Require().NoError(err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for i := 0; i+1 < len(labels); i += 2 {
				if got[labels[i]] != labels[i+1] {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func (s *CoreSuite) TestNotInitialized() {
	ctx := context.Background()

	_, err := s.core.Product()
	s.ErrorIs(err, sdkerr.ErrNotInitialized)
	_, err = s.core.EntityByID("editor")
	s.ErrorIs(err, sdkerr.ErrNotInitialized)
	_, err = s.core.Variable("userName")
	s.ErrorIs(err, sdkerr.ErrNotInitialized)
	_, err = s.core.NewRequest()
	s.ErrorIs(err, sdkerr.ErrNotInitialized)
	s.ErrorIs(s.core.ApplySN(ctx, "SN-42"), sdkerr.ErrNotInitialized)
	s.ErrorIs(s.core.ApplyLicenseCode(ctx, "x"), sdkerr.ErrNotInitialized)
	s.NotEmpty(s.core.Version())
	s.False(s.core.Initialized())
}

func (s *CoreSuite) TestInitFailure() {
	err := s.core.Init(context.Background(), "studio", "", "wrong")
	s.Require().ErrorIs(err, sdkerr.ErrNotInitialized)

	var engErr *sdkerr.EngineError
	s.Require().ErrorAs(err, &engErr)
	s.Equal(memengine.CodeBadPassword, engErr.Code)
	s.Equal("init", engErr.Op)
	s.False(s.core.Initialized())

	ended := s.spans.Ended()
	s.Require().Len(ended, 1)
	s.Equal(otelcodes.Error, ended[0].Status().Code)
	s.Equal(1.0, s.metric("licensekit_engine_failures_total", "op", "init"))
}

func (s *CoreSuite) TestInitOpensEntityTable() {
	var appEvents []types.EventID
	for _, id := range []types.EventID{types.EventLicenseLoading, types.EventLicenseReady, types.EventAppBegin} {
		s.Require().NoError(s.core.Events().On(id, func(ev event.Event) { appEvents = append(appEvents, ev.ID) }))
	}

	s.init()
	s.NoError(s.core.Init(context.Background(), "studio", "", "pw"), "second Init is a no-op")

	s.Equal([]types.EventID{types.EventLicenseLoading, types.EventLicenseReady, types.EventAppBegin}, appEvents)

	var ids []string
	for _, e := range s.core.Entities() {
		ids = append(ids, e.ID())
	}
	s.Equal([]string{"editor", "export", "promo"}, ids)

	p, err := s.core.Product()
	s.Require().NoError(err)
	s.Equal(Product{ID: "studio", Name: "Studio", BuildID: 7, Version: s.core.Version()}, p)
	s.Contains(s.spanNames(), "core.Init")
}

func (s *CoreSuite) TestEntityEventResolvesTrackedEntity() {
	s.init()
	editor, err := s.core.EntityByID("editor")
	s.Require().NoError(err)

	var started []*license.Entity
	var otherCalls int
	s.Require().NoError(s.core.Events().OnEntity(types.EventEntityAccessStarted, func(e *license.Entity, _ event.Event) {
		started = append(started, e)
	}))
	s.Require().NoError(s.core.Events().OnEntity(types.EventEntityHeartbeat, func(*license.Entity, event.Event) {
		otherCalls++
	}))

	s.Require().NoError(editor.Access(func() error {
		s.Equal(1.0, s.metric("licensekit_access_sessions_active"))
		return nil
	}))

	s.Require().Len(started, 1)
	s.Same(editor, started[0])
	s.Zero(otherCalls)
	s.Equal(0.0, s.metric("licensekit_access_sessions_active"))
}

func (s *CoreSuite) TestResolveEntity() {
	s.init()
	editor, err := s.core.EntityByID("editor")
	s.Require().NoError(err)

	got, err := s.core.ResolveEntity(editor.Handle())
	s.Require().NoError(err)
	s.Same(editor, got)

	// 另一個指向同一實體的 handle 依 id 解析
	other := s.core.Engine().OpenEntityByID("editor")
	s.Require().NotEqual(engine.InvalidHandle, other)
	got, err = s.core.ResolveEntity(other)
	s.Require().NoError(err)
	s.Same(editor, got)

	_, err = s.core.ResolveEntity(engine.Handle(99999))
	s.ErrorIs(err, sdkerr.ErrNotFound)
}

func (s *CoreSuite) TestResolveUntrackedEntityWrapsAndTracks() {
	s.init()

	s.core.mu.Lock()
	delete(s.core.byID, "promo")
	s.core.mu.Unlock()

	h := s.core.Engine().OpenEntityByID("promo")
	wrapped, err := s.core.ResolveEntity(h)
	s.Require().NoError(err)
	s.Equal("promo", wrapped.ID())
	s.Equal(h, wrapped.Handle())

	again, err := s.core.ResolveEntity(h)
	s.Require().NoError(err)
	s.Same(wrapped, again)
}

func (s *CoreSuite) TestConcurrentResolveTracksOnce() {
	s.init()

	s.core.mu.Lock()
	delete(s.core.byID, "promo")
	before := len(s.core.entities)
	s.core.mu.Unlock()

	h := s.core.Engine().OpenEntityByID("promo")

	const n = 8
	got := make([]*license.Entity, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.core.ResolveEntity(h)
			s.NoError(err)
			got[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range got[1:] {
		s.Same(got[0], e)
	}
	s.core.mu.RLock()
	s.Len(s.core.entities, before+1)
	s.core.mu.RUnlock()

	// 被拆除的包裝不可關閉共用的 handle
	s.Equal("promo", s.core.Engine().EntityID(h))
	s.Equal(types.ModelHardDate, got[0].License().Model())
}

func (s *CoreSuite) TestFailedAccessKeepsEngineErrorWithBusyListener() {
	s.init()
	editor, err := s.core.EntityByID("editor")
	s.Require().NoError(err)
	export, err := s.core.EntityByID("export")
	s.Require().NoError(err)

	var used []int64
	s.Require().NoError(s.core.Events().OnEntity(types.EventEntityAccessInvalid, func(*license.Entity, event.Event) {
		n, err := editor.License().Param("usedTimes")
		if s.NoError(err) {
			v, err := n.ReadInt()
			s.NoError(err)
			used = append(used, v)
		}
	}))

	err = export.Access(func() error { return nil })
	s.Require().ErrorIs(err, sdkerr.ErrAccessDenied)
	var ee *sdkerr.EngineError
	s.Require().ErrorAs(err, &ee)
	s.Equal(memengine.CodeAccessDenied, ee.Code)
	s.Contains(ee.Message, "export")
	s.Equal([]int64{50}, used)
}

func (s *CoreSuite) TestUnlockRoundTrip() {
	s.init()
	ctx := context.Background()
	export, err := s.core.EntityByID("export")
	s.Require().NoError(err)
	s.False(export.Accessible())

	var applied []string
	s.Require().NoError(s.core.Events().OnEntity(types.EventEntityActionApplied, func(e *license.Entity, _ event.Event) {
		applied = append(applied, e.ID())
	}))

	code, err := s.core.UnlockRequestCode(ctx, "export")
	s.Require().NoError(err)
	licCode, err := s.mem.Issue(code)
	s.Require().NoError(err)
	s.Require().NoError(s.core.ApplyLicenseCode(ctx, licCode))

	s.True(export.Unlocked())
	s.True(export.Accessible())
	s.Equal([]string{"export"}, applied)
	s.Subset(s.spanNames(), []string{"core.RequestCode", "core.ApplyLicenseCode"})

	// 授權碼只能使用一次
	s.ErrorIs(s.core.ApplyLicenseCode(ctx, licCode), sdkerr.ErrInvalidValue)
}

func (s *CoreSuite) TestRequestCodeWithParams() {
	s.init()
	ctx := context.Background()

	code, err := s.core.RequestCode(ctx, []ActionSpec{
		{Action: types.ActAddAccessTime, Entity: "editor", Params: map[string]any{"addedAccessTime": float64(25)}},
	})
	s.Require().NoError(err)
	again, err := s.core.RequestCode(ctx, []ActionSpec{
		{Action: types.ActAddAccessTime, Entity: "editor", Params: map[string]any{"addedAccessTime": "25"}},
	})
	s.Require().NoError(err)
	s.Equal(code, again)

	licCode, err := s.mem.Issue(code)
	s.Require().NoError(err)
	s.Require().NoError(s.core.ApplyLicenseCode(ctx, licCode))

	editor, _ := s.core.EntityByID("editor")
	insp, err := editor.License().Inspector()
	s.Require().NoError(err)
	left, err := insp.(*license.AccessTime).TimesLeft()
	s.Require().NoError(err)
	s.Equal(int64(175), left)
}

func (s *CoreSuite) TestRequestCodeErrors() {
	s.init()
	ctx := context.Background()

	_, err := s.core.RequestCode(ctx, []ActionSpec{{Action: types.ActAddAccessTime, Entity: "export"}})
	s.ErrorIs(err, sdkerr.ErrActionRejected)

	_, err = s.core.RequestCode(ctx, []ActionSpec{{Action: types.ActUnlock, Entity: "missing"}})
	s.ErrorIs(err, sdkerr.ErrNotFound)

	_, err = s.core.RequestCode(ctx, []ActionSpec{
		{Action: types.ActAddAccessTime, Entity: "editor", Params: map[string]any{"bogus": 1}},
	})
	s.ErrorIs(err, sdkerr.ErrNotFound)

	_, err = s.core.RequestCode(ctx, []ActionSpec{
		{Action: types.ActAddAccessTime, Entity: "editor", Params: map[string]any{"addedAccessTime": "lots"}},
	})
	s.ErrorIs(err, sdkerr.ErrTypeMismatch)

	s.Equal(1.0, s.metric("licensekit_actions_total", "action", "addAccessTime", "result", metrics.ResultRejected))
}

func (s *CoreSuite) TestInspectorsThroughCore() {
	s.init()

	editor, _ := s.core.EntityByID("editor")
	insp, err := editor.License().Inspector()
	s.Require().NoError(err)
	left, err := insp.(*license.AccessTime).TimesLeft()
	s.Require().NoError(err)
	s.Equal(int64(150), left)

	promo, _ := s.core.EntityByID("promo")
	insp, err = promo.License().Inspector()
	s.Require().NoError(err)
	s.Equal(license.ValidSince, insp.(*license.HardDate).Scenario())
}

func (s *CoreSuite) TestVariable() {
	s.init()
	v, err := s.core.Variable("userName")
	s.Require().NoError(err)
	defer v.Close()

	x, err := v.Read()
	s.Require().NoError(err)
	s.Equal(variable.String("bob"), x)

	_, err = s.core.Variable("nope")
	s.ErrorIs(err, sdkerr.ErrNotFound)
}

func (s *CoreSuite) TestApplySNRateLimited() {
	s.init()
	ctx := context.Background()

	s.Require().NoError(s.core.ApplySN(ctx, "SN-42"))
	s.ErrorIs(s.core.ApplySN(ctx, "SN-42"), sdkerr.ErrRateLimited)

	for _, e := range s.core.Entities() {
		s.True(e.Unlocked(), e.ID())
	}
	s.Equal(1.0, s.metric("licensekit_activations_total", "op", "applySN", "result", metrics.ResultOK))
	s.Equal(1.0, s.metric("licensekit_activations_total", "op", "applySN", "result", metrics.ResultLimited))
}

func (s *CoreSuite) TestOnlineChecks() {
	s.init()
	ctx := context.Background()

	s.True(s.core.IsServerAlive(ctx))
	s.NoError(s.core.IsSNValid(ctx, "SN-42"))

	err := s.core.IsSNValid(ctx, "SN-0")
	s.ErrorIs(err, sdkerr.ErrInvalidValue)
	var engErr *sdkerr.EngineError
	s.Require().ErrorAs(err, &engErr)
	s.Equal(memengine.CodeInvalidSerial, engErr.Code)
}

func (s *CoreSuite) TestClose() {
	s.init()
	ended := false
	s.Require().NoError(s.core.Events().On(types.EventAppEnd, func(event.Event) { ended = true }))

	s.Require().NoError(s.core.Close())
	s.True(ended)
	s.Empty(s.core.Entities())
	_, err := s.core.Product()
	s.ErrorIs(err, sdkerr.ErrNotInitialized)
	s.NoError(s.core.Close())
}

func TestCoreSuite(t *testing.T) {
	suite.Run(t, new(CoreSuite))
}

func TestOfflineEngine(t *testing.T) {
	def, err := memengine.ParseStore([]byte(store))
	require.NoError(t, err)
	c := New(memengine.New(def, memengine.WithServerOnline(false)), WithActivationLimit(0, 0))
	require.NoError(t, c.Init(context.Background(), "studio", "", "pw"))
	defer c.Close()

	assert.False(t, c.IsServerAlive(context.Background()))
	err = c.ApplySN(context.Background(), "SN-42")
	var engErr *sdkerr.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, memengine.CodeServerOffline, engErr.Code)
}

func TestComponentLoggersStartFromBase(t *testing.T) {
	def, err := memengine.ParseStore([]byte(store))
	require.NoError(t, err)

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := New(memengine.New(def), WithLogger(log), WithActivationLimit(0, 0))
	ctx := context.Background()
	require.NoError(t, c.Init(ctx, "studio", "", "pw"))
	defer c.Close()

	_, err = c.UnlockRequestCode(ctx, "export")
	require.NoError(t, err)

	var sawRequest bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, 1, strings.Count(line, `"component":`), line)
		if strings.Contains(line, `"component":"request"`) {
			sawRequest = true
		}
	}
	assert.True(t, sawRequest)
}
