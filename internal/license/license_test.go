package license

import (
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/engine/memengine"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const store = `
product: {id: lic}
entities:
  - id: count
    name: Counter
    description: access limited
    license:
      model: gs.lm.expire.accessTime.1
      name: Ten runs
      actions: [1, 100, 101]
      params:
        - {name: maxAccessTimes, type: int32, value: 200}
        - {name: usedTimes, type: int32, value: 50}
        - {name: exitAppOnExpire, type: bool, value: true}
  - id: dur
    license:
      model: gs.lm.expire.duration.1
      params:
        - {name: maxDurationInSeconds, type: int32, value: 3600}
        - {name: usedDurationInSeconds, type: int32, value: 600}
        - {name: exitAppOnExpire, type: bool, value: false}
  - id: sess
    license:
      model: gs.lm.expire.sessionTime.1
      params:
        - {name: maxSessionTime, type: int32, value: 300}
        - {name: sessionTimeUsed, type: int32, value: 0}
  - id: per
    license:
      model: gs.lm.expire.period.1
      params:
        - {name: periodInSeconds, type: int32, value: 1000}
        - {name: timeFirstAccess, type: time}
  - id: hard
    license:
      model: gs.lm.expire.hardDate.1
      params:
        - {name: timeBeginEnabled, type: bool, value: true}
        - {name: timeEndEnabled, type: bool, value: true}
        - {name: timeBegin, type: time, value: "2026-01-01T00:00:00Z"}
        - {name: timeEnd, type: time, value: "2026-12-31T00:00:00Z"}
  - id: run
    license: {model: gs.lm.alwaysRun.1}
  - id: lock
    license: {model: gs.lm.alwaysLock.1, status: locked}
  - id: odd
    license: {model: gs.lm.custom.9}
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type LicenseSuite struct {
	suite.Suite
	eng   engine.Engine
	clock *clock
	opts  Options
}

func TestLicenseSuite(t *testing.T) {
	suite.Run(t, new(LicenseSuite))
}

func (s *LicenseSuite) SetupTest() {
	def, err := memengine.ParseStore([]byte(store))
	s.Require().NoError(err)
	s.clock = &clock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	m := memengine.New(def, memengine.WithClock(s.clock.Now))
	s.Require().True(m.Init("lic", "", ""))
	s.eng = engine.Serialize(m)
	s.opts = Options{Now: s.clock.Now}
}

func (s *LicenseSuite) open(id string) *Entity {
	e, err := OpenEntityByID(s.eng, id, s.opts)
	s.Require().NoError(err)
	s.T().Cleanup(e.Close)
	return e
}

func (s *LicenseSuite) set(e *Entity, name string, v variable.Value) {
	p, err := e.License().Param(name)
	s.Require().NoError(err)
	s.Require().NoError(p.Write(v))
}

func (s *LicenseSuite) TestEntityIdentity() {
	e := s.open("count")
	s.Equal("count", e.ID())
	s.Equal("Counter", e.Name())
	s.Equal("access limited", e.Description())
	s.Equal("count (Counter)", e.String())
	s.True(e.Accessible())
	s.False(e.Accessing())
	s.False(e.Locked())
	s.False(e.AutoStart())

	_, err := OpenEntityByID(s.eng, "missing", s.opts)
	s.ErrorIs(err, sdkerr.ErrNotFound)
}

func (s *LicenseSuite) TestDetachKeepsSharedHandle() {
	e := s.open("count")
	dup, err := OpenEntity(s.eng, e.Handle(), s.opts)
	s.Require().NoError(err)
	dup.Detach()
	dup.Close()

	s.Equal("count", s.eng.EntityID(e.Handle()))
	s.True(e.Accessible())
	s.NoError(e.Access(func() error { return nil }))
}

func (s *LicenseSuite) TestAccessHelper() {
	e := s.open("count")
	var inside bool
	err := e.Access(func() error {
		inside = e.Accessing()
		return nil
	})
	s.NoError(err)
	s.True(inside)
	s.False(e.Accessing(), "access ended after fn returned")

	locked := s.open("lock")
	err = locked.Access(func() error { return nil })
	s.ErrorIs(err, sdkerr.ErrAccessDenied)
}

func (s *LicenseSuite) TestLicenseBasics() {
	e := s.open("count")
	lic := e.License()
	s.Same(e, lic.Entity())
	s.Equal(types.ModelAccessTime, lic.Model())
	s.Equal("Ten runs", lic.Name())
	s.Equal(types.StatusActive, lic.Status())
	s.True(lic.Valid())
	s.False(lic.Expired())

	s.Equal([]types.ActionID{types.ActUnlock, types.ActAddAccessTime, types.ActSetAccessTime}, lic.AcceptedActions())
	s.True(lic.AcceptsAction(types.ActAddAccessTime))
	s.False(lic.AcceptsAction(types.ActSetEndDate))

	params, err := lic.Params()
	s.Require().NoError(err)
	s.Equal(3, params.Len())
	again, _ := lic.Params()
	s.Same(params, again)

	s.NoError(e.Lock())
	s.True(lic.Locked())
	s.True(lic.Expired(), "a locked license counts as expired")
	s.False(e.Accessible())
}

func (s *LicenseSuite) TestExpired() {
	e := s.open("count")
	s.set(e, "usedTimes", variable.Int32(200))
	s.True(e.License().Expired())
}

func (s *LicenseSuite) TestInspectorDispatch() {
	tests := []struct {
		entity string
		want   Inspector
	}{
		{"count", &AccessTime{}},
		{"dur", &Duration{}},
		{"sess", &Session{}},
		{"per", &Period{}},
		{"hard", &HardDate{}},
		{"run", &Stateless{}},
		{"lock", &Stateless{}},
	}
	for _, tt := range tests {
		s.Run(tt.entity, func() {
			e := s.open(tt.entity)
			insp, err := e.License().Inspector()
			s.Require().NoError(err)
			s.IsType(tt.want, insp)
			s.Equal(e.License().Model(), insp.Model())

			cached, _ := e.License().Inspector()
			s.Same(insp, cached)
		})
	}

	_, err := s.open("odd").License().Inspector()
	s.ErrorIs(err, sdkerr.ErrUnknownModel)
}

func (s *LicenseSuite) TestAccessTimeInspector() {
	e := s.open("count")
	insp, err := e.License().Inspector()
	s.Require().NoError(err)
	at := insp.(*AccessTime)

	left, err := at.TimesLeft()
	s.NoError(err)
	s.Equal(int64(150), left)

	exit, err := at.ExitAppOnExpired()
	s.NoError(err)
	s.True(exit)

	s.set(e, "usedTimes", variable.Int32(230))
	left, _ = at.TimesLeft()
	s.Equal(int64(-30), left, "not clamped on overuse")
}

func (s *LicenseSuite) TestDurationInspector() {
	e := s.open("dur")
	insp, _ := e.License().Inspector()
	d := insp.(*Duration)

	for _, tc := range []struct{ max, used, want int32 }{
		{3600, 600, 3000},
		{3600, 3600, 0},
		{3600, 4000, 0},
		{0, 0, 0},
	} {
		s.set(e, "maxDurationInSeconds", variable.Int32(tc.max))
		s.set(e, "usedDurationInSeconds", variable.Int32(tc.used))
		left, err := d.SecondsLeft()
		s.NoError(err)
		s.Equal(int64(tc.want), left, "max=%d used=%d", tc.max, tc.used)
	}
}

// Session remaining time is computed from sessionTimeUsed (seconds passed in
// the current session); an older variant subtracted a non-existent field.
func (s *LicenseSuite) TestSessionInspector() {
	e := s.open("sess")
	insp, _ := e.License().Inspector()
	ss := insp.(*Session)

	s.set(e, "sessionTimeUsed", variable.Int32(120))
	left, err := ss.SecondsLeft()
	s.NoError(err)
	s.Equal(int64(180), left)

	exp, err := ss.ExpireDate()
	s.NoError(err)
	s.Equal(s.clock.Now().Add(180*time.Second), exp)

	s.set(e, "sessionTimeUsed", variable.Int32(301))
	left, _ = ss.SecondsLeft()
	s.Equal(int64(0), left)
}

func (s *LicenseSuite) TestPeriodInspector() {
	e := s.open("per")
	insp, _ := e.License().Inspector()
	p := insp.(*Period)

	used, err := p.Used()
	s.NoError(err)
	s.False(used)
	_, err = p.FirstAccessDate()
	s.ErrorIs(err, sdkerr.ErrNeverAccessed)
	_, err = p.ExpireDate()
	s.ErrorIs(err, sdkerr.ErrNeverAccessed)
	passed, err := p.SecondsPassed()
	s.NoError(err)
	s.Equal(int64(0), passed)

	now := s.clock.Now()
	for _, tc := range []struct {
		ago  time.Duration
		want int64
	}{
		{300 * time.Second, 700},
		{1000 * time.Second, 0},
		{1200 * time.Second, 0},
		{0, 1000},
	} {
		s.set(e, "timeFirstAccess", variable.TimeOf(now.Add(-tc.ago)))
		left, err := p.SecondsLeft()
		s.NoError(err)
		s.Equal(tc.want, left, "first access %s ago", tc.ago)
	}

	used, _ = p.Used()
	s.True(used)
	exp, err := p.ExpireDate()
	s.NoError(err)
	s.Equal(now.Add(1000*time.Second), exp)
}

func (s *LicenseSuite) TestPeriodStampedByAccess() {
	e := s.open("per")
	insp, _ := e.License().Inspector()
	p := insp.(*Period)

	s.Require().NoError(e.Access(func() error { return nil }))
	first, err := p.FirstAccessDate()
	s.NoError(err)
	s.Equal(s.clock.Now(), first)

	s.clock.Set(s.clock.Now().Add(400 * time.Second))
	left, _ := p.SecondsLeft()
	s.Equal(int64(600), left)
}

func (s *LicenseSuite) TestHardDateScenarios() {
	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		begin, end bool
		scenario   Scenario
		beginErr   error
		endErr     error
		left       int64
	}{
		{"between", true, true, ValidBetween, nil, nil, int64(end.Sub(s.clock.Now()) / time.Second)},
		{"since", true, false, ValidSince, nil, sdkerr.ErrNotDefined, 0},
		{"after", false, true, ExpireAfter, sdkerr.ErrNotDefined, nil, int64(end.Sub(s.clock.Now()) / time.Second)},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			e := s.open("hard")
			s.set(e, "timeBeginEnabled", variable.Bool(tt.begin))
			s.set(e, "timeEndEnabled", variable.Bool(tt.end))

			insp, err := e.License().Inspector()
			s.Require().NoError(err)
			h := insp.(*HardDate)
			s.Equal(tt.scenario, h.Scenario())

			got, err := h.TimeBegin()
			if tt.beginErr != nil {
				s.ErrorIs(err, tt.beginErr)
			} else {
				s.NoError(err)
				s.Equal(begin, got)
			}
			got, err = h.TimeEnd()
			if tt.endErr != nil {
				s.ErrorIs(err, tt.endErr)
				_, err = h.ExpireDate()
				s.ErrorIs(err, tt.endErr)
			} else {
				s.NoError(err)
				s.Equal(end, got)
			}

			left, err := h.SecondsLeft()
			s.NoError(err)
			s.Equal(tt.left, left)
		})
	}
}

func (s *LicenseSuite) TestHardDateValidSinceFuture() {
	e := s.open("hard")
	s.set(e, "timeEndEnabled", variable.Bool(false))
	s.set(e, "timeBegin", variable.TimeOf(s.clock.Now().Add(90*time.Second)))

	insp, err := e.License().Inspector()
	s.Require().NoError(err)
	left, err := insp.(*HardDate).SecondsLeft()
	s.NoError(err)
	s.Equal(int64(90), left)
}

func (s *LicenseSuite) TestHardDateInvalidParamsNotCached() {
	e := s.open("hard")
	s.set(e, "timeBeginEnabled", variable.Bool(false))
	s.set(e, "timeEndEnabled", variable.Bool(false))

	_, err := e.License().Inspector()
	s.ErrorIs(err, sdkerr.ErrInvalidLicenseParams)

	s.set(e, "timeEndEnabled", variable.Bool(true))
	insp, err := e.License().Inspector()
	s.Require().NoError(err)
	s.Equal(ExpireAfter, insp.(*HardDate).Scenario())
}

func (s *LicenseSuite) TestConcurrentInspector() {
	e := s.open("count")
	var wg sync.WaitGroup
	results := make([]Inspector, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = e.License().Inspector()
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		s.Same(results[0], r)
	}
}

func TestScenarioFor(t *testing.T) {
	tests := []struct {
		begin, end bool
		want       Scenario
		err        error
	}{
		{true, true, ValidBetween, nil},
		{true, false, ValidSince, nil},
		{false, true, ExpireAfter, nil},
		{false, false, 0, sdkerr.ErrInvalidLicenseParams},
	}
	for _, tt := range tests {
		got, err := ScenarioFor(tt.begin, tt.end)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.NotEmpty(t, got.String())
	}
}

func TestNewInspectorUnknownModel(t *testing.T) {
	_, err := NewInspector("gs.lm.nope", nil, Options{})
	assert.ErrorIs(t, err, sdkerr.ErrUnknownModel)

	insp, err := NewInspector(types.ModelAlwaysRun, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.ModelAlwaysRun, insp.Model())
}
