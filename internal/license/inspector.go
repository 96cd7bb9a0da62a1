package license

// ============================================================================
// Trial Inspectors
// ============================================================================
//
// Each license model maps to one inspector that derives read-only values
// from the license parameters:
//
//   accessTime   timesLeft = maxAccessTimes - usedTimes (not clamped)
//   duration     secondsLeft = max - used, 0 once used >= max
//   sessionTime  secondsLeft = total - passed, 0 once passed >= total
//   period       secondsLeft = max(0, period - (now - timeFirstAccess))
//   hardDate     scenario chosen from timeBeginEnabled / timeEndEnabled
//   alwaysRun,
//   alwaysLock   stateless
//
// Inspectors hold parameter Variables, never values: every call reads the
// engine, so a cached inspector always reports the current state.
// ============================================================================

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Inspector is the common contract of every model inspector.
type Inspector interface {
	Model() types.ModelID
}

// Trial is implemented by every trial-model inspector.
type Trial interface {
	Inspector
	ExitAppOnExpired() (bool, error)
}

// TimeLimited is implemented by inspectors that count down seconds.
type TimeLimited interface {
	Trial
	SecondsLeft() (int64, error)
}

// ParamSource resolves license parameters by name.
type ParamSource interface {
	Get(name string) (*variable.Variable, error)
}

// Constructor builds an inspector for one license model.
type Constructor func(p ParamSource, opts Options) (Inspector, error)

// inspectors is the static model id -> constructor table.
var inspectors = map[types.ModelID]Constructor{
	types.ModelAlwaysRun:   newStateless(types.ModelAlwaysRun),
	types.ModelAlwaysLock:  newStateless(types.ModelAlwaysLock),
	types.ModelAccessTime:  newAccessTime,
	types.ModelDuration:    newDuration,
	types.ModelSessionTime: newSession,
	types.ModelPeriod:      newPeriod,
	types.ModelHardDate:    newHardDate,
}

var (
	_ Trial       = (*AccessTime)(nil)
	_ TimeLimited = (*Duration)(nil)
	_ TimeLimited = (*Session)(nil)
	_ TimeLimited = (*Period)(nil)
	_ TimeLimited = (*HardDate)(nil)
)

// NewInspector builds the inspector registered for model.
func NewInspector(model types.ModelID, p ParamSource, opts Options) (Inspector, error) {
	ctor, ok := inspectors[model]
	if !ok {
		return nil, fmt.Errorf("license model %q: %w", model, sdkerr.ErrUnknownModel)
	}
	return ctor(p, opts.withDefaults())
}

func readInt(p ParamSource, name string) (int64, error) {
	v, err := p.Get(name)
	if err != nil {
		return 0, err
	}
	return v.ReadInt()
}

func readBool(p ParamSource, name string) (bool, error) {
	v, err := p.Get(name)
	if err != nil {
		return false, err
	}
	return v.ReadBool()
}

func readTime(p ParamSource, name string) (time.Time, error) {
	v, err := p.Get(name)
	if err != nil {
		return time.Time{}, err
	}
	return v.ReadTime()
}

// secondsUntil returns whole seconds from now to t, 0 if t has passed.
func secondsUntil(now, t time.Time) int64 {
	if !now.Before(t) {
		return 0
	}
	return int64(t.Sub(now) / time.Second)
}

// ----------------------------------------------------------------------------
// alwaysRun / alwaysLock
// ----------------------------------------------------------------------------

// Stateless inspects the two non-trial models. It has no numeric outputs.
type Stateless struct{ model types.ModelID }

func newStateless(m types.ModelID) Constructor {
	return func(ParamSource, Options) (Inspector, error) { return &Stateless{model: m}, nil }
}

func (s *Stateless) Model() types.ModelID { return s.model }

// trialBase carries what every trial model shares.
type trialBase struct {
	p    ParamSource
	opts Options
}

// ExitAppOnExpired reports the exitAppOnExpire parameter.
func (b trialBase) ExitAppOnExpired() (bool, error) {
	return readBool(b.p, "exitAppOnExpire")
}

// ----------------------------------------------------------------------------
// accessTime
// ----------------------------------------------------------------------------

// AccessTime limits the number of accesses.
type AccessTime struct{ trialBase }

func newAccessTime(p ParamSource, opts Options) (Inspector, error) {
	return &AccessTime{trialBase{p, opts}}, nil
}

func (*AccessTime) Model() types.ModelID { return types.ModelAccessTime }

func (a *AccessTime) MaxTimes() (int64, error)  { return readInt(a.p, "maxAccessTimes") }
func (a *AccessTime) TimesUsed() (int64, error) { return readInt(a.p, "usedTimes") }

// TimesLeft is maxAccessTimes - usedTimes and goes negative on overuse.
func (a *AccessTime) TimesLeft() (int64, error) {
	maxTimes, err := a.MaxTimes()
	if err != nil {
		return 0, err
	}
	used, err := a.TimesUsed()
	if err != nil {
		return 0, err
	}
	return maxTimes - used, nil
}

// ----------------------------------------------------------------------------
// duration
// ----------------------------------------------------------------------------

// Duration limits cumulative access time.
type Duration struct{ trialBase }

func newDuration(p ParamSource, opts Options) (Inspector, error) {
	return &Duration{trialBase{p, opts}}, nil
}

func (*Duration) Model() types.ModelID { return types.ModelDuration }

// Duration is the total allowed access time in seconds.
func (d *Duration) Duration() (int64, error)      { return readInt(d.p, "maxDurationInSeconds") }
func (d *Duration) SecondsPassed() (int64, error) { return readInt(d.p, "usedDurationInSeconds") }

func (d *Duration) SecondsLeft() (int64, error) {
	total, err := d.Duration()
	if err != nil {
		return 0, err
	}
	used, err := d.SecondsPassed()
	if err != nil {
		return 0, err
	}
	if used >= total {
		return 0, nil
	}
	return total - used, nil
}

// ----------------------------------------------------------------------------
// sessionTime
// ----------------------------------------------------------------------------

// Session limits the length of a single access session.
type Session struct{ trialBase }

func newSession(p ParamSource, opts Options) (Inspector, error) {
	return &Session{trialBase{p, opts}}, nil
}

func (*Session) Model() types.ModelID { return types.ModelSessionTime }

// SecondsTotal is the maximum length of one session.
func (s *Session) SecondsTotal() (int64, error) { return readInt(s.p, "maxSessionTime") }

// SecondsPassed is the elapsed time of the current session.
func (s *Session) SecondsPassed() (int64, error) { return readInt(s.p, "sessionTimeUsed") }

func (s *Session) SecondsLeft() (int64, error) {
	total, err := s.SecondsTotal()
	if err != nil {
		return 0, err
	}
	passed, err := s.SecondsPassed()
	if err != nil {
		return 0, err
	}
	if passed >= total {
		return 0, nil
	}
	return total - passed, nil
}

// ExpireDate is when the current session runs out.
func (s *Session) ExpireDate() (time.Time, error) {
	left, err := s.SecondsLeft()
	if err != nil {
		return time.Time{}, err
	}
	return s.opts.nowUTC().Add(time.Duration(left) * time.Second), nil
}

// ----------------------------------------------------------------------------
// period
// ----------------------------------------------------------------------------

// Period allows access for a fixed span after the first access.
type Period struct{ trialBase }

func newPeriod(p ParamSource, opts Options) (Inspector, error) {
	return &Period{trialBase{p, opts}}, nil
}

func (*Period) Model() types.ModelID { return types.ModelPeriod }

func (p *Period) PeriodInSeconds() (int64, error) { return readInt(p.p, "periodInSeconds") }

// Used reports whether the license has ever been accessed.
func (p *Period) Used() (bool, error) {
	v, err := p.p.Get("timeFirstAccess")
	if err != nil {
		return false, err
	}
	return v.Valid(), nil
}

// FirstAccessDate fails with ErrNeverAccessed before the first access.
func (p *Period) FirstAccessDate() (time.Time, error) {
	used, err := p.Used()
	if err != nil {
		return time.Time{}, err
	}
	if !used {
		return time.Time{}, sdkerr.ErrNeverAccessed
	}
	return readTime(p.p, "timeFirstAccess")
}

// SecondsPassed is 0 before the first access.
func (p *Period) SecondsPassed() (int64, error) {
	first, err := p.FirstAccessDate()
	if errors.Is(err, sdkerr.ErrNeverAccessed) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(p.opts.nowUTC().Sub(first) / time.Second), nil
}

func (p *Period) SecondsLeft() (int64, error) {
	period, err := p.PeriodInSeconds()
	if err != nil {
		return 0, err
	}
	passed, err := p.SecondsPassed()
	if err != nil {
		return 0, err
	}
	if left := period - passed; left > 0 {
		return left, nil
	}
	return 0, nil
}

// ExpireDate is timeFirstAccess + periodInSeconds.
func (p *Period) ExpireDate() (time.Time, error) {
	first, err := p.FirstAccessDate()
	if err != nil {
		return time.Time{}, err
	}
	period, err := p.PeriodInSeconds()
	if err != nil {
		return time.Time{}, err
	}
	return first.Add(time.Duration(period) * time.Second), nil
}

// ----------------------------------------------------------------------------
// hardDate
// ----------------------------------------------------------------------------

// Scenario is the hard-date window shape.
type Scenario int

const (
	ValidBetween Scenario = iota // timeBegin <= now < timeEnd
	ValidSince                   // now >= timeBegin
	ExpireAfter                  // now < timeEnd
)

func (s Scenario) String() string {
	switch s {
	case ValidBetween:
		return "ValidBetween"
	case ValidSince:
		return "ValidSince"
	case ExpireAfter:
		return "ExpireAfter"
	}
	return fmt.Sprintf("Scenario(%d)", int(s))
}

// ScenarioFor selects the scenario from the two enable flags.
func ScenarioFor(beginEnabled, endEnabled bool) (Scenario, error) {
	switch {
	case beginEnabled && endEnabled:
		return ValidBetween, nil
	case beginEnabled:
		return ValidSince, nil
	case endEnabled:
		return ExpireAfter, nil
	}
	return 0, fmt.Errorf("neither timeBegin nor timeEnd enabled: %w", sdkerr.ErrInvalidLicenseParams)
}

// HardDate allows access inside a fixed calendar window.
type HardDate struct {
	trialBase
	scenario Scenario
}

func newHardDate(p ParamSource, opts Options) (Inspector, error) {
	begin, err := readBool(p, "timeBeginEnabled")
	if err != nil {
		return nil, err
	}
	end, err := readBool(p, "timeEndEnabled")
	if err != nil {
		return nil, err
	}
	sc, err := ScenarioFor(begin, end)
	if err != nil {
		return nil, err
	}
	return &HardDate{trialBase: trialBase{p, opts}, scenario: sc}, nil
}

func (*HardDate) Model() types.ModelID { return types.ModelHardDate }

// Scenario is fixed at construction.
func (h *HardDate) Scenario() Scenario { return h.scenario }

// TimeBegin fails with ErrNotDefined under ExpireAfter.
func (h *HardDate) TimeBegin() (time.Time, error) {
	if h.scenario == ExpireAfter {
		return time.Time{}, fmt.Errorf("timeBegin under %s: %w", h.scenario, sdkerr.ErrNotDefined)
	}
	return readTime(h.p, "timeBegin")
}

// TimeEnd fails with ErrNotDefined under ValidSince.
func (h *HardDate) TimeEnd() (time.Time, error) {
	if h.scenario == ValidSince {
		return time.Time{}, fmt.Errorf("timeEnd under %s: %w", h.scenario, sdkerr.ErrNotDefined)
	}
	return readTime(h.p, "timeEnd")
}

// SecondsLeft counts to timeBegin under ValidSince and to timeEnd otherwise.
func (h *HardDate) SecondsLeft() (int64, error) {
	now := h.opts.nowUTC()
	if h.scenario == ValidSince {
		begin, err := h.TimeBegin()
		if err != nil {
			return 0, err
		}
		return secondsUntil(now, begin), nil
	}
	end, err := h.TimeEnd()
	if err != nil {
		return 0, err
	}
	return secondsUntil(now, end), nil
}

// ExpireDate aliases TimeEnd.
func (h *HardDate) ExpireDate() (time.Time, error) { return h.TimeEnd() }
