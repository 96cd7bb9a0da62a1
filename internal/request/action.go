package request

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/internal/variable"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Action is one license-changing operation inside a Request.
type Action interface {
	Kind() types.ActionID
	Name() string
	// Target is the entity the action is scoped to, nil for all entities.
	Target() *license.Entity
	Params() *variable.Params
	Handle() engine.Handle
	close()
}

type base struct {
	eng    engine.Engine
	handle engine.Handle
	kind   types.ActionID
	name   string
	target *license.Entity
	params *variable.Params
}

func (b *base) Kind() types.ActionID     { return b.kind }
func (b *base) Name() string             { return b.name }
func (b *base) Target() *license.Entity  { return b.target }
func (b *base) Params() *variable.Params { return b.params }
func (b *base) Handle() engine.Handle    { return b.handle }

func (b *base) close() {
	b.params.Close()
	b.eng.CloseHandle(b.handle)
}

func (b *base) int32Param(name string) (int32, error) {
	v, err := b.params.Get(name)
	if err != nil {
		return 0, err
	}
	x, err := v.Read()
	if err != nil {
		return 0, err
	}
	n, ok := x.(variable.Int32)
	if !ok {
		return 0, fmt.Errorf("parameter %q is %s: %w", name, v.Type(), sdkerr.ErrTypeMismatch)
	}
	return int32(n), nil
}

func (b *base) timeParam(name string) (time.Time, error) {
	v, err := b.params.Get(name)
	if err != nil {
		return time.Time{}, err
	}
	return v.ReadTime()
}

func (b *base) write(name string, x variable.Value) error {
	v, err := b.params.Get(name)
	if err != nil {
		return err
	}
	return v.Write(x)
}

// Parameterless actions.
type (
	UnlockAction             struct{ base }
	LockAction               struct{ base }
	ResetAllExpirationAction struct{ base }
	CleanAction              struct{ base }
	DummyAction              struct{ base }
	FixAction                struct{ base }
)

// AddAccessTimeAction raises maxAccessTimes by AddedAccessTime.
type AddAccessTimeAction struct{ base }

func (a *AddAccessTimeAction) AddedAccessTime() (int32, error) {
	return a.int32Param("addedAccessTime")
}
func (a *AddAccessTimeAction) SetAddedAccessTime(n int32) error {
	return a.write("addedAccessTime", variable.Int32(n))
}

// SetAccessTimeAction replaces maxAccessTimes.
type SetAccessTimeAction struct{ base }

func (a *SetAccessTimeAction) NewAccessTime() (int32, error) { return a.int32Param("newAccessTime") }
func (a *SetAccessTimeAction) SetNewAccessTime(n int32) error {
	return a.write("newAccessTime", variable.Int32(n))
}

// SetStartDateAction enables and sets the hard-date window start.
type SetStartDateAction struct{ base }

func (a *SetStartDateAction) StartDate() (time.Time, error) { return a.timeParam("startDate") }
func (a *SetStartDateAction) SetStartDate(t time.Time) error {
	return a.write("startDate", variable.TimeOf(t))
}

// SetEndDateAction enables and sets the hard-date window end.
type SetEndDateAction struct{ base }

func (a *SetEndDateAction) EndDate() (time.Time, error) { return a.timeParam("endDate") }
func (a *SetEndDateAction) SetEndDate(t time.Time) error {
	return a.write("endDate", variable.TimeOf(t))
}

type SetSessionTimeAction struct{ base }

func (a *SetSessionTimeAction) NewSessionTime() (int32, error) { return a.int32Param("newSessionTime") }
func (a *SetSessionTimeAction) SetNewSessionTime(n int32) error {
	return a.write("newSessionTime", variable.Int32(n))
}

type SetExpirePeriodAction struct{ base }

func (a *SetExpirePeriodAction) PeriodInSeconds() (int32, error) {
	return a.int32Param("periodInSeconds")
}
func (a *SetExpirePeriodAction) SetPeriodInSeconds(n int32) error {
	return a.write("periodInSeconds", variable.Int32(n))
}

type AddExpirePeriodAction struct{ base }

func (a *AddExpirePeriodAction) AddedPeriodInSeconds() (int32, error) {
	return a.int32Param("addedPeriodInSeconds")
}
func (a *AddExpirePeriodAction) SetAddedPeriodInSeconds(n int32) error {
	return a.write("addedPeriodInSeconds", variable.Int32(n))
}

type SetExpireDurationAction struct{ base }

func (a *SetExpireDurationAction) DurationInSeconds() (int32, error) {
	return a.int32Param("durationInSeconds")
}
func (a *SetExpireDurationAction) SetDurationInSeconds(n int32) error {
	return a.write("durationInSeconds", variable.Int32(n))
}

type AddExpireDurationAction struct{ base }

func (a *AddExpireDurationAction) AddedDurationInSeconds() (int32, error) {
	return a.int32Param("addedDurationInSeconds")
}
func (a *AddExpireDurationAction) SetAddedDurationInSeconds(n int32) error {
	return a.write("addedDurationInSeconds", variable.Int32(n))
}

// catalog is the static action kind -> constructor table.
var catalog = map[types.ActionID]func(base) Action{
	types.ActUnlock:             func(b base) Action { return &UnlockAction{b} },
	types.ActLock:               func(b base) Action { return &LockAction{b} },
	types.ActResetAllExpiration: func(b base) Action { return &ResetAllExpirationAction{b} },
	types.ActClean:              func(b base) Action { return &CleanAction{b} },
	types.ActDummy:              func(b base) Action { return &DummyAction{b} },
	types.ActFix:                func(b base) Action { return &FixAction{b} },
	types.ActAddAccessTime:      func(b base) Action { return &AddAccessTimeAction{b} },
	types.ActSetAccessTime:      func(b base) Action { return &SetAccessTimeAction{b} },
	types.ActSetStartDate:       func(b base) Action { return &SetStartDateAction{b} },
	types.ActSetEndDate:         func(b base) Action { return &SetEndDateAction{b} },
	types.ActSetSessionTime:     func(b base) Action { return &SetSessionTimeAction{b} },
	types.ActSetExpirePeriod:    func(b base) Action { return &SetExpirePeriodAction{b} },
	types.ActAddExpirePeriod:    func(b base) Action { return &AddExpirePeriodAction{b} },
	types.ActSetExpireDuration:  func(b base) Action { return &SetExpireDurationAction{b} },
	types.ActAddExpireDuration:  func(b base) Action { return &AddExpireDurationAction{b} },
}

// Registered reports whether kind has a typed facade.
func Registered(kind types.ActionID) bool {
	_, ok := catalog[kind]
	return ok
}

// As narrows the result of AddAction to a concrete action type.
//
//	act, err := request.As[*request.AddAccessTimeAction](req.AddAction(types.ActAddAccessTime, e))
func As[T Action](a Action, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("action %s is %T, not %T: %w", a.Kind(), a, zero, sdkerr.ErrTypeMismatch)
	}
	return t, nil
}
