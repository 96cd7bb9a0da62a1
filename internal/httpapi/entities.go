package httpapi

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type entityView struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Accessible  bool         `json:"accessible"`
	Unlocked    bool         `json:"unlocked"`
	Accessing   bool         `json:"accessing"`
	Locked      bool         `json:"locked"`
	License     *licenseView `json:"license,omitempty"`
}

type licenseView struct {
	Model     string         `json:"model"`
	Status    string         `json:"status"`
	Valid     bool           `json:"valid"`
	Actions   []string       `json:"actions"`
	Inspector map[string]any `json:"inspector,omitempty"`
}

func viewOf(e *license.Entity, detail bool) entityView {
	v := entityView{
		ID:          e.ID(),
		Name:        e.Name(),
		Description: e.Description(),
		Accessible:  e.Accessible(),
		Unlocked:    e.Unlocked(),
		Accessing:   e.Accessing(),
		Locked:      e.Locked(),
	}
	lic := e.License()
	if lic == nil {
		return v
	}
	lv := &licenseView{
		Model:  string(lic.Model()),
		Status: lic.Status().String(),
		Valid:  lic.Valid(),
	}
	for _, id := range lic.AcceptedActions() {
		lv.Actions = append(lv.Actions, id.String())
	}
	if detail {
		if insp, err := lic.Inspector(); err == nil {
			lv.Inspector = readout(insp)
		}
	}
	v.License = lv
	return v
}

// readout 將 inspector 的讀數攤平成 JSON 欄位；讀取失敗的欄位略過
func readout(insp license.Inspector) map[string]any {
	out := map[string]any{"model": string(insp.Model())}
	put := func(key string, val any, err error) {
		if err == nil {
			out[key] = val
		}
	}
	putTime := func(key string, t time.Time, err error) {
		if err == nil && !t.IsZero() {
			out[key] = t.UTC().Format(time.RFC3339)
		}
	}

	if t, ok := insp.(license.Trial); ok {
		x, err := t.ExitAppOnExpired()
		put("exit_app_on_expired", x, err)
	}
	if t, ok := insp.(license.TimeLimited); ok {
		x, err := t.SecondsLeft()
		put("seconds_left", x, err)
	}

	switch m := insp.(type) {
	case *license.AccessTime:
		x, err := m.MaxTimes()
		put("max_times", x, err)
		x, err = m.TimesUsed()
		put("times_used", x, err)
		x, err = m.TimesLeft()
		put("times_left", x, err)
	case *license.Duration:
		x, err := m.Duration()
		put("duration", x, err)
		x, err = m.SecondsPassed()
		put("seconds_passed", x, err)
	case *license.Session:
		x, err := m.SecondsTotal()
		put("seconds_total", x, err)
		x, err = m.SecondsPassed()
		put("seconds_passed", x, err)
		t, err := m.ExpireDate()
		putTime("expire_date", t, err)
	case *license.Period:
		x, err := m.PeriodInSeconds()
		put("period_in_seconds", x, err)
		used, err := m.Used()
		put("used", used, err)
		if used {
			t, err := m.FirstAccessDate()
			putTime("first_access", t, err)
			t, err = m.ExpireDate()
			putTime("expire_date", t, err)
		}
	case *license.HardDate:
		out["scenario"] = m.Scenario().String()
		t, err := m.TimeBegin()
		putTime("time_begin", t, err)
		t, err = m.TimeEnd()
		putTime("time_end", t, err)
	}
	return out
}

func (a *API) listEntities(w http.ResponseWriter, r *http.Request) {
	entities := a.core.Entities()
	views := make([]entityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, viewOf(e, false))
	}
	render.JSON(w, r, map[string]any{"entities": views})
}

func (a *API) getEntity(w http.ResponseWriter, r *http.Request) {
	e, err := a.core.EntityByID(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	render.JSON(w, r, viewOf(e, true))
}
