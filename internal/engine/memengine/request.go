package memengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

type paramSpec struct {
	name string
	typ  types.VarType
}

// actionParams 每種動作建立時附帶的參數
var actionParams = map[types.ActionID][]paramSpec{
	types.ActAddAccessTime:     {{"addedAccessTime", types.VarTypeInt32}},
	types.ActSetAccessTime:     {{"newAccessTime", types.VarTypeInt32}},
	types.ActSetStartDate:      {{"startDate", types.VarTypeTime}},
	types.ActSetEndDate:        {{"endDate", types.VarTypeTime}},
	types.ActSetSessionTime:    {{"newSessionTime", types.VarTypeInt32}},
	types.ActSetExpirePeriod:   {{"periodInSeconds", types.VarTypeInt32}},
	types.ActAddExpirePeriod:   {{"addedPeriodInSeconds", types.VarTypeInt32}},
	types.ActSetExpireDuration: {{"durationInSeconds", types.VarTypeInt32}},
	types.ActAddExpireDuration: {{"addedDurationInSeconds", types.VarTypeInt32}},
}

// issuedAction 已凍結的動作，供請求碼與授權碼使用
type issuedAction struct {
	ID     int              `json:"id"`
	Target string           `json:"target,omitempty"`
	Params map[string]int64 `json:"params,omitempty"`
}

func (m *Engine) CreateRequest() engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return engine.InvalidHandle
	}
	m.ok()
	return m.alloc(&requestRec{})
}

func (m *Engine) requestLocked(h engine.Handle) *requestRec {
	if r, ok := m.handles[h].(*requestRec); ok {
		return r
	}
	m.fail(CodeInvalidHandle, "not a request handle")
	return nil
}

func (m *Engine) actionLocked(h engine.Handle) *actionRec {
	if a, ok := m.handles[h].(*actionRec); ok {
		return a
	}
	m.fail(CodeInvalidHandle, "not an action handle")
	return nil
}

func (m *Engine) AddRequestAction(request engine.Handle, actionID int, license engine.Handle) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.requestLocked(request)
	if req == nil {
		return engine.InvalidHandle
	}
	if !types.ActionID(actionID).Known() {
		m.fail(CodeActionRejected, fmt.Sprintf("unknown action %d", actionID))
		return engine.InvalidHandle
	}

	var target *entityRec
	if license != engine.InvalidHandle {
		target = m.licenseLocked(license)
		if target == nil {
			return engine.InvalidHandle
		}
		accepted := false
		for _, id := range target.lic.actions {
			if id == actionID {
				accepted = true
				break
			}
		}
		if !accepted {
			m.fail(CodeActionRejected, fmt.Sprintf("license of %q does not accept action %d", target.id, actionID))
			return engine.InvalidHandle
		}
	}

	act := &actionRec{id: actionID, target: target}
	for _, spec := range actionParams[types.ActionID(actionID)] {
		act.params = append(act.params, &varRec{
			name:  spec.name,
			typ:   spec.typ,
			attr:  types.VarAttrRead | types.VarAttrWrite,
			valid: true,
		})
	}
	req.actions = append(req.actions, act)
	m.ok()
	return m.alloc(act)
}

func (m *Engine) ActionID(h engine.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.actionLocked(h); a != nil {
		return a.id
	}
	return 0
}

func (m *Engine) ActionName(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.actionLocked(h); a != nil {
		return types.ActionID(a.id).String()
	}
	return ""
}

func (m *Engine) ActionParamCount(h engine.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.actionLocked(h); a != nil {
		return len(a.params)
	}
	return 0
}

func (m *Engine) ActionParamByIndex(h engine.Handle, index int) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actionLocked(h)
	if a == nil {
		return engine.InvalidHandle
	}
	if index < 0 || index >= len(a.params) {
		m.fail(CodeNotFound, "action parameter index out of range")
		return engine.InvalidHandle
	}
	return m.alloc(a.params[index])
}

// freeze 凍結動作清單與目前的參數值
func freeze(actions []*actionRec) []issuedAction {
	out := make([]issuedAction, 0, len(actions))
	for _, a := range actions {
		ia := issuedAction{ID: a.id}
		if a.target != nil {
			ia.Target = a.target.id
		}
		if len(a.params) > 0 {
			ia.Params = make(map[string]int64, len(a.params))
			for _, p := range a.params {
				ia.Params[p.name] = p.num
			}
		}
		out = append(out, ia)
	}
	return out
}

func payloadOf(productID string, actions []issuedAction) string {
	var b strings.Builder
	b.WriteString(productID)
	for _, a := range actions {
		fmt.Fprintf(&b, "|%d@%s", a.ID, a.Target)
		names := make([]string, 0, len(a.Params))
		for n := range a.Params {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, ";%s=%d", n, a.Params[n])
		}
	}
	return b.String()
}

// RequestCode 產生請求碼；相同的動作序列與參數值得到相同的碼
func (m *Engine) RequestCode(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.requestLocked(h)
	if req == nil {
		return ""
	}
	frozen := freeze(req.actions)
	code := formatCode(payloadOf(m.product.ID, frozen))
	m.pending[code] = frozen
	m.ok()
	return code
}

// Issue 模擬授權伺服器：將請求碼轉換為可套用的授權碼
func (m *Engine) Issue(requestCode string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return "", fmt.Errorf("memengine: engine not initialized")
	}
	if !VerifyChecksum(requestCode) {
		return "", fmt.Errorf("memengine: request code checksum mismatch")
	}
	actions, ok := m.pending[requestCode]
	if !ok {
		return "", fmt.Errorf("memengine: unknown request code %q", requestCode)
	}
	code := formatCode(m.product.Password + "|" + requestCode)
	m.issued[code] = actions
	return code, nil
}

// ApplyLicenseCode 套用授權碼；每個授權碼只能使用一次
func (m *Engine) ApplyLicenseCode(code string) bool {
	m.mu.Lock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		m.mu.Unlock()
		return false
	}
	if !VerifyChecksum(code) {
		m.fail(CodeInvalidCode, "license code checksum mismatch")
		m.mu.Unlock()
		return false
	}
	actions, ok := m.issued[code]
	if !ok {
		m.fail(CodeInvalidCode, "license code not recognized")
		m.mu.Unlock()
		return false
	}
	delete(m.issued, code)

	var affected []*entityRec
	seen := make(map[*entityRec]bool)
	for _, a := range actions {
		for _, e := range m.applyLocked(a) {
			if !seen[e] {
				seen[e] = true
				affected = append(affected, e)
			}
		}
	}
	m.ok()
	m.log.Info("license code applied", "actions", len(actions), "entities", len(affected))
	mons := m.monitorsLocked()
	m.mu.Unlock()

	events := make([]pendingEvent, 0, len(affected))
	for _, e := range affected {
		events = append(events, pendingEvent{id: int(types.EventEntityActionApplied), entity: e})
	}
	m.emit(mons, events)
	return true
}

// applyLocked 對目標實體（或全部實體）套用一個動作
func (m *Engine) applyLocked(a issuedAction) []*entityRec {
	targets := m.entities
	if a.Target != "" {
		e, ok := m.byID[a.Target]
		if !ok {
			return nil
		}
		targets = []*entityRec{e}
	}

	for _, e := range targets {
		lic := e.lic
		add := func(param, arg string) {
			if cur, ok := lic.num(param); ok {
				lic.set(param, cur+a.Params[arg])
			}
		}
		assign := func(param, arg string) {
			if lic.param(param) != nil {
				lic.set(param, a.Params[arg])
			}
		}

		switch types.ActionID(a.ID) {
		case types.ActUnlock:
			lic.status = types.StatusUnlocked
		case types.ActLock:
			lic.status = types.StatusLocked
		case types.ActResetAllExpiration:
			m.resetUsageLocked(e)
			lic.status = types.StatusActive
		case types.ActClean:
			m.restoreLocked(e)
		case types.ActFix:
			if lic.status == types.StatusInvalid {
				lic.status = types.StatusActive
			}
		case types.ActAddAccessTime:
			add(paramMaxAccessTimes, "addedAccessTime")
		case types.ActSetAccessTime:
			assign(paramMaxAccessTimes, "newAccessTime")
		case types.ActSetStartDate:
			assign(paramTimeBegin, "startDate")
			lic.set(paramTimeBeginEnabled, 1)
		case types.ActSetEndDate:
			assign(paramTimeEnd, "endDate")
			lic.set(paramTimeEndEnabled, 1)
		case types.ActSetSessionTime:
			assign(paramMaxSessionTime, "newSessionTime")
		case types.ActSetExpirePeriod:
			assign(paramPeriod, "periodInSeconds")
		case types.ActAddExpirePeriod:
			add(paramPeriod, "addedPeriodInSeconds")
		case types.ActSetExpireDuration:
			assign(paramMaxDuration, "durationInSeconds")
		case types.ActAddExpireDuration:
			add(paramMaxDuration, "addedDurationInSeconds")
		}
	}
	return targets
}

// resetUsageLocked 清除所有使用記錄
func (m *Engine) resetUsageLocked(e *entityRec) {
	lic := e.lic
	for _, name := range []string{paramUsedTimes, paramUsedDuration, paramSessionTimeUsed} {
		if lic.param(name) != nil {
			lic.set(name, 0)
		}
	}
	if v := lic.param(paramTimeFirstAccess); v != nil {
		v.valid = false
		v.num = 0
	}
	e.usedBase = 0
	e.accessStart = m.now()
}

// restoreLocked 將實體授權還原為存放區定義的初始狀態
func (m *Engine) restoreLocked(e *entityRec) {
	for _, ed := range m.def.Entities {
		if ed.ID != e.id {
			continue
		}
		e.lic.status = types.ParseLicenseStatus(ed.License.Status)
		if ed.License.Status == "" {
			e.lic.status = types.StatusActive
		}
		for _, p := range ed.License.Params {
			fresh, _ := newVar(p)
			if v := e.lic.param(p.Name); v != nil {
				v.valid, v.num, v.flt, v.str = fresh.valid, fresh.num, fresh.flt, fresh.str
			}
		}
	}
	e.usedBase = 0
}

// ============================================================================
// Online activation
// ============================================================================

func (m *Engine) IsServerAlive(timeoutMs int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		m.fail(CodeServerOffline, fmt.Sprintf("activation server unreachable (timeout %dms)", timeoutMs))
		return false
	}
	m.ok()
	return true
}

func (m *Engine) serialKnown(serial string) bool {
	for _, sn := range m.def.Serials {
		if sn == serial {
			return true
		}
	}
	return false
}

func (m *Engine) IsSNValid(serial string, timeoutMs int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		m.fail(CodeServerOffline, fmt.Sprintf("activation server unreachable (timeout %dms)", timeoutMs))
		return false
	}
	if !m.serialKnown(serial) {
		m.fail(CodeInvalidSerial, "serial number not recognized")
		return false
	}
	m.ok()
	return true
}

// ApplySN 以序號線上啟用，解鎖所有實體
func (m *Engine) ApplySN(serial string, timeoutMs int) bool {
	m.mu.Lock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		m.mu.Unlock()
		return false
	}
	if !m.online {
		m.fail(CodeServerOffline, fmt.Sprintf("activation server unreachable (timeout %dms)", timeoutMs))
		m.mu.Unlock()
		return false
	}
	if !m.serialKnown(serial) {
		m.fail(CodeInvalidSerial, "serial number not recognized")
		m.mu.Unlock()
		return false
	}
	affected := m.applyLocked(issuedAction{ID: int(types.ActUnlock)})
	m.ok()
	mons := m.monitorsLocked()
	m.mu.Unlock()

	events := make([]pendingEvent, 0, len(affected))
	for _, e := range affected {
		events = append(events, pendingEvent{id: int(types.EventEntityActionApplied), entity: e})
	}
	m.emit(mons, events)
	return true
}
