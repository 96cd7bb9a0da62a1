package memengine

import (
	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// 授權參數名稱
const (
	paramMaxAccessTimes   = "maxAccessTimes"
	paramUsedTimes        = "usedTimes"
	paramMaxDuration      = "maxDurationInSeconds"
	paramUsedDuration     = "usedDurationInSeconds"
	paramMaxSessionTime   = "maxSessionTime"
	paramSessionTimeUsed  = "sessionTimeUsed"
	paramPeriod           = "periodInSeconds"
	paramTimeFirstAccess  = "timeFirstAccess"
	paramTimeBeginEnabled = "timeBeginEnabled"
	paramTimeEndEnabled   = "timeEndEnabled"
	paramTimeBegin        = "timeBegin"
	paramTimeEnd          = "timeEnd"
)

// num 讀取有效的整數參數
func (l *licenseRec) num(name string) (int64, bool) {
	v := l.param(name)
	if v == nil || !v.valid {
		return 0, false
	}
	return v.num, true
}

func (l *licenseRec) set(name string, x int64) {
	if v := l.param(name); v != nil {
		v.num = x
		v.valid = true
	}
}

// refreshLocked 依存取中的經過時間更新即時參數
func (m *Engine) refreshLocked(e *entityRec) {
	if e.depth == 0 || e.lic.status != types.StatusActive {
		return
	}
	elapsed := int64(m.now().Sub(e.accessStart).Seconds())
	switch e.lic.model {
	case types.ModelDuration:
		e.lic.set(paramUsedDuration, e.usedBase+elapsed)
	case types.ModelSessionTime:
		e.lic.set(paramSessionTimeUsed, elapsed)
	}
}

// accessibleLocked 判斷目前是否允許存取，不產生副作用
func (m *Engine) accessibleLocked(e *entityRec) bool {
	lic := e.lic
	switch lic.status {
	case types.StatusUnlocked:
		return true
	case types.StatusActive:
	default:
		return false
	}

	m.refreshLocked(e)
	now := m.now().Unix()
	switch lic.model {
	case types.ModelAlwaysRun:
		return true
	case types.ModelAccessTime:
		maxTimes, _ := lic.num(paramMaxAccessTimes)
		used, _ := lic.num(paramUsedTimes)
		if e.depth > 0 {
			return used <= maxTimes
		}
		return used < maxTimes
	case types.ModelDuration:
		maxSecs, _ := lic.num(paramMaxDuration)
		used, _ := lic.num(paramUsedDuration)
		return used < maxSecs
	case types.ModelSessionTime:
		maxSecs, _ := lic.num(paramMaxSessionTime)
		if e.depth == 0 {
			return maxSecs > 0
		}
		used, _ := lic.num(paramSessionTimeUsed)
		return used < maxSecs
	case types.ModelPeriod:
		first, used := lic.num(paramTimeFirstAccess)
		if !used {
			return true
		}
		period, _ := lic.num(paramPeriod)
		return now-first < period
	case types.ModelHardDate:
		beginOn, _ := lic.num(paramTimeBeginEnabled)
		endOn, _ := lic.num(paramTimeEndEnabled)
		if beginOn == 0 && endOn == 0 {
			return false
		}
		if beginOn != 0 {
			if begin, ok := lic.num(paramTimeBegin); !ok || now < begin {
				return false
			}
		}
		if endOn != 0 {
			if end, ok := lic.num(paramTimeEnd); !ok || now >= end {
				return false
			}
		}
		return true
	}
	return false
}

// BeginAccess 開始存取；只有最外層呼叫會套用試用邏輯
func (m *Engine) BeginAccess(h engine.Handle) bool {
	m.mu.Lock()
	e := m.entityLocked(h)
	if e == nil {
		m.mu.Unlock()
		return false
	}
	mons := m.monitorsLocked()
	events := []pendingEvent{{id: int(types.EventEntityTryAccess), entity: e, source: h}}

	if e.depth > 0 {
		e.depth++
		m.ok()
		m.mu.Unlock()
		m.emit(mons, events)
		return true
	}

	if !m.accessibleLocked(e) {
		m.fail(CodeAccessDenied, "entity not accessible: "+e.id)
		m.mu.Unlock()
		m.emit(mons, append(events, pendingEvent{id: int(types.EventEntityAccessInvalid), entity: e, source: h}))
		return false
	}

	now := m.now()
	if e.lic.status == types.StatusActive {
		switch e.lic.model {
		case types.ModelAccessTime:
			used, _ := e.lic.num(paramUsedTimes)
			e.lic.set(paramUsedTimes, used+1)
		case types.ModelPeriod:
			if _, used := e.lic.num(paramTimeFirstAccess); !used {
				e.lic.set(paramTimeFirstAccess, now.Unix())
			}
		case types.ModelDuration:
			e.usedBase, _ = e.lic.num(paramUsedDuration)
		case types.ModelSessionTime:
			e.lic.set(paramSessionTimeUsed, 0)
		}
	}
	e.depth = 1
	e.accessStart = now
	m.ok()
	m.log.Debug("access started", "entity", e.id)
	m.mu.Unlock()

	m.emit(mons, append(events, pendingEvent{id: int(types.EventEntityAccessStarted), entity: e, source: h}))
	return true
}

// EndAccess 結束存取；最外層呼叫結算使用時間
func (m *Engine) EndAccess(h engine.Handle) bool {
	m.mu.Lock()
	e := m.entityLocked(h)
	if e == nil {
		m.mu.Unlock()
		return false
	}
	if e.depth == 0 {
		m.fail(CodeAccessDenied, "entity not being accessed: "+e.id)
		m.mu.Unlock()
		return false
	}
	mons := m.monitorsLocked()

	if e.depth > 1 {
		e.depth--
		m.ok()
		m.mu.Unlock()
		return true
	}

	m.refreshLocked(e)
	e.depth = 0
	m.ok()
	m.log.Debug("access ended", "entity", e.id)
	m.mu.Unlock()

	m.emit(mons, []pendingEvent{
		{id: int(types.EventEntityAccessEnding), entity: e, source: h},
		{id: int(types.EventEntityAccessEnded), entity: e, source: h},
	})
	return true
}
