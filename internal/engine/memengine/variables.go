package memengine

import (
	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

func (m *Engine) Variable(name string) engine.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.fail(CodeNotInitialized, "engine not initialized")
		return engine.InvalidHandle
	}
	v, ok := m.vars[name]
	if !ok {
		m.fail(CodeNotFound, "variable not found: "+name)
		return engine.InvalidHandle
	}
	return m.alloc(v)
}

func (m *Engine) varLocked(h engine.Handle) *varRec {
	if v, ok := m.handles[h].(*varRec); ok {
		if v.owner != nil {
			m.refreshLocked(v.owner)
		}
		return v
	}
	m.fail(CodeInvalidHandle, "not a variable handle")
	return nil
}

func (m *Engine) VariableName(h engine.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.varLocked(h); v != nil {
		return v.name
	}
	return ""
}

func (m *Engine) VariableType(h engine.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.varLocked(h); v != nil {
		return int(v.typ)
	}
	return 0
}

func (m *Engine) VariableAttr(h engine.Handle) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.varLocked(h); v != nil {
		return uint32(v.attr)
	}
	return 0
}

func (m *Engine) IsVariableValid(h engine.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.varLocked(h); v != nil {
		return v.valid
	}
	return false
}

// readable 取得可讀取的變數；型別必須屬於 kinds 之一
func (m *Engine) readable(h engine.Handle, kinds ...types.VarType) *varRec {
	v := m.varLocked(h)
	if v == nil {
		return nil
	}
	if !kindIn(v.typ, kinds) {
		m.fail(CodeTypeMismatch, "type mismatch reading "+v.name)
		return nil
	}
	if !v.attr.Readable() {
		m.fail(CodeAccessDenied, "variable not readable: "+v.name)
		return nil
	}
	if !v.valid {
		m.fail(CodeInvalidValue, "variable value invalid: "+v.name)
		return nil
	}
	m.ok()
	return v
}

func (m *Engine) writable(h engine.Handle, kinds ...types.VarType) *varRec {
	v := m.varLocked(h)
	if v == nil {
		return nil
	}
	if !kindIn(v.typ, kinds) {
		m.fail(CodeTypeMismatch, "type mismatch writing "+v.name)
		return nil
	}
	if !v.attr.Writable() {
		m.fail(CodeAccessDenied, "variable not writable: "+v.name)
		return nil
	}
	m.ok()
	v.valid = true
	return v
}

func kindIn(t types.VarType, kinds []types.VarType) bool {
	for _, k := range kinds {
		if t == k {
			return true
		}
	}
	return false
}

func (m *Engine) GetInt32(h engine.Handle) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.readable(h, types.VarTypeInt32, types.VarTypeBool)
	if v == nil {
		return 0, false
	}
	return int32(v.num), true
}

func (m *Engine) SetInt32(h engine.Handle, x int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.writable(h, types.VarTypeInt32, types.VarTypeBool)
	if v == nil {
		return false
	}
	v.num = int64(x)
	return true
}

func (m *Engine) GetInt64(h engine.Handle) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.readable(h, types.VarTypeInt64, types.VarTypeUInt32, types.VarTypeTime)
	if v == nil {
		return 0, false
	}
	return v.num, true
}

func (m *Engine) SetInt64(h engine.Handle, x int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.writable(h, types.VarTypeInt64, types.VarTypeUInt32, types.VarTypeTime)
	if v == nil {
		return false
	}
	if v.typ == types.VarTypeUInt32 && (x < 0 || x > 0xFFFFFFFF) {
		m.fail(CodeInvalidValue, "uint32 out of range: "+v.name)
		return false
	}
	v.num = x
	return true
}

func (m *Engine) GetFloat32(h engine.Handle) (float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.readable(h, types.VarTypeFloat32)
	if v == nil {
		return 0, false
	}
	return float32(v.flt), true
}

func (m *Engine) SetFloat32(h engine.Handle, x float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.writable(h, types.VarTypeFloat32)
	if v == nil {
		return false
	}
	v.flt = float64(x)
	return true
}

func (m *Engine) GetFloat64(h engine.Handle) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.readable(h, types.VarTypeFloat64)
	if v == nil {
		return 0, false
	}
	return v.flt, true
}

func (m *Engine) SetFloat64(h engine.Handle, x float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.writable(h, types.VarTypeFloat64)
	if v == nil {
		return false
	}
	v.flt = x
	return true
}

func (m *Engine) GetString(h engine.Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.readable(h, types.VarTypeString)
	if v == nil {
		return "", false
	}
	return v.str, true
}

func (m *Engine) SetString(h engine.Handle, x string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.writable(h, types.VarTypeString)
	if v == nil {
		return false
	}
	v.str = x
	return true
}
