package memengine

// ============================================================================
// 狀態快照
// 職責：
// 1. 將授權使用狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本與產品相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/licensekit/pkg/types"
)

const stateSchemaVersion = 1

var (
	ErrCorruptedState      = errors.New("state file is corrupted")
	ErrIncompatibleVersion = errors.New("state schema version is incompatible")
	ErrProductMismatch     = errors.New("state belongs to another product")
)

// ParamState 單一變數的持久化值
type ParamState struct {
	Valid bool    `json:"valid"`
	Num   int64   `json:"num,omitempty"`
	Flt   float64 `json:"flt,omitempty"`
	Str   string  `json:"str,omitempty"`
}

// EntityState 單一實體的授權狀態
type EntityState struct {
	Status types.LicenseStatus   `json:"status"`
	Params map[string]ParamState `json:"params"`
}

// StateData 引擎狀態快照
type StateData struct {
	SchemaVer int                    `json:"schema_ver"`
	ProductID string                 `json:"product_id"`
	Entities  map[string]EntityState `json:"entities"`
	Variables map[string]ParamState  `json:"variables"`
	// 尚未發行的請求碼與尚未套用的授權碼，讓跨行程的 request/issue/apply 流程可接續
	Pending map[string][]issuedAction `json:"pending,omitempty"`
	Issued  map[string][]issuedAction `json:"issued,omitempty"`
}

// StateManager 狀態快照管理器
type StateManager struct {
	path string
	mu   sync.Mutex
}

// NewStateManager 建立快照管理器
func NewStateManager(path string) *StateManager {
	return &StateManager{path: path}
}

// Path 回傳快照檔案路徑
func (s *StateManager) Path() string { return s.path }

// Write 原子性寫入快照
func (s *StateManager) Write(data StateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = stateSchemaVersion
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0600); err != nil {
		return fmt.Errorf("failed to write temp state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state: %w", err)
	}
	return nil
}

// Load 載入快照；檔案不存在時回傳 nil（首次執行）
func (s *StateManager) Load() (*StateData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var data StateData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	if data.SchemaVer != stateSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, stateSchemaVersion)
	}
	return &data, nil
}

func paramState(v *varRec) ParamState {
	return ParamState{Valid: v.valid, Num: v.num, Flt: v.flt, Str: v.str}
}

func (p ParamState) restore(v *varRec) {
	v.valid, v.num, v.flt, v.str = p.Valid, p.Num, p.Flt, p.Str
}

// Snapshot 擷取目前的授權狀態
func (m *Engine) Snapshot() (StateData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return StateData{}, fmt.Errorf("memengine: engine not initialized")
	}

	data := StateData{
		ProductID: m.product.ID,
		Entities:  make(map[string]EntityState, len(m.entities)),
		Variables: make(map[string]ParamState, len(m.vars)),
	}
	for _, e := range m.entities {
		m.refreshLocked(e)
		es := EntityState{Status: e.lic.status, Params: make(map[string]ParamState, len(e.lic.params))}
		for _, p := range e.lic.params {
			es.Params[p.name] = paramState(p)
		}
		data.Entities[e.id] = es
	}
	for name, v := range m.vars {
		if v.attr.Persistent() {
			data.Variables[name] = paramState(v)
		}
	}
	if len(m.pending) > 0 {
		data.Pending = make(map[string][]issuedAction, len(m.pending))
		for code, acts := range m.pending {
			data.Pending[code] = acts
		}
	}
	if len(m.issued) > 0 {
		data.Issued = make(map[string][]issuedAction, len(m.issued))
		for code, acts := range m.issued {
			data.Issued[code] = acts
		}
	}
	return data, nil
}

// Restore 套用快照；快照中不存在的實體或參數維持定義值
func (m *Engine) Restore(data StateData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return fmt.Errorf("memengine: engine not initialized")
	}
	if data.ProductID != m.product.ID {
		return fmt.Errorf("%w: %q", ErrProductMismatch, data.ProductID)
	}

	for id, es := range data.Entities {
		e, ok := m.byID[id]
		if !ok {
			m.log.Warn("state references unknown entity", "entity", id)
			continue
		}
		e.lic.status = es.Status
		for name, ps := range es.Params {
			if v := e.lic.param(name); v != nil {
				ps.restore(v)
			}
		}
	}
	for name, ps := range data.Variables {
		if v, ok := m.vars[name]; ok {
			ps.restore(v)
		}
	}
	for code, acts := range data.Pending {
		m.pending[code] = acts
	}
	for code, acts := range data.Issued {
		m.issued[code] = acts
	}
	return nil
}
