package memengine

// ============================================================================
// 授權存放區定義
// 職責：以 YAML 描述產品、序號、變數與受保護實體，作為記憶體引擎的初始狀態
// ============================================================================

import (
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/licensekit/pkg/types"
	"gopkg.in/yaml.v3"
)

// StoreDef 授權存放區的完整定義
type StoreDef struct {
	Product   ProductDef  `yaml:"product"`
	Serials   []string    `yaml:"serials"`
	Variables []ParamDef  `yaml:"variables"`
	Entities  []EntityDef `yaml:"entities"`
}

// ProductDef 產品資訊
type ProductDef struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	BuildID  int    `yaml:"build_id"`
	Version  string `yaml:"version"`
	Password string `yaml:"password"`
}

// EntityDef 受保護實體定義，每個實體恰好擁有一份授權
type EntityDef struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	AutoStart   bool       `yaml:"autostart"`
	License     LicenseDef `yaml:"license"`
}

// LicenseDef 授權定義
type LicenseDef struct {
	Model       types.ModelID `yaml:"model"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Status      string        `yaml:"status"`
	Actions     []int         `yaml:"actions"`
	Params      []ParamDef    `yaml:"params"`
}

// ParamDef 具型別的變數定義；Value 為空時變數視為無效
type ParamDef struct {
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type"`
	Attr  []string `yaml:"attr"`
	Value any      `yaml:"value"`
}

// LoadStore 從 YAML 檔案讀取存放區定義
func LoadStore(path string) (*StoreDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read license store: %w", err)
	}
	return ParseStore(data)
}

// ParseStore 解析並驗證 YAML 存放區定義
func ParseStore(data []byte) (*StoreDef, error) {
	var def StoreDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse license store YAML: %w", err)
	}
	if def.Product.ID == "" {
		return nil, fmt.Errorf("license store: product id is required")
	}

	seen := make(map[string]bool)
	for _, e := range def.Entities {
		if e.ID == "" {
			return nil, fmt.Errorf("license store: entity id is required")
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("license store: duplicate entity %q", e.ID)
		}
		seen[e.ID] = true
		for _, a := range e.License.Actions {
			if !types.ActionID(a).Known() {
				return nil, fmt.Errorf("license store: entity %q accepts unknown action %d", e.ID, a)
			}
		}
		for _, p := range e.License.Params {
			if _, err := newVar(p); err != nil {
				return nil, fmt.Errorf("license store: entity %q: %w", e.ID, err)
			}
		}
	}
	for _, p := range def.Variables {
		if _, err := newVar(p); err != nil {
			return nil, fmt.Errorf("license store: %w", err)
		}
	}
	return &def, nil
}

// newVar 依定義建立變數記錄
func newVar(p ParamDef) (*varRec, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("variable name is required")
	}
	vt, ok := types.ParseVarType(p.Type)
	if !ok {
		return nil, fmt.Errorf("variable %q: unknown type %q", p.Name, p.Type)
	}

	v := &varRec{name: p.Name, typ: vt, attr: types.VarAttrRead | types.VarAttrWrite}
	if len(p.Attr) > 0 {
		v.attr = 0
		for _, a := range p.Attr {
			switch a {
			case "read":
				v.attr |= types.VarAttrRead
			case "write":
				v.attr |= types.VarAttrWrite
			case "persistent":
				v.attr |= types.VarAttrPersistent
			default:
				return nil, fmt.Errorf("variable %q: unknown attribute %q", p.Name, a)
			}
		}
	}

	if p.Value == nil {
		return v, nil
	}
	if err := v.assign(p.Value); err != nil {
		return nil, fmt.Errorf("variable %q: %w", p.Name, err)
	}
	v.valid = true
	return v, nil
}

// assign 將 YAML 解出的值寫入變數
func (v *varRec) assign(raw any) error {
	switch v.typ {
	case types.VarTypeUInt32, types.VarTypeInt32, types.VarTypeInt64:
		n, ok := raw.(int)
		if !ok {
			return fmt.Errorf("expected integer, got %T", raw)
		}
		v.num = int64(n)
	case types.VarTypeBool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", raw)
		}
		v.num = 0
		if b {
			v.num = 1
		}
	case types.VarTypeFloat32, types.VarTypeFloat64:
		switch f := raw.(type) {
		case float64:
			v.flt = f
		case int:
			v.flt = float64(f)
		default:
			return fmt.Errorf("expected number, got %T", raw)
		}
	case types.VarTypeString:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
		v.str = s
	case types.VarTypeTime:
		switch tv := raw.(type) {
		case time.Time:
			v.num = tv.Unix()
		case string:
			ts, err := time.Parse(time.RFC3339, tv)
			if err != nil {
				return err
			}
			v.num = ts.Unix()
		case int:
			v.num = int64(tv)
		default:
			return fmt.Errorf("expected RFC3339 time or epoch seconds, got %T", raw)
		}
	}
	return nil
}
