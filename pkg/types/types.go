// Package types 定義了 licensekit 中使用的核心領域列舉
//
// 所有數值與授權引擎的原生常數一一對應，不可隨意變更。
package types

import "fmt"

// VarType 變數型別標籤（引擎原生編碼）
type VarType int

// 定義變數型別常數
const (
	VarTypeUInt32  VarType = 3  // 無號 32 位元整數
	VarTypeInt32   VarType = 7  // 有號 32 位元整數
	VarTypeInt64   VarType = 8  // 有號 64 位元整數
	VarTypeFloat32 VarType = 9  // 單精度浮點數
	VarTypeFloat64 VarType = 10 // 雙精度浮點數
	VarTypeBool    VarType = 11 // 布林值，引擎以 32 位元整數儲存
	VarTypeString  VarType = 20 // 字串
	VarTypeTime    VarType = 30 // 時間，引擎以 epoch 秒數（int64）儲存
)

var varTypeNames = map[VarType]string{
	VarTypeUInt32:  "uint32",
	VarTypeInt32:   "int32",
	VarTypeInt64:   "int64",
	VarTypeFloat32: "float32",
	VarTypeFloat64: "float64",
	VarTypeBool:    "bool",
	VarTypeString:  "string",
	VarTypeTime:    "time",
}

// Valid 回報型別標籤是否屬於封閉集合
func (t VarType) Valid() bool {
	_, ok := varTypeNames[t]
	return ok
}

func (t VarType) String() string {
	if s, ok := varTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("vartype(%d)", int(t))
}

// ParseVarType 將名稱轉回型別標籤
func ParseVarType(s string) (VarType, bool) {
	for t, name := range varTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// VarAttr 變數屬性位元集合
type VarAttr uint32

const (
	VarAttrRead       VarAttr = 0x1 // 可讀
	VarAttrWrite      VarAttr = 0x2 // 可寫
	VarAttrPersistent VarAttr = 0x4 // 持久化
)

func (a VarAttr) Readable() bool   { return a&VarAttrRead != 0 }
func (a VarAttr) Writable() bool   { return a&VarAttrWrite != 0 }
func (a VarAttr) Persistent() bool { return a&VarAttrPersistent != 0 }

// LicenseStatus 授權狀態
type LicenseStatus int

const (
	StatusInvalid  LicenseStatus = -1 // 無效：引擎無法評估授權
	StatusLocked   LicenseStatus = 0  // 永久鎖定，略過試用邏輯
	StatusUnlocked LicenseStatus = 1  // 永久解鎖，略過試用邏輯
	StatusActive   LicenseStatus = 2  // 由授權模型自身的剩餘次數/時間決定
)

func (s LicenseStatus) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusUnlocked:
		return "unlocked"
	case StatusActive:
		return "active"
	default:
		return "invalid"
	}
}

// ParseLicenseStatus 解析狀態名稱，未知名稱回傳 StatusInvalid
func ParseLicenseStatus(s string) LicenseStatus {
	switch s {
	case "locked":
		return StatusLocked
	case "unlocked":
		return StatusUnlocked
	case "active":
		return StatusActive
	default:
		return StatusInvalid
	}
}

// ModelID 授權模型識別碼
type ModelID string

const (
	ModelAccessTime  ModelID = "gs.lm.expire.accessTime.1"  // 依使用次數試用
	ModelSessionTime ModelID = "gs.lm.expire.sessionTime.1" // 依單次工作階段時間試用
	ModelDuration    ModelID = "gs.lm.expire.duration.1"    // 依累計使用時間試用
	ModelPeriod      ModelID = "gs.lm.expire.period.1"      // 首次存取後的固定期間
	ModelHardDate    ModelID = "gs.lm.expire.hardDate.1"    // 固定日期區間
	ModelAlwaysRun   ModelID = "gs.lm.alwaysRun.1"          // 永遠可執行
	ModelAlwaysLock  ModelID = "gs.lm.alwaysLock.1"         // 永遠鎖定
)

// Trial 回報模型是否具有試用邏輯
func (m ModelID) Trial() bool {
	switch m {
	case ModelAccessTime, ModelSessionTime, ModelDuration, ModelPeriod, ModelHardDate:
		return true
	}
	return false
}

// EntityAttr 受保護實體的屬性位元
type EntityAttr uint32

const (
	EntityAccessible EntityAttr = 0x01 // 目前可存取
	EntityUnlocked   EntityAttr = 0x02 // 已解鎖
	EntityAccessing  EntityAttr = 0x04 // 存取中
	EntityLocked     EntityAttr = 0x08 // 已鎖定
	EntityAutoStart  EntityAttr = 0x10 // 啟動時自動開始存取
)

// Has 檢查是否包含所有指定位元
func (a EntityAttr) Has(bits EntityAttr) bool { return a&bits == bits }

// ActionID 授權動作識別碼
type ActionID int

const (
	ActUnlock             ActionID = 1
	ActLock               ActionID = 2
	ActResetAllExpiration ActionID = 10
	ActClean              ActionID = 11
	ActDummy              ActionID = 12
	ActFix                ActionID = 19
	ActAddAccessTime      ActionID = 100
	ActSetAccessTime      ActionID = 101
	ActSetStartDate       ActionID = 102
	ActSetEndDate         ActionID = 103
	ActSetSessionTime     ActionID = 104
	ActSetExpirePeriod    ActionID = 105
	ActAddExpirePeriod    ActionID = 106
	ActSetExpireDuration  ActionID = 107
	ActAddExpireDuration  ActionID = 108
)

var actionNames = map[ActionID]string{
	ActUnlock:             "unlock",
	ActLock:               "lock",
	ActResetAllExpiration: "resetAllExpiration",
	ActClean:              "clean",
	ActDummy:              "dummy",
	ActFix:                "fix",
	ActAddAccessTime:      "addAccessTime",
	ActSetAccessTime:      "setAccessTime",
	ActSetStartDate:       "setStartDate",
	ActSetEndDate:         "setEndDate",
	ActSetSessionTime:     "setSessionTime",
	ActSetExpirePeriod:    "setExpirePeriod",
	ActAddExpirePeriod:    "addExpirePeriod",
	ActSetExpireDuration:  "setExpireDuration",
	ActAddExpireDuration:  "addExpireDuration",
}

// Known 回報動作是否屬於目錄
func (a ActionID) Known() bool {
	_, ok := actionNames[a]
	return ok
}

func (a ActionID) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseActionID 依名稱查找動作
func ParseActionID(s string) (ActionID, bool) {
	for id, name := range actionNames {
		if name == s {
			return id, true
		}
	}
	return 0, false
}

// ActionIDs 依數值排序回傳所有已知動作
func ActionIDs() []ActionID {
	return []ActionID{
		ActUnlock, ActLock, ActResetAllExpiration, ActClean, ActDummy, ActFix,
		ActAddAccessTime, ActSetAccessTime, ActSetStartDate, ActSetEndDate,
		ActSetSessionTime, ActSetExpirePeriod, ActAddExpirePeriod,
		ActSetExpireDuration, ActAddExpireDuration,
	}
}

// EventID 生命週期事件識別碼
type EventID int

// 應用程式事件 [0,100)
const (
	EventAppBegin            EventID = 1
	EventAppEnd              EventID = 2
	EventAppClockRollback    EventID = 3
	EventAppIntegrityCorrupt EventID = 4
	EventAppRun              EventID = 5
)

// 授權事件 [100,200)
const (
	EventLicenseNewInstall EventID = 101
	EventLicenseReady      EventID = 102
	EventLicenseFail       EventID = 103
	EventLicenseLoading    EventID = 104
)

// 實體事件 [200,1000)
const (
	EventEntityTryAccess     EventID = 201
	EventEntityAccessStarted EventID = 202
	EventEntityAccessEnding  EventID = 203
	EventEntityAccessEnded   EventID = 204
	EventEntityAccessInvalid EventID = 205
	EventEntityHeartbeat     EventID = 206
	EventEntityActionApplied EventID = 208
)

var eventNames = map[EventID]string{
	EventAppBegin:            "app.begin",
	EventAppEnd:              "app.end",
	EventAppClockRollback:    "app.clockRollback",
	EventAppIntegrityCorrupt: "app.integrityCorrupt",
	EventAppRun:              "app.run",
	EventLicenseNewInstall:   "license.newInstall",
	EventLicenseReady:        "license.ready",
	EventLicenseFail:         "license.fail",
	EventLicenseLoading:      "license.loading",
	EventEntityTryAccess:     "entity.tryAccess",
	EventEntityAccessStarted: "entity.accessStarted",
	EventEntityAccessEnding:  "entity.accessEnding",
	EventEntityAccessEnded:   "entity.accessEnded",
	EventEntityAccessInvalid: "entity.accessInvalid",
	EventEntityHeartbeat:     "entity.heartbeat",
	EventEntityActionApplied: "entity.actionApplied",
}

func (e EventID) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// EventIDs 回傳目錄中所有事件（依數值排序）
func EventIDs() []EventID {
	return []EventID{
		EventAppBegin, EventAppEnd, EventAppClockRollback, EventAppIntegrityCorrupt, EventAppRun,
		EventLicenseNewInstall, EventLicenseReady, EventLicenseFail, EventLicenseLoading,
		EventEntityTryAccess, EventEntityAccessStarted, EventEntityAccessEnding,
		EventEntityAccessEnded, EventEntityAccessInvalid, EventEntityHeartbeat,
		EventEntityActionApplied,
	}
}
