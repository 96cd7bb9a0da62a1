// ============================================================================
// licensekit 事件路由
// ============================================================================
//
// Package: internal/event
// 文件: event.go
// 功能: 將引擎回呼的生命週期事件分類並分派給已註冊的監聽器
//
// 事件編號區間（半開區間）:
//   - App     [0,100)
//   - License [100,200)
//   - Entity  [200,1000)
//   其餘編號視為 Unknown，記錄後忽略
//
// 分派流程:
//   1. Classify(id) 決定類別
//   2. Entity 類事件透過 Resolver 將來源 handle 解析為 *license.Entity
//   3. 依註冊順序呼叫該編號的監聽器，每個恰好一次
//   4. 最後通知所有 tap（websocket、watch 指令等旁路訂閱者）
//
// 錯誤處理:
//   Dispatch 絕不將錯誤或 panic 傳回引擎。解析失敗與監聽器 panic
//   僅記錄日誌並計入指標。
//
// ============================================================================

package event

import (
	"fmt"

	"github.com/ChuLiYu/licensekit/internal/license"
	"github.com/ChuLiYu/licensekit/pkg/types"
)

// Category 事件類別
type Category int

const (
	CategoryUnknown Category = iota
	CategoryApp
	CategoryLicense
	CategoryEntity
)

func (c Category) String() string {
	switch c {
	case CategoryApp:
		return "app"
	case CategoryLicense:
		return "license"
	case CategoryEntity:
		return "entity"
	default:
		return "unknown"
	}
}

// Classify 依編號區間分類
func Classify(id int) Category {
	switch {
	case id < 0:
		return CategoryUnknown
	case id < 100:
		return CategoryApp
	case id < 200:
		return CategoryLicense
	case id < 1000:
		return CategoryEntity
	default:
		return CategoryUnknown
	}
}

// Event 單次分派期間存在的事件
type Event struct {
	ID       types.EventID
	Category Category
	// Entity 僅在 Entity 類事件中有值
	Entity *license.Entity
}

func (e Event) String() string {
	if e.Entity != nil {
		return fmt.Sprintf("%s[%d] entity=%s", e.ID, int(e.ID), e.Entity.ID())
	}
	return fmt.Sprintf("%s[%d]", e.ID, int(e.ID))
}
