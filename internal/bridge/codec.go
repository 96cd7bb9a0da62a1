package bridge

import (
	"strconv"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"google.golang.org/protobuf/types/known/structpb"
)

// 參數與結果編碼；handle 與 int64 一律為十進位字串

func handleArg(h engine.Handle) string { return strconv.FormatUint(uint64(h), 10) }
func int64Arg(n int64) string          { return strconv.FormatInt(n, 10) }

func parseHandle(v *structpb.Value) engine.Handle {
	n, err := strconv.ParseUint(v.GetStringValue(), 10, 64)
	if err != nil {
		return engine.InvalidHandle
	}
	return engine.Handle(n)
}

func parseInt64(v *structpb.Value) int64 {
	n, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// argList 寬鬆解碼：缺少或格式錯誤的參數解為零值，由引擎如同無效 handle 般拒絕
type argList []*structpb.Value

func (a argList) at(i int) *structpb.Value {
	if i < 0 || i >= len(a) {
		return structpb.NewNullValue()
	}
	return a[i]
}

func (a argList) handle(i int) engine.Handle { return parseHandle(a.at(i)) }
func (a argList) int(i int) int              { return int(a.at(i).GetNumberValue()) }
func (a argList) int64(i int) int64          { return parseInt64(a.at(i)) }
func (a argList) float(i int) float64        { return a.at(i).GetNumberValue() }
func (a argList) str(i int) string           { return a.at(i).GetStringValue() }

// pair 表示 (值, 成功) 形式的結果
type pair struct {
	v  any
	ok bool
}
