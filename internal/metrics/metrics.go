// ============================================================================
// licensekit Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露授權核心的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 事件 (Counter / Histogram)：
//      - licensekit_events_dispatched_total{category}: 已分派事件數
//      - licensekit_events_unknown_total: 無法分類而被忽略的事件數
//      - licensekit_listener_panics_total: 監聽器 panic 次數
//      - licensekit_event_dispatch_seconds: 單次分派耗時
//
//   2. 請求 (Counter)：
//      - licensekit_actions_total{action,result}: 加入請求的動作（added/rejected/failed）
//      - licensekit_request_codes_total{result}: 產生請求碼次數
//
//   3. 引擎與啟用 (Counter / Gauge)：
//      - licensekit_engine_failures_total{op}: 引擎原語失敗次數
//      - licensekit_activations_total{op,result}: 線上/離線啟用嘗試
//      - licensekit_access_sessions_active: 目前進行中的存取區段
//
// Prometheus 查詢示例:
//
//   # 被拒絕的動作比例
//   sum(rate(licensekit_actions_total{result="rejected"}[5m])) / sum(rate(licensekit_actions_total[5m]))
//
//   # 99 分位分派延遲
//   histogram_quantile(0.99, licensekit_event_dispatch_seconds_bucket)
//
// HTTP 端點:
//   由 httpapi 掛載於 /metrics
//
// ============================================================================

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "licensekit"

// 結果標籤
const (
	ResultOK       = "ok"
	ResultAdded    = "added"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
	ResultLimited  = "rate_limited"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 事件相關指標
	eventsDispatched *prometheus.CounterVec
	eventsUnknown    prometheus.Counter
	listenerPanics   prometheus.Counter
	dispatchLatency  prometheus.Histogram

	// 請求相關指標
	actions      *prometheus.CounterVec
	requestCodes *prometheus.CounterVec

	// 引擎相關指標
	engineFailures *prometheus.CounterVec
	activations    *prometheus.CounterVec
	accessActive   prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of lifecycle events dispatched, by category",
		}, []string{"category"}),
		eventsUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unknown_total",
			Help:      "Total number of events ignored because their id is outside every category",
		}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Total number of event listener panics recovered during dispatch",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_dispatch_seconds",
			Help:      "Event dispatch latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total number of actions added to requests, by kind and result",
		}, []string{"action", "result"}),
		requestCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_codes_total",
			Help:      "Total number of request codes generated, by result",
		}, []string{"result"}),
		engineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Total number of failed engine primitives, by operation",
		}, []string{"op"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Total number of activation attempts, by operation and result",
		}, []string{"op", "result"}),
		accessActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "access_sessions_active",
			Help:      "Current number of entity access sessions in progress",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.eventsDispatched,
		c.eventsUnknown,
		c.listenerPanics,
		c.dispatchLatency,
		c.actions,
		c.requestCodes,
		c.engineFailures,
		c.activations,
		c.accessActive,
	)
	return c
}

// ObserveDispatch 記錄一次成功分派
func (c *Collector) ObserveDispatch(category string, elapsed time.Duration) {
	c.eventsDispatched.WithLabelValues(category).Inc()
	c.dispatchLatency.Observe(elapsed.Seconds())
}

// ObserveUnknownEvent 記錄被忽略的未知事件
func (c *Collector) ObserveUnknownEvent(int) {
	c.eventsUnknown.Inc()
}

// ObserveListenerPanic 記錄監聽器 panic
func (c *Collector) ObserveListenerPanic(int) {
	c.listenerPanics.Inc()
}

// ObserveAction 記錄動作加入結果
func (c *Collector) ObserveAction(kind types.ActionID, err error) {
	result := ResultAdded
	switch {
	case err == nil:
	case errors.Is(err, sdkerr.ErrActionRejected):
		result = ResultRejected
	default:
		result = ResultFailed
	}
	c.actions.WithLabelValues(kind.String(), result).Inc()
}

// ObserveCode 記錄請求碼產生結果
func (c *Collector) ObserveCode(err error) {
	c.requestCodes.WithLabelValues(resultOf(err)).Inc()
}

// ObserveEngineFailure 記錄引擎原語失敗
func (c *Collector) ObserveEngineFailure(op string) {
	c.engineFailures.WithLabelValues(op).Inc()
}

// ObserveActivation 記錄啟用嘗試
func (c *Collector) ObserveActivation(op string, err error) {
	c.activations.WithLabelValues(op, resultOf(err)).Inc()
}

// AccessStarted / AccessEnded 追蹤進行中的存取區段
func (c *Collector) AccessStarted() { c.accessActive.Inc() }
func (c *Collector) AccessEnded()   { c.accessActive.Dec() }

func resultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, sdkerr.ErrRateLimited):
		return ResultLimited
	default:
		return ResultFailed
	}
}

// Handler 回傳 /metrics 端點的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
