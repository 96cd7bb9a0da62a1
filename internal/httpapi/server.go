// ============================================================================
// licensekit HTTP API - 狀態查詢與請求碼服務
// ============================================================================
//
// Package: internal/httpapi
// 文件: server.go
// 功能: 以 chi 提供實體狀態、請求碼產生、事件 websocket 與 /metrics
//
// 路由:
//   GET  /healthz
//   GET  /v1/product
//   GET  /v1/entities
//   GET  /v1/entities/{id}
//   POST /v1/requests
//   GET  /v1/events      (websocket)
//   GET  /metrics
//
// ============================================================================

package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/licensekit/internal/core"
	"github.com/ChuLiYu/licensekit/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Option 設定 API
type Option func(*API)

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithGatherer 啟用 /metrics，資料來源為 g
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// API 將 Core 以 HTTP 提供
type API struct {
	core     *core.Core
	log      *slog.Logger
	gatherer prometheus.Gatherer
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func New(c *core.Core, opts ...Option) *API {
	a := &API{
		core:     c,
		log:      slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "httpapi")
	return a
}

// Routes 建立路由樹
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	if a.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(a.gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/events", a.events)

		r.Group(func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/product", a.product)
			r.Get("/entities", a.listEntities)
			r.Get("/entities/{id}", a.getEntity)
			r.Post("/requests", a.createRequest)
		})
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "initialized": a.core.Initialized(), "engine_version": a.core.Version()}
	if !a.core.Initialized() {
		status = http.StatusServiceUnavailable
		body["status"] = "not_initialized"
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}

func (a *API) product(w http.ResponseWriter, r *http.Request) {
	p, err := a.core.Product()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	render.JSON(w, r, p)
}
