// 文件: pkg/valuation/http.go
// HTTP API (chi)
//
//	POST /v1/valuations        定价
//	GET  /v1/valuations        最近记录 (?limit=)
//	GET  /v1/valuations/{id}   查询
//	POST /v1/implied-vol       隐含波动率
//	GET  /healthz
//	GET  /metrics

package valuation

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optpricer.com/pkg/logger"
	"optpricer.com/pkg/pricing"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler HTTP 处理器
type Handler struct {
	svc     *Service
	timeout time.Duration
}

// NewHandler 创建处理器，timeout 为单个定价请求的上限
func NewHandler(svc *Service, timeout time.Duration) *Handler {
	return &Handler{svc: svc, timeout: timeout}
}

// Routes 构建路由；gatherer 为 nil 时不挂载 /metrics
func (h *Handler) Routes(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Post("/valuations", h.createValuation)
		r.Get("/valuations", h.listValuations)
		r.Get("/valuations/{id}", h.getValuation)
		r.Post("/implied-vol", h.impliedVol)
	})
	return r
}

func (h *Handler) createValuation(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, r, invalid("decode body: %v", err))
		return
	}

	ctx, cancel := h.pricingContext(r)
	defer cancel()

	v, err := h.svc.Price(ctx, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !v.Cached {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, v)
}

func (h *Handler) getValuation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.fail(w, r, invalid("bad id %q", chi.URLParam(r, "id")))
		return
	}
	v, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, v)
}

func (h *Handler) listValuations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.fail(w, r, invalid("bad limit %q", s))
			return
		}
		limit = n
	}
	list, err := h.svc.ListRecent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, list)
}

func (h *Handler) impliedVol(w http.ResponseWriter, r *http.Request) {
	var req ImpliedVolRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, r, invalid("decode body: %v", err))
		return
	}
	ctx, cancel := h.pricingContext(r)
	defer cancel()

	res, err := h.svc.ImpliedVol(ctx, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

// pricingContext 给定价类请求加截止时间
// timeout 短于服务端 WriteTimeout，超时后仍能写出 504
func (h *Handler) pricingContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(r.Context(), h.timeout)
	}
	return context.WithCancel(r.Context())
}

// fail 错误映射为状态码
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(r.Context(), "request failed",
			"path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnsupportedStyle),
		errors.Is(err, pricing.ErrInvalidParameter),
		errors.Is(err, pricing.ErrInvalidOptionType),
		errors.Is(err, pricing.ErrInvalidBasis),
		errors.Is(err, pricing.ErrInvalidExerciseStyle):
		return http.StatusBadRequest
	case errors.Is(err, pricing.ErrPriceOutOfRange),
		errors.Is(err, pricing.ErrNoConvergence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
