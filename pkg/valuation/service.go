// 文件: pkg/valuation/service.go
// 定价服务
//
// 【流程】
// 1. 校验请求 (validator) 并补齐默认值
// 2. 可复现请求 (确定性方法或带 seed) 先按指纹查已有记录
// 3. 调用模型定价
// 4. 持久化 -> 发布事件 -> 记录指标

package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"optpricer.com/pkg/config"
	"optpricer.com/pkg/logger"
	"optpricer.com/pkg/metrics"
	"optpricer.com/pkg/pricing"
	"optpricer.com/pkg/pricing/binomial"
	"optpricer.com/pkg/pricing/blackscholes"
	"optpricer.com/pkg/pricing/gbm"
	"optpricer.com/pkg/pricing/lsm"
	"optpricer.com/pkg/pricing/montecarlo"
)

// 持久化精度，与 decimal(20,8) 一致
const pricePlaces = 8

// Service 定价服务
type Service struct {
	repo     Repository
	events   EventPublisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	validate *validator.Validate
	cfg      config.PricingConfig

	engine *lsm.Engine
	mc     *montecarlo.Pricer

	now func() time.Time
}

// Option 服务配置项
type Option func(*Service)

// WithEventPublisher 设置事件发布器
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPathSource 替换路径来源 (测试用)
func WithPathSource(src lsm.PathSource) Option {
	return func(s *Service) { s.engine = lsm.NewEngine(lsm.WithPathSource(src), lsm.WithWorkers(s.cfg.Workers)) }
}

// NewService 创建服务
func NewService(repo Repository, cfg config.PricingConfig, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		events:   nopPublisher{},
		cfg:      cfg,
		validate: newValidator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger = s.logger.With("component", "valuation")
	if s.metrics == nil {
		s.metrics = metrics.New("valuation")
	}
	sim := gbm.NewSimulator(gbm.WithWorkers(cfg.Workers))
	if s.engine == nil {
		s.engine = lsm.NewEngine(lsm.WithPathSource(sim), lsm.WithWorkers(cfg.Workers), lsm.WithLogger(s.logger))
	}
	s.mc = montecarlo.NewPricer(sim)
	return s
}

// newValidator 错误信息使用 JSON 字段名
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// 定价
// =============================================================================

// Price 对请求定价，返回持久化后的记录
func (s *Service) Price(ctx context.Context, req Request) (*Valuation, error) {
	r, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	var fp string
	if r.reproducible() {
		fp = r.fingerprint()
		if v, ok := s.lookup(ctx, fp); ok {
			return v, nil
		}
	}

	start := s.now()
	v, err := s.run(ctx, r)
	elapsed := s.now().Sub(start)
	s.metrics.ObserveValuation(string(r.Method), elapsed.Seconds(), err)
	if err != nil {
		s.logger.Warn("valuation failed", "method", r.Method, "kind", r.Kind, "error", err)
		return nil, err
	}

	v.ID = NextID()
	v.Fingerprint = fp
	v.DurationMs = elapsed.Milliseconds()
	v.CreatedAt = s.now().UnixMilli()
	if err := s.repo.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("save valuation: %w", err)
	}

	if err := s.events.PublishPriced(ctx, NewOptionPricedEvent(v)); err != nil {
		s.metrics.PublishErrors.Inc()
		s.logger.Warn("publish valuation event failed", "id", v.ID, "error", err)
	}

	s.logger.Info("option priced",
		"id", v.ID, "method", v.Method, "kind", v.Kind, "style", v.Style,
		"price", v.Price.String(), "std_error", v.StdError.String(), "duration_ms", v.DurationMs)
	return v, nil
}

// Get 按 ID 查询
func (s *Service) Get(ctx context.Context, id int64) (*Valuation, error) {
	return s.repo.GetByID(ctx, id)
}

// ListRecent 最近的定价记录，limit 限制在 [1,100]
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Valuation, error) {
	limit = max(1, min(limit, 100))
	return s.repo.ListRecent(ctx, limit)
}

// ImpliedVol 由市场价反推波动率
// 欧式用 Black-Scholes 闭式解反解；美式用固定种子的 LSM 反解
func (s *Service) ImpliedVol(ctx context.Context, req ImpliedVolRequest) (*ImpliedVolResult, error) {
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	kind, err := pricing.ParseOptionKind(req.Kind)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if req.Style == string(pricing.American) {
		return s.americanImpliedVol(ctx, kind, req)
	}

	p := blackscholes.Params{S: req.Spot, K: req.Strike, T: req.Maturity, R: req.Rate, Q: req.Dividend}
	iv, err := blackscholes.ImpliedVolatility(kind, p, req.Price)
	if err != nil {
		return nil, err
	}
	p.Sigma = iv
	greeks, err := blackscholes.ComputeGreeks(kind, p)
	if err != nil {
		return nil, err
	}
	return &ImpliedVolResult{
		ImpliedVol: iv,
		Style:      pricing.European,
		Method:     MethodBlackScholes,
		Greeks:     &greeks,
	}, nil
}

func (s *Service) americanImpliedVol(ctx context.Context, kind pricing.OptionKind, req ImpliedVolRequest) (*ImpliedVolResult, error) {
	in := lsm.Input{
		S0: req.Spot, K: req.Strike, T: req.Maturity, R: req.Rate, Q: req.Dividend,
		NSteps: req.Steps, NPaths: req.Paths,
		Kind: kind, Style: pricing.American,
		Basis: req.Basis, Degree: s.cfg.Degree,
		Seed: req.Seed,
	}
	if in.NSteps == 0 {
		in.NSteps = s.cfg.Steps
	}
	if in.NPaths == 0 {
		in.NPaths = s.cfg.Paths
	}
	if in.Basis == "" {
		in.Basis = s.cfg.Basis
	}
	if req.Degree != nil {
		in.Degree = *req.Degree
	}
	if in.Seed == nil {
		in.Seed = pricing.Seed(lsm.DefaultIVSeed)
	}
	if s.cfg.MaxPaths > 0 && in.NPaths > s.cfg.MaxPaths {
		return nil, invalid("paths %d exceeds limit %d", in.NPaths, s.cfg.MaxPaths)
	}
	if s.cfg.MaxSteps > 0 && in.NSteps > s.cfg.MaxSteps {
		return nil, invalid("steps %d exceeds limit %d", in.NSteps, s.cfg.MaxSteps)
	}

	start := s.now()
	iv, err := s.engine.ImpliedVolatility(ctx, in, req.Price)
	if err != nil {
		s.logger.Warn("american implied vol failed", "kind", kind, "price", req.Price, "error", err)
		return nil, err
	}
	s.logger.Info("american implied vol solved",
		"kind", kind, "price", req.Price, "implied_vol", iv,
		"paths", in.NPaths, "steps", in.NSteps, "seed", *in.Seed,
		"duration_ms", s.now().Sub(start).Milliseconds())
	return &ImpliedVolResult{
		ImpliedVol: iv,
		Style:      pricing.American,
		Method:     MethodLSM,
		Seed:       in.Seed,
	}, nil
}

// lookup 按指纹复用已有记录；存储错误只记日志，继续重新计算
func (s *Service) lookup(ctx context.Context, fp string) (*Valuation, bool) {
	v, err := s.repo.GetLatestByFingerprint(ctx, fp)
	switch {
	case err == nil:
		s.metrics.ObserveCache(true)
		v.Cached = true
		return v, true
	case errors.Is(err, ErrNotFound):
		s.metrics.ObserveCache(false)
	default:
		s.logger.Warn("fingerprint lookup failed", "fingerprint", fp, "error", err)
	}
	return nil, false
}

// =============================================================================
// 请求解析
// =============================================================================

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalid("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return invalid("%s", strings.Join(msgs, "; "))
}

// resolve 校验并补齐默认值
func (s *Service) resolve(req Request) (*resolved, error) {
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}

	kind, err := pricing.ParseOptionKind(req.Kind)
	if err != nil {
		return nil, invalid("%v", err)
	}
	style, err := pricing.ParseExerciseStyle(req.Style)
	if err != nil {
		return nil, invalid("%v", err)
	}
	method := req.Method
	if method == "" {
		method = MethodLSM
	}
	if !method.Supports(style) {
		return nil, fmt.Errorf("%w: %s cannot price %s options", ErrUnsupportedStyle, method, style)
	}

	r := &resolved{
		Kind: kind, Style: style, Method: method,
		Spot: req.Spot, Strike: req.Strike, Maturity: req.Maturity,
		Rate: req.Rate, Vol: req.Vol, Dividend: req.Dividend,
		Paths: req.Paths, Steps: req.Steps, Basis: req.Basis,
		Seed:  req.Seed,
		Level: s.cfg.ConfidenceLevel,
	}
	if r.Steps == 0 {
		r.Steps = s.cfg.Steps
		if method == MethodBinomial {
			r.Steps = s.cfg.BinomialSteps
		}
	}
	if method == MethodBlackScholes {
		r.Steps = 0
	}
	if method.Stochastic() {
		if r.Paths == 0 {
			r.Paths = s.cfg.Paths
		}
	} else {
		r.Paths, r.Seed = 0, nil
	}
	if method == MethodLSM {
		if r.Basis == "" {
			r.Basis = s.cfg.Basis
		}
		r.Degree = s.cfg.Degree
		if req.Degree != nil {
			r.Degree = *req.Degree
		}
	} else {
		r.Basis = ""
	}

	if s.cfg.MaxPaths > 0 && r.Paths > s.cfg.MaxPaths {
		return nil, invalid("paths %d exceeds limit %d", r.Paths, s.cfg.MaxPaths)
	}
	if s.cfg.MaxSteps > 0 && r.Steps > s.cfg.MaxSteps {
		return nil, invalid("steps %d exceeds limit %d", r.Steps, s.cfg.MaxSteps)
	}
	return r, nil
}

// =============================================================================
// 模型调度
// =============================================================================

func (s *Service) run(ctx context.Context, r *resolved) (*Valuation, error) {
	v := &Valuation{
		Method: r.Method, Kind: r.Kind, Style: r.Style,
		Spot: r.Spot, Strike: r.Strike, Maturity: r.Maturity,
		Rate: r.Rate, Vol: r.Vol, Dividend: r.Dividend,
		Paths: r.Paths, Steps: r.Steps, Basis: r.Basis, Degree: r.Degree,
		Seed: r.Seed,
	}

	var est pricing.Estimate
	switch r.Method {
	case MethodLSM:
		res, err := s.engine.Price(ctx, lsm.Input{
			S0: r.Spot, K: r.Strike, T: r.Maturity, R: r.Rate, Sigma: r.Vol, Q: r.Dividend,
			NSteps: r.Steps, NPaths: r.Paths,
			Kind: r.Kind, Style: r.Style, Basis: r.Basis, Degree: r.Degree,
			Seed: r.Seed,
		})
		if err != nil {
			return nil, err
		}
		est = res.Estimate
		v.RegressionFallbacks = res.RegressionFallbacks
		v.ExerciseCount = res.ExerciseCount
		s.metrics.RegressionFallbacks.Add(float64(res.RegressionFallbacks))

	case MethodMonteCarlo:
		res, err := s.mc.Price(ctx, montecarlo.Input{
			S0: r.Spot, K: r.Strike, T: r.Maturity, R: r.Rate, Sigma: r.Vol, Q: r.Dividend,
			NSteps: r.Steps, NPaths: r.Paths, Kind: r.Kind, Seed: r.Seed,
		})
		if err != nil {
			return nil, err
		}
		est = res.Estimate

	case MethodBinomial:
		res, err := binomial.Price(binomial.Params{
			S: r.Spot, K: r.Strike, T: r.Maturity, R: r.Rate, Q: r.Dividend, Sigma: r.Vol,
			Steps: r.Steps,
		}, r.Kind, r.Style)
		if err != nil {
			return nil, err
		}
		est = pricing.Estimate{Price: res.Price}

	case MethodBlackScholes:
		p := blackscholes.Params{S: r.Spot, K: r.Strike, T: r.Maturity, R: r.Rate, Q: r.Dividend, Sigma: r.Vol}
		price, err := blackscholes.Price(r.Kind, p)
		if err != nil {
			return nil, err
		}
		est = pricing.Estimate{Price: price}
		// σ=0 时希腊值无定义，只返回价格
		if g, err := blackscholes.ComputeGreeks(r.Kind, p); err == nil {
			v.Greeks = &g
		}

	default:
		return nil, invalid("unknown method %q", r.Method)
	}

	iv, err := est.Interval(r.Level)
	if err != nil {
		return nil, err
	}
	v.Price = decimal.NewFromFloat(est.Price).Round(pricePlaces)
	v.StdError = decimal.NewFromFloat(est.StdError).Round(pricePlaces)
	v.CILower = decimal.NewFromFloat(iv.Lower).Round(pricePlaces)
	v.CIUpper = decimal.NewFromFloat(iv.Upper).Round(pricePlaces)
	v.ConfidenceLevel = iv.Level
	return v, nil
}
