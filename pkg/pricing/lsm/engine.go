// 文件: pkg/pricing/lsm/engine.go
// Longstaff-Schwartz 最小二乘蒙特卡洛 (LSM) 美式期权定价引擎
//
// 【流程】
//
//	┌────────────┐   paths (n_paths × n_steps+1)   ┌─────────────────────────┐
//	│ gbm 模拟器  │ ──────────────────────────────▶ │ 逆向归纳 t = N-1 ... 1  │
//	└────────────┘                                  │  1. 现金流折现一步       │
//	                                                │  2. 计算立即行权收益     │
//	┌────────────┐   ITM 子集 (S_t/K, 折现现金流)   │  3. 选出实值路径 (ITM)   │
//	│ 回归器      │ ◀────────────────────────────── │  4. 回归得延续价值       │
//	└────────────┘ ──────────── 延续价值 ─────────▶ │  5. 行权判定并覆盖现金流 │
//	                                                └───────────┬─────────────┘
//	                                                            ▼
//	                                               再折现一步 -> 均值 / 标准误
//
// 【并发】时间维度严格串行；单步内按路径分块并行，每块只写自己的切片。
// ITM 收集与回归保持串行，保证浮点求和顺序固定，结果可复现。

package lsm

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"optpricer.com/pkg/logger"
	"optpricer.com/pkg/pricing"
	"optpricer.com/pkg/pricing/gbm"
	"optpricer.com/pkg/pricing/internal/chunk"
	"optpricer.com/pkg/pricing/regression"
)

const (
	// Method 结果中的方法名
	Method = "least_squares_mc"

	DefaultPaths  = 10000
	DefaultSteps  = 100
	DefaultBasis  = regression.Polynomial
	DefaultDegree = 2
)

// =============================================================================
// 输入 / 输出
// =============================================================================

// Input 定价输入
type Input struct {
	S0    float64 // 现价
	K     float64 // 行权价
	T     float64 // 到期时间 (年)
	R     float64 // 无风险利率
	Sigma float64 // 波动率
	Q     float64 // 分红率

	NSteps int
	NPaths int

	Kind   pricing.OptionKind
	Style  pricing.ExerciseStyle // 空值视为美式
	Basis  string                // polynomial / laguerre
	Degree int

	Seed *uint64 // nil 表示不可复现

	// ReturnDiagnostics 为 true 时返回路径矩阵与行权矩阵
	ReturnDiagnostics bool
}

// Result 定价结果
type Result struct {
	pricing.Estimate

	NPaths int                   `json:"n_paths"`
	NSteps int                   `json:"n_steps"`
	Method string                `json:"method"`
	Style  pricing.ExerciseStyle `json:"option_style"`
	Basis  string                `json:"regression_type"`
	Degree int                   `json:"regression_degree"`

	// RegressionFallbacks 回归失败而退化为常数均值的步数
	RegressionFallbacks int `json:"regression_fallbacks"`
	// ExerciseCount 在到期前提前行权的路径数
	ExerciseCount int `json:"exercise_count"`

	// 诊断输出 (ReturnDiagnostics)
	Paths    *mat.Dense `json:"-"`
	Exercise [][]bool   `json:"-"` // [path][step]，每行最多一个 true，标记实际停时
}

// PathSource 路径来源
type PathSource interface {
	Simulate(ctx context.Context, p gbm.Params, seed *uint64) (*mat.Dense, error)
}

// =============================================================================
// Engine
// =============================================================================

// Engine LSM 定价引擎，无状态，可并发调用
type Engine struct {
	paths     PathSource
	workers   int
	chunkSize int
	logger    *slog.Logger
}

// Option 引擎配置项
type Option func(*Engine)

// WithWorkers 单步内并行度
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithChunkSize 单步内每个并行块的路径数
func WithChunkSize(n int) Option {
	return func(e *Engine) { e.chunkSize = n }
}

// WithPathSource 替换路径来源
func WithPathSource(src PathSource) Option {
	return func(e *Engine) { e.paths = src }
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine 创建引擎
func NewEngine(opts ...Option) *Engine {
	e := &Engine{chunkSize: chunk.DefaultSize}
	for _, opt := range opts {
		opt(e)
	}
	if e.paths == nil {
		e.paths = gbm.NewSimulator(gbm.WithWorkers(e.workers))
	}
	if e.logger == nil {
		e.logger = logger.Get()
	}
	e.logger = e.logger.With("component", "lsm")
	return e
}

// Price 计算期权价格
func (e *Engine) Price(ctx context.Context, in Input) (*Result, error) {
	// 1. 校验 (失败时不做任何模拟)
	reg, style, err := in.validate()
	if err != nil {
		return nil, err
	}

	// 2. 模拟路径
	params := in.gbmParams()
	paths, err := e.paths.Simulate(ctx, params, in.Seed)
	if err != nil {
		return nil, fmt.Errorf("simulate paths: %w", err)
	}

	// 3. 逆向归纳
	st := newSweep(e, in, reg, paths)
	if err := st.run(ctx, style); err != nil {
		return nil, err
	}

	// 4. 汇总
	est := pricing.SampleEstimate(st.cash)
	if !est.IsFinite() {
		return nil, fmt.Errorf("%w: price=%v std_error=%v", pricing.ErrNumerical, est.Price, est.StdError)
	}

	res := &Result{
		Estimate:            est,
		NPaths:              in.NPaths,
		NSteps:              in.NSteps,
		Method:              Method,
		Style:               style,
		Basis:               reg.Name(),
		Degree:              reg.Degree(),
		RegressionFallbacks: st.fallbacks,
		ExerciseCount:       st.earlyExercises(),
	}
	if in.ReturnDiagnostics {
		res.Paths = paths
		res.Exercise = st.exerciseMatrix()
	}
	return res, nil
}

// =============================================================================
// 校验
// =============================================================================

func (in Input) validate() (regression.Regressor, pricing.ExerciseStyle, error) {
	// 期权类型最先检查
	if err := in.Kind.Validate(); err != nil {
		return nil, "", err
	}
	if err := in.gbmParams().Validate(); err != nil {
		return nil, "", err
	}
	if err := pricing.CheckFinite(map[string]float64{"K": in.K}); err != nil {
		return nil, "", err
	}
	if in.K <= 0 {
		return nil, "", fmt.Errorf("%w: K must be > 0, got %v", pricing.ErrInvalidParameter, in.K)
	}
	if in.Q < 0 {
		return nil, "", fmt.Errorf("%w: q must be >= 0, got %v", pricing.ErrInvalidParameter, in.Q)
	}

	style := in.Style
	if style == "" {
		style = pricing.American
	}
	if err := style.Validate(); err != nil {
		return nil, "", err
	}

	basis := in.Basis
	if basis == "" {
		basis = DefaultBasis
	}
	reg, err := regression.New(basis, in.Degree)
	if err != nil {
		return nil, "", err
	}
	return reg, style, nil
}

func (in Input) gbmParams() gbm.Params {
	return gbm.Params{
		S0: in.S0, T: in.T, R: in.R, Sigma: in.Sigma, Q: in.Q,
		NPaths: in.NPaths, NSteps: in.NSteps,
	}
}

// =============================================================================
// sweep 单次定价的逆向归纳状态
// =============================================================================

type sweep struct {
	e      *Engine
	in     Input
	reg    regression.Regressor
	data   []float64 // 路径矩阵底层数据
	stride int

	cash     []float64 // 现金流向量
	exercise []float64 // 当前步立即行权收益
	stop     []int     // 每条路径的停时，-1 表示从未行权

	// 复用缓冲
	itm []int
	xs  []float64
	ys  []float64

	fallbacks int
}

func newSweep(e *Engine, in Input, reg regression.Regressor, paths *mat.Dense) *sweep {
	raw := paths.RawMatrix()
	return &sweep{
		e:        e,
		in:       in,
		reg:      reg,
		data:     raw.Data,
		stride:   raw.Stride,
		cash:     make([]float64, in.NPaths),
		exercise: make([]float64, in.NPaths),
		stop:     make([]int, in.NPaths),
	}
}

func (s *sweep) spot(path, step int) float64 {
	return s.data[path*s.stride+step]
}

func (s *sweep) parallel(ctx context.Context, n int, fn func(lo, hi int)) error {
	return chunk.For(ctx, n, s.e.chunkSize, s.e.workers, func(_, lo, hi int) error {
		fn(lo, hi)
		return nil
	})
}

func (s *sweep) run(ctx context.Context, style pricing.ExerciseStyle) error {
	in := s.in
	n := in.NPaths
	last := in.NSteps
	disc := math.Exp(-in.R * in.T / float64(in.NSteps))

	// 到期收益作为初始现金流
	err := s.parallel(ctx, n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s.cash[i] = in.Kind.Payoff(s.spot(i, last), in.K)
			s.stop[i] = -1
			if s.cash[i] > 0 {
				s.stop[i] = last
			}
		}
	})
	if err != nil {
		return err
	}

	american := style == pricing.American
	for t := last - 1; t >= 1; t-- {
		// a. 折现一步 + b. 立即行权收益
		err := s.parallel(ctx, n, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				s.cash[i] *= disc
				if american {
					s.exercise[i] = in.Kind.Payoff(s.spot(i, t), in.K)
				}
			}
		})
		if err != nil {
			return err
		}
		if !american {
			continue
		}

		// c. 实值路径
		s.collectITM(t)
		if len(s.itm) == 0 {
			continue
		}

		// d. 延续价值
		cont := s.continuation(t)

		// e. 行权判定: 立即收益 >= 延续价值 时行权
		itm := s.itm
		err = s.parallel(ctx, len(itm), func(lo, hi int) {
			for j := lo; j < hi; j++ {
				i := itm[j]
				if s.exercise[i] >= cont[j] {
					s.cash[i] = s.exercise[i]
					s.stop[i] = t
				}
			}
		})
		if err != nil {
			return err
		}
	}

	// 折现到估值日
	return s.parallel(ctx, n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s.cash[i] *= disc
		}
	})
}

func (s *sweep) collectITM(t int) {
	s.itm = s.itm[:0]
	s.xs = s.xs[:0]
	s.ys = s.ys[:0]
	for i, v := range s.exercise {
		if v > 0 {
			s.itm = append(s.itm, i)
			s.xs = append(s.xs, s.spot(i, t)/s.in.K)
			s.ys = append(s.ys, s.cash[i])
		}
	}
}

// continuation 回归估计延续价值；样本不足或回归失败时退化为均值
func (s *sweep) continuation(t int) []float64 {
	if len(s.itm) > s.reg.Degree()+1 {
		cont, err := s.reg.FitPredict(s.xs, s.ys, s.xs)
		if err == nil {
			return cont
		}
		s.fallbacks++
		s.e.logger.Debug("regression fallback to constant mean",
			"step", t, "itm", len(s.itm), "basis", s.reg.Name(), "error", err)
	}

	mean := stat.Mean(s.ys, nil)
	cont := make([]float64, len(s.itm))
	for j := range cont {
		cont[j] = mean
	}
	return cont
}

func (s *sweep) earlyExercises() int {
	count := 0
	for _, t := range s.stop {
		if t >= 1 && t < s.in.NSteps {
			count++
		}
	}
	return count
}

func (s *sweep) exerciseMatrix() [][]bool {
	cols := s.in.NSteps + 1
	flags := make([]bool, len(s.stop)*cols)
	out := make([][]bool, len(s.stop))
	for i, t := range s.stop {
		out[i] = flags[i*cols : (i+1)*cols]
		if t >= 0 {
			out[i][t] = true
		}
	}
	return out
}
