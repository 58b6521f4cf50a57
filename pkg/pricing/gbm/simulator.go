// 文件: pkg/pricing/gbm/simulator.go
// 风险中性几何布朗运动路径模拟
//
// S[t+1] = S[t] * exp((r - q - σ²/2)·dt + σ·√dt·Z),  dt = T / n_steps
//
// 路径矩阵 shape = (n_paths, n_steps+1)，第 0 列恒为 S0。
//
// 【随机数】
// - 不使用任何包级随机源，种子由调用方显式传入
// - 路径按固定大小分块，每块独立 PCG 流 (seed, blockIndex)
// - 因此同一 seed 在任意并发度下都得到逐位相同的矩阵

package gbm

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"optpricer.com/pkg/pricing"
	"optpricer.com/pkg/pricing/internal/chunk"
)

// Params 模拟参数
type Params struct {
	S0     float64 // 现价
	T      float64 // 到期时间 (年)
	R      float64 // 无风险利率 (连续复利)
	Sigma  float64 // 年化波动率
	Q      float64 // 连续分红率
	NPaths int     // 路径数
	NSteps int     // 时间步数
}

// Validate 校验参数
func (p Params) Validate() error {
	if err := pricing.CheckFinite(map[string]float64{
		"S0": p.S0, "T": p.T, "r": p.R, "sigma": p.Sigma, "q": p.Q,
	}); err != nil {
		return err
	}
	switch {
	case p.S0 <= 0:
		return fmt.Errorf("%w: S0 must be > 0, got %v", pricing.ErrInvalidParameter, p.S0)
	case p.T <= 0:
		return fmt.Errorf("%w: T must be > 0, got %v", pricing.ErrInvalidParameter, p.T)
	case p.Sigma < 0:
		return fmt.Errorf("%w: sigma must be >= 0, got %v", pricing.ErrInvalidParameter, p.Sigma)
	case p.NSteps <= 0:
		return fmt.Errorf("%w: n_steps must be > 0, got %d", pricing.ErrInvalidParameter, p.NSteps)
	case p.NPaths <= 0:
		return fmt.Errorf("%w: n_paths must be > 0, got %d", pricing.ErrInvalidParameter, p.NPaths)
	}
	return nil
}

// Dt 单步时间长度
func (p Params) Dt() float64 { return p.T / float64(p.NSteps) }

// =============================================================================
// Simulator
// =============================================================================

// Simulator GBM 路径生成器
type Simulator struct {
	workers   int
	blockSize int
}

// Option 配置项
type Option func(*Simulator)

// WithWorkers 设置并发度 (<=0 表示 GOMAXPROCS)
func WithWorkers(n int) Option {
	return func(s *Simulator) { s.workers = n }
}

// WithBlockSize 设置每个随机流负责的路径数
// 注意: 改变块大小会改变同一 seed 的输出
func WithBlockSize(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// NewSimulator 创建模拟器
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{blockSize: chunk.DefaultSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Simulate 生成路径矩阵
// seed == nil 时使用时钟生成一次性种子 (结果不可复现)
func (s *Simulator) Simulate(ctx context.Context, p Params, seed *uint64) (*mat.Dense, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	base := resolveSeed(seed)
	dt := p.Dt()
	drift := (p.R - p.Q - 0.5*p.Sigma*p.Sigma) * dt
	diffusion := p.Sigma * math.Sqrt(dt)

	cols := p.NSteps + 1
	paths := mat.NewDense(p.NPaths, cols, nil)
	raw := paths.RawMatrix()

	err := chunk.For(ctx, p.NPaths, s.blockSize, s.workers, func(block, lo, hi int) error {
		rng := NewRand(base, uint64(block))
		for i := lo; i < hi; i++ {
			row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
			row[0] = p.S0
			for t := 1; t < cols; t++ {
				row[t] = row[t-1] * math.Exp(drift+diffusion*rng.NormFloat64())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// NewRand 创建一个独立的 PCG 随机流
func NewRand(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream^0x9e3779b97f4a7c15))
}

func resolveSeed(seed *uint64) uint64 {
	if seed != nil {
		return *seed
	}
	return uint64(time.Now().UnixNano())
}

// Terminal 取出最后一列 (到期价格)
func Terminal(paths *mat.Dense) []float64 {
	rows, cols := paths.Dims()
	out := make([]float64, rows)
	mat.Col(out, cols-1, paths)
	return out
}
