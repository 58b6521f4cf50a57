// 文件: pkg/pricing/montecarlo/european.go
// 欧式期权蒙特卡洛定价: 模拟到期价格 -> 折现收益均值

package montecarlo

import (
	"context"
	"fmt"
	"math"

	"optpricer.com/pkg/pricing"
	"optpricer.com/pkg/pricing/gbm"
)

// Method 结果中的方法名
const Method = "monte_carlo"

// Input 定价输入
type Input struct {
	S0, K, T, R, Sigma, Q float64

	NSteps int
	NPaths int
	Kind   pricing.OptionKind
	Seed   *uint64
}

// Result 定价结果
type Result struct {
	pricing.Estimate

	NPaths int    `json:"n_paths"`
	NSteps int    `json:"n_steps"`
	Method string `json:"method"`
}

// Pricer 欧式蒙特卡洛定价器
type Pricer struct {
	sim *gbm.Simulator
}

// NewPricer 创建定价器
func NewPricer(sim *gbm.Simulator) *Pricer {
	if sim == nil {
		sim = gbm.NewSimulator()
	}
	return &Pricer{sim: sim}
}

// Price 计算价格与标准误
func (p *Pricer) Price(ctx context.Context, in Input) (*Result, error) {
	if err := in.Kind.Validate(); err != nil {
		return nil, err
	}
	if in.K <= 0 || math.IsNaN(in.K) || math.IsInf(in.K, 0) {
		return nil, fmt.Errorf("%w: K must be a positive finite number", pricing.ErrInvalidParameter)
	}

	paths, err := p.sim.Simulate(ctx, gbm.Params{
		S0: in.S0, T: in.T, R: in.R, Sigma: in.Sigma, Q: in.Q,
		NPaths: in.NPaths, NSteps: in.NSteps,
	}, in.Seed)
	if err != nil {
		return nil, err
	}

	disc := math.Exp(-in.R * in.T)
	terminal := gbm.Terminal(paths)
	for i, s := range terminal {
		terminal[i] = disc * in.Kind.Payoff(s, in.K)
	}

	est := pricing.SampleEstimate(terminal)
	if !est.IsFinite() {
		return nil, fmt.Errorf("%w: price=%v", pricing.ErrNumerical, est.Price)
	}
	return &Result{
		Estimate: est,
		NPaths:   in.NPaths,
		NSteps:   in.NSteps,
		Method:   Method,
	}, nil
}
