// 文件: pkg/pricing/binomial/crr.go
// Cox-Ross-Rubinstein 二叉树
//
//	u = e^{σ√dt}, d = 1/u, p = (e^{(r-q)dt} - d) / (u - d)
//
// 美式: 每个节点取 max(延续价值, 立即行权)
// 欧式: 只在到期节点计算收益
//
// 只保留一层节点值，内存 O(steps)。

package binomial

import (
	"fmt"
	"math"

	"optpricer.com/pkg/pricing"
)

const (
	// Method 结果中的方法名
	Method = "binomial"
	// DefaultSteps 默认步数
	DefaultSteps = 100
)

// Params 二叉树输入
type Params struct {
	S     float64
	K     float64
	T     float64
	R     float64
	Q     float64
	Sigma float64
	Steps int
}

// Result 定价结果
type Result struct {
	Price float64               `json:"price"`
	Steps int                   `json:"n_steps"`
	Style pricing.ExerciseStyle `json:"option_style"`
	// ProbUp 风险中性上涨概率
	ProbUp float64 `json:"prob_up"`
}

// Price 计算期权价格
func Price(p Params, kind pricing.OptionKind, style pricing.ExerciseStyle) (*Result, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if err := style.Validate(); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	dt := p.T / float64(p.Steps)
	u := math.Exp(p.Sigma * math.Sqrt(dt))
	d := 1 / u
	prob := (math.Exp((p.R-p.Q)*dt) - d) / (u - d)
	if !(prob >= 0 && prob <= 1) {
		return nil, fmt.Errorf("%w: risk-neutral probability %v outside [0,1], increase steps or sigma",
			pricing.ErrInvalidParameter, prob)
	}
	disc := math.Exp(-p.R * dt)

	// 到期节点: j 次下跌, S·u^{n-j}·d^j
	n := p.Steps
	values := make([]float64, n+1)
	for j := 0; j <= n; j++ {
		values[j] = kind.Payoff(p.S*math.Pow(u, float64(n-j))*math.Pow(d, float64(j)), p.K)
	}

	american := style == pricing.American
	for step := n - 1; step >= 0; step-- {
		for j := 0; j <= step; j++ {
			cont := disc * (prob*values[j] + (1-prob)*values[j+1])
			if american {
				spot := p.S * math.Pow(u, float64(step-j)) * math.Pow(d, float64(j))
				cont = math.Max(cont, kind.Payoff(spot, p.K))
			}
			values[j] = cont
		}
	}

	return &Result{Price: values[0], Steps: n, Style: style, ProbUp: prob}, nil
}

func (p Params) validate() error {
	if err := pricing.CheckFinite(map[string]float64{
		"S": p.S, "K": p.K, "T": p.T, "r": p.R, "q": p.Q, "sigma": p.Sigma,
	}); err != nil {
		return err
	}
	switch {
	case p.S <= 0 || p.K <= 0:
		return fmt.Errorf("%w: S and K must be > 0", pricing.ErrInvalidParameter)
	case p.T <= 0:
		return fmt.Errorf("%w: T must be > 0, got %v", pricing.ErrInvalidParameter, p.T)
	case p.Sigma <= 0:
		return fmt.Errorf("%w: sigma must be > 0 for a recombining tree, got %v", pricing.ErrInvalidParameter, p.Sigma)
	case p.Steps <= 0:
		return fmt.Errorf("%w: steps must be > 0, got %d", pricing.ErrInvalidParameter, p.Steps)
	}
	return nil
}
