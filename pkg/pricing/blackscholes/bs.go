// 文件: pkg/pricing/blackscholes/bs.go
// 欧式期权 Black-Scholes(-Merton) 闭式解，支持连续分红率 q
//
// 用途:
// - 欧式期权报价
// - LSM / 二叉树 / 蒙特卡洛的收敛基准

package blackscholes

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"optpricer.com/pkg/pricing"
)

// 隐含波动率错误与 lsm 共用
var (
	ErrNoConvergence   = pricing.ErrNoConvergence
	ErrPriceOutOfRange = pricing.ErrPriceOutOfRange
)

// Params Black-Scholes 输入
type Params struct {
	S     float64 // 标的现价
	K     float64 // 行权价
	T     float64 // 剩余期限 (年)
	R     float64 // 无风险利率 (连续复利)
	Q     float64 // 连续分红率
	Sigma float64 // 年化波动率
}

// PriceCall 欧式看涨
// S: 现价  K: 行权价  r: 无风险利率  q: 分红率  sigma: 波动率  T: 到期时间
func PriceCall(S, K, r, q, sigma, T float64) (float64, error) {
	return Price(pricing.Call, Params{S: S, K: K, T: T, R: r, Q: q, Sigma: sigma})
}

// PricePut 欧式看跌
func PricePut(S, K, r, q, sigma, T float64) (float64, error) {
	return Price(pricing.Put, Params{S: S, K: K, T: T, R: r, Q: q, Sigma: sigma})
}

// Price 按期权类型计算价格
func Price(kind pricing.OptionKind, p Params) (float64, error) {
	if err := kind.Validate(); err != nil {
		return 0, err
	}
	if err := p.validate(); err != nil {
		return 0, err
	}

	// 到期: 内在价值
	if p.T == 0 {
		return kind.Payoff(p.S, p.K), nil
	}

	fwdS := p.S * math.Exp(-p.Q*p.T)
	pvK := p.K * math.Exp(-p.R*p.T)

	// 零波动率: 价格确定
	if p.Sigma == 0 {
		return kind.Payoff(fwdS, pvK), nil
	}

	d1, d2 := p.d1d2()
	if kind == pricing.Call {
		return fwdS*normCDF(d1) - pvK*normCDF(d2), nil
	}
	return pvK*normCDF(-d2) - fwdS*normCDF(-d1), nil
}

// =============================================================================
// Greeks (解析式)
// =============================================================================

// Greeks 期权敏感度
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"` // 每年
	Rho   float64 `json:"rho"`
}

// ComputeGreeks 计算全部 Greeks
// T==0 或 sigma==0 时 d1 无定义，返回错误
func ComputeGreeks(kind pricing.OptionKind, p Params) (Greeks, error) {
	if err := p.checkGreeks(kind); err != nil {
		return Greeks{}, err
	}
	d1, d2 := p.d1d2()
	sqrtT := math.Sqrt(p.T)
	dq := math.Exp(-p.Q * p.T)
	dr := math.Exp(-p.R * p.T)
	pdf := normPDF(d1)

	g := Greeks{
		Gamma: dq * pdf / (p.S * p.Sigma * sqrtT),
		Vega:  p.S * dq * pdf * sqrtT,
	}
	decay := -p.S * dq * pdf * p.Sigma / (2 * sqrtT)

	if kind == pricing.Call {
		g.Delta = dq * normCDF(d1)
		g.Theta = decay - p.R*p.K*dr*normCDF(d2) + p.Q*p.S*dq*normCDF(d1)
		g.Rho = p.K * p.T * dr * normCDF(d2)
	} else {
		g.Delta = dq * (normCDF(d1) - 1)
		g.Theta = decay + p.R*p.K*dr*normCDF(-d2) - p.Q*p.S*dq*normCDF(-d1)
		g.Rho = -p.K * p.T * dr * normCDF(-d2)
	}
	return g, nil
}

// Delta 期权价格对标的价格的敏感度
func Delta(kind pricing.OptionKind, p Params) (float64, error) {
	g, err := ComputeGreeks(kind, p)
	return g.Delta, err
}

// Gamma Delta 对标的价格的敏感度 (call/put 相同)
func Gamma(p Params) (float64, error) {
	g, err := ComputeGreeks(pricing.Call, p)
	return g.Gamma, err
}

// Vega 期权价格对波动率的敏感度 (call/put 相同)
func Vega(p Params) (float64, error) {
	if err := p.checkGreeks(pricing.Call); err != nil {
		return 0, err
	}
	d1, _ := p.d1d2()
	return p.S * math.Exp(-p.Q*p.T) * math.Sqrt(p.T) * normPDF(d1), nil
}

// Theta 期权价格对时间流逝的敏感度 (每年)
func Theta(kind pricing.OptionKind, p Params) (float64, error) {
	g, err := ComputeGreeks(kind, p)
	return g.Theta, err
}

// Rho 期权价格对利率的敏感度
func Rho(kind pricing.OptionKind, p Params) (float64, error) {
	g, err := ComputeGreeks(kind, p)
	return g.Rho, err
}

// =============================================================================
// 情景分析
// =============================================================================

// Scenario 价格 / 波动率冲击后的报价
type Scenario struct {
	ShockedSpot      float64 `json:"shocked_spot"`
	CallAtSpotShock  float64 `json:"call_at_spot_shock"`
	PutAtSpotShock   float64 `json:"put_at_spot_shock"`
	ShockedSigma     float64 `json:"shocked_sigma"`
	CallAtSigmaShock float64 `json:"call_at_sigma_shock"`
	PutAtSigmaShock  float64 `json:"put_at_sigma_shock"`
}

// ScenarioAnalysis 模拟标的价格与波动率按比例变化后的期权价格
// priceChange: 0.05 表示标的上涨 5%
// volChange:   0.10 表示波动率上升 10%
func ScenarioAnalysis(p Params, priceChange, volChange float64) (Scenario, error) {
	var sc Scenario
	var err error

	spotShock := p
	spotShock.S = p.S * (1 + priceChange)
	sc.ShockedSpot = spotShock.S
	if sc.CallAtSpotShock, err = Price(pricing.Call, spotShock); err != nil {
		return Scenario{}, fmt.Errorf("spot shock call: %w", err)
	}
	if sc.PutAtSpotShock, err = Price(pricing.Put, spotShock); err != nil {
		return Scenario{}, fmt.Errorf("spot shock put: %w", err)
	}

	volShock := p
	volShock.Sigma = p.Sigma * (1 + volChange)
	sc.ShockedSigma = volShock.Sigma
	if sc.CallAtSigmaShock, err = Price(pricing.Call, volShock); err != nil {
		return Scenario{}, fmt.Errorf("vol shock call: %w", err)
	}
	if sc.PutAtSigmaShock, err = Price(pricing.Put, volShock); err != nil {
		return Scenario{}, fmt.Errorf("vol shock put: %w", err)
	}
	return sc, nil
}

// =============================================================================
// 内部工具
// =============================================================================

func (p Params) validate() error {
	if err := pricing.CheckFinite(map[string]float64{
		"S": p.S, "K": p.K, "T": p.T, "r": p.R, "q": p.Q, "sigma": p.Sigma,
	}); err != nil {
		return err
	}
	// 现价和行权价必须大于零
	if p.S <= 0 || p.K <= 0 {
		return fmt.Errorf("%w: S and K must be > 0 (S=%v K=%v)", pricing.ErrInvalidParameter, p.S, p.K)
	}
	// 波动率和到期时间不能为负
	if p.Sigma < 0 || p.T < 0 {
		return fmt.Errorf("%w: sigma and T must be >= 0 (sigma=%v T=%v)", pricing.ErrInvalidParameter, p.Sigma, p.T)
	}
	return nil
}

func (p Params) checkGreeks(kind pricing.OptionKind) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.T == 0 || p.Sigma == 0 {
		return fmt.Errorf("%w: greeks need T > 0 and sigma > 0", pricing.ErrInvalidParameter)
	}
	return nil
}

// d1 = [ln(S/K) + (r - q + σ²/2)T] / (σ√T),  d2 = d1 - σ√T
func (p Params) d1d2() (float64, float64) {
	volT := p.Sigma * math.Sqrt(p.T)
	d1 := (math.Log(p.S/p.K) + (p.R-p.Q+0.5*p.Sigma*p.Sigma)*p.T) / volT
	return d1, d1 - volT
}

func normCDF(x float64) float64 { return distuv.UnitNormal.CDF(x) }

func normPDF(x float64) float64 { return distuv.UnitNormal.Prob(x) }
