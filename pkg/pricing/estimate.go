// 文件: pkg/pricing/estimate.go
// 蒙特卡洛估计量: 均值 + 标准误 + 置信区间

package pricing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultConfidenceLevel 默认置信水平
const DefaultConfidenceLevel = 0.95

// Estimate 价格估计
type Estimate struct {
	Price    float64 `json:"price"`
	StdError float64 `json:"std_error"`
}

// Interval 置信区间
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// SampleEstimate 由样本计算均值和标准误
// 标准误 = 样本标准差 (ddof=1) / sqrt(n)，单样本时为 0
func SampleEstimate(samples []float64) Estimate {
	n := len(samples)
	if n == 0 {
		return Estimate{}
	}
	if n == 1 {
		return Estimate{Price: samples[0]}
	}
	mean, std := stat.MeanStdDev(samples, nil)
	return Estimate{
		Price:    mean,
		StdError: std / math.Sqrt(float64(n)),
	}
}

// Interval 正态近似置信区间: mean ± z * SE
func (e Estimate) Interval(level float64) (Interval, error) {
	if !(level > 0 && level < 1) {
		return Interval{}, fmt.Errorf("%w: confidence level %v not in (0,1)", ErrInvalidParameter, level)
	}
	z := distuv.UnitNormal.Quantile(1 - (1-level)/2)
	margin := z * e.StdError
	return Interval{
		Lower: e.Price - margin,
		Upper: e.Price + margin,
		Level: level,
	}, nil
}

// Contains 判断 x 是否落在区间内
func (iv Interval) Contains(x float64) bool {
	return x >= iv.Lower && x <= iv.Upper
}

// IsFinite 价格与标准误都是有限数
func (e Estimate) IsFinite() bool {
	return !math.IsNaN(e.Price) && !math.IsInf(e.Price, 0) &&
		!math.IsNaN(e.StdError) && !math.IsInf(e.StdError, 0)
}
