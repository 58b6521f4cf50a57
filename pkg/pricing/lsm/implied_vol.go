// 文件: pkg/pricing/lsm/implied_vol.go
// 美式期权隐含波动率
//
// 每次试价都用同一个种子 (公共随机数)，价格对 σ 是确定的单调函数，
// 求根才有意义。区间 [1e-6, 3] 内做带保护的牛顿迭代:
// 有限差分 vega 低于下限或牛顿步跳出区间时改用二分。

package lsm

import (
	"context"
	"fmt"
	"math"

	"optpricer.com/pkg/pricing"
)

const (
	IVMinVol = 1e-6
	IVMaxVol = 3.0

	// DefaultIVSeed 未指定种子时使用的固定种子
	DefaultIVSeed uint64 = 42

	ivInitial        = 0.2
	ivPriceTolerance = 1e-4
	ivVolTolerance   = 1e-6
	ivMaxIter        = 50
	ivVegaFloor      = 1e-8
	ivVegaBump       = 1e-3
)

// ImpliedVolatility 由美式 (或欧式) 期权市场价反推 LSM 隐含波动率
//
// in.Sigma 被忽略；in.Seed 为空时使用 DefaultIVSeed。
func (e *Engine) ImpliedVolatility(ctx context.Context, in Input, marketPrice float64) (float64, error) {
	if math.IsNaN(marketPrice) || math.IsInf(marketPrice, 0) || marketPrice < 0 {
		return 0, fmt.Errorf("%w: market price must be finite and >= 0, got %v", pricing.ErrInvalidParameter, marketPrice)
	}
	if in.Seed == nil {
		in.Seed = pricing.Seed(DefaultIVSeed)
	}
	in.ReturnDiagnostics = false
	in.Sigma = ivInitial
	// 参数错误在任何模拟之前返回
	if _, _, err := in.validate(); err != nil {
		return 0, err
	}

	priceAt := func(sigma float64) (float64, error) {
		q := in
		q.Sigma = sigma
		res, err := e.Price(ctx, q)
		if err != nil {
			return 0, err
		}
		return res.Price, nil
	}

	lo, hi := IVMinVol, IVMaxVol
	pLo, err := priceAt(lo)
	if err != nil {
		return 0, err
	}
	pHi, err := priceAt(hi)
	if err != nil {
		return 0, err
	}
	if marketPrice < pLo-ivPriceTolerance || marketPrice > pHi+ivPriceTolerance {
		return 0, fmt.Errorf("%w: price=%v attainable=[%v, %v]", pricing.ErrPriceOutOfRange, marketPrice, pLo, pHi)
	}
	if math.Abs(pLo-marketPrice) < ivPriceTolerance {
		return lo, nil
	}
	if math.Abs(pHi-marketPrice) < ivPriceTolerance {
		return hi, nil
	}

	sigma := ivInitial
	for i := 0; i < ivMaxIter; i++ {
		v, err := priceAt(sigma)
		if err != nil {
			return 0, err
		}
		diff := v - marketPrice
		if math.Abs(diff) < ivPriceTolerance {
			return sigma, nil
		}
		if diff > 0 {
			hi = sigma
		} else {
			lo = sigma
		}
		if hi-lo < ivVolTolerance {
			return 0.5 * (lo + hi), nil
		}

		vega, err := fdVega(priceAt, sigma, v)
		if err != nil {
			return 0, err
		}
		next := math.NaN()
		if vega > ivVegaFloor {
			next = sigma - diff/vega
		}
		if math.IsNaN(next) || next <= lo || next >= hi {
			next = 0.5 * (lo + hi)
		}
		sigma = next
	}
	return 0, fmt.Errorf("%w: last sigma=%v bracket=[%v, %v]", pricing.ErrNoConvergence, sigma, lo, hi)
}

// fdVega 有限差分 vega，靠近上界时改用后向差分
func fdVega(priceAt func(float64) (float64, error), sigma, v float64) (float64, error) {
	h := ivVegaBump
	if sigma+h > IVMaxVol {
		h = -h
	}
	bumped, err := priceAt(sigma + h)
	if err != nil {
		return 0, err
	}
	return (bumped - v) / h, nil
}
