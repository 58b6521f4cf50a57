package blackscholes

import (
	"fmt"
	"math"

	"optpricer.com/pkg/pricing"
)

const (
	ivMinVol    = 1e-6
	ivMaxVol    = 5.0
	ivInitial   = 0.2
	ivTolerance = 1e-6
	ivMaxIter   = 100
	ivVegaFloor = 1e-8
)

// ImpliedVolatility 由市场价反推隐含波动率
//
// 牛顿迭代为主；vega 低于下限或牛顿步跳出当前区间时改用二分。
// 区间 [1e-6, 5]，价格误差 < 1e-6 视为收敛。
func ImpliedVolatility(kind pricing.OptionKind, p Params, marketPrice float64) (float64, error) {
	if err := kind.Validate(); err != nil {
		return 0, err
	}
	if err := p.validate(); err != nil {
		return 0, err
	}
	if p.T == 0 || math.IsNaN(marketPrice) || math.IsInf(marketPrice, 0) {
		return 0, fmt.Errorf("%w: implied vol needs T > 0 and a finite price", pricing.ErrInvalidParameter)
	}

	priceAt := func(sigma float64) (float64, error) {
		q := p
		q.Sigma = sigma
		v, err := Price(kind, q)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: price=%v at sigma=%v", pricing.ErrNumerical, v, sigma)
		}
		return v, nil
	}

	lo, hi := ivMinVol, ivMaxVol
	pLo, err := priceAt(lo)
	if err != nil {
		return 0, err
	}
	pHi, err := priceAt(hi)
	if err != nil {
		return 0, err
	}
	if marketPrice < pLo-ivTolerance || marketPrice > pHi+ivTolerance {
		return 0, fmt.Errorf("%w: price=%v", ErrPriceOutOfRange, marketPrice)
	}

	sigma := ivInitial
	for i := 0; i < ivMaxIter; i++ {
		v, err := priceAt(sigma)
		if err != nil {
			return 0, err
		}
		diff := v - marketPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, nil
		}

		// 价格随波动率单调递增，据此收缩区间
		if diff > 0 {
			hi = sigma
		} else {
			lo = sigma
		}

		q := p
		q.Sigma = sigma
		vega, err := Vega(q)
		next := math.NaN()
		if err == nil && vega > ivVegaFloor {
			next = sigma - diff/vega
		}
		if math.IsNaN(next) || next <= lo || next >= hi {
			next = 0.5 * (lo + hi)
		}
		sigma = next
	}
	return 0, fmt.Errorf("%w: last sigma=%v", ErrNoConvergence, sigma)
}
