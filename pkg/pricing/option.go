// 文件: pkg/pricing/option.go
// 期权定价公共定义: 期权类型、行权方式、错误、收益函数
//
// 所有模型包 (gbm / regression / lsm / blackscholes / binomial / montecarlo)
// 共享这里的词汇，避免各自重复定义 call/put。

package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrInvalidParameter 参数非法 (T<=0, 步数/路径数<=0, 波动率<0 等)
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidOptionType 期权类型既不是 call 也不是 put
	ErrInvalidOptionType = errors.New("invalid option type")
	// ErrInvalidBasis 未知的回归基函数
	ErrInvalidBasis = errors.New("invalid regression basis")
	// ErrInvalidExerciseStyle 未知的行权方式
	ErrInvalidExerciseStyle = errors.New("invalid exercise style")
	// ErrNumerical 计算结果出现 NaN/Inf
	ErrNumerical = errors.New("numerical failure")
	// ErrNoConvergence 隐含波动率迭代未收敛
	ErrNoConvergence = errors.New("implied volatility: failed to converge")
	// ErrPriceOutOfRange 市场价超出 [σ下界, σ上界] 对应的理论价格范围
	ErrPriceOutOfRange = errors.New("implied volatility: market price out of attainable range")
)

// =============================================================================
// OptionKind 期权类型
// =============================================================================

// OptionKind 看涨 / 看跌
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// ParseOptionKind 解析字符串 (大小写不敏感)
func ParseOptionKind(s string) (OptionKind, error) {
	k := OptionKind(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Validate 检查类型合法
func (k OptionKind) Validate() error {
	switch k {
	case Call, Put:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidOptionType, string(k))
}

func (k OptionKind) String() string { return string(k) }

// Payoff 立即行权收益
// call: max(S - K, 0)
// put:  max(K - S, 0)
func (k OptionKind) Payoff(spot, strike float64) float64 {
	if k == Call {
		return math.Max(spot-strike, 0)
	}
	return math.Max(strike-spot, 0)
}

// =============================================================================
// ExerciseStyle 行权方式
// =============================================================================

// ExerciseStyle 美式 / 欧式
type ExerciseStyle string

const (
	American ExerciseStyle = "american"
	European ExerciseStyle = "european"
)

// ParseExerciseStyle 解析字符串，空串默认为美式
func ParseExerciseStyle(s string) (ExerciseStyle, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return American, nil
	}
	st := ExerciseStyle(s)
	if err := st.Validate(); err != nil {
		return "", err
	}
	return st, nil
}

// Validate 检查行权方式合法
func (s ExerciseStyle) Validate() error {
	switch s {
	case American, European:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidExerciseStyle, string(s))
}

func (s ExerciseStyle) String() string { return string(s) }

// =============================================================================
// 参数校验辅助
// =============================================================================

// CheckFinite 所有参数必须是有限数
func CheckFinite(fields map[string]float64) error {
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidParameter, name)
		}
	}
	return nil
}

// Seed 返回种子指针，便于构造可复现的输入
func Seed(v uint64) *uint64 { return &v }
