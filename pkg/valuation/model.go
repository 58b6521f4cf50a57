// 文件: pkg/valuation/model.go
// 定价服务的数据模型
//
// Request   -> 外部请求 (HTTP / NATS / Kafka 共用)
// Valuation -> 一次定价的持久化记录 (valuations 表)

package valuation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"optpricer.com/pkg/pricing"
	"optpricer.com/pkg/pricing/blackscholes"
)

// 错误定义
var (
	ErrNotFound         = errors.New("valuation not found")
	ErrInvalidRequest   = errors.New("invalid valuation request")
	ErrUnsupportedStyle = errors.New("method does not support exercise style")
)

// =============================================================================
// 定价方法
// =============================================================================

// Method 定价方法
type Method string

const (
	MethodLSM          Method = "lsm"
	MethodBinomial     Method = "binomial"
	MethodBlackScholes Method = "black_scholes"
	MethodMonteCarlo   Method = "monte_carlo"
)

// Supports 方法能否处理该行权方式
// 解析解与欧式蒙特卡洛只能给欧式定价
func (m Method) Supports(style pricing.ExerciseStyle) bool {
	switch m {
	case MethodLSM, MethodBinomial:
		return true
	case MethodBlackScholes, MethodMonteCarlo:
		return style == pricing.European
	}
	return false
}

// Stochastic 结果是否依赖随机数
func (m Method) Stochastic() bool {
	return m == MethodLSM || m == MethodMonteCarlo
}

func (m Method) String() string { return string(m) }

// =============================================================================
// 请求
// =============================================================================

// Request 定价请求
// 零值字段在 Service 中用配置默认值补齐
type Request struct {
	Kind     string  `json:"kind" validate:"required,oneof=call put"`
	Style    string  `json:"style,omitempty" validate:"omitempty,oneof=american european"`
	Method   Method  `json:"method,omitempty" validate:"omitempty,oneof=lsm binomial black_scholes monte_carlo"`
	Spot     float64 `json:"spot" validate:"gt=0"`
	Strike   float64 `json:"strike" validate:"gt=0"`
	Maturity float64 `json:"maturity" validate:"gt=0"`
	Rate     float64 `json:"rate"`
	Vol      float64 `json:"vol" validate:"gte=0"`
	Dividend float64 `json:"dividend" validate:"gte=0"`

	Paths  int     `json:"paths,omitempty" validate:"gte=0"`
	Steps  int     `json:"steps,omitempty" validate:"gte=0"`
	Basis  string  `json:"basis,omitempty" validate:"omitempty,oneof=polynomial laguerre"`
	Degree *int    `json:"degree,omitempty" validate:"omitempty,gte=0,lte=10"`
	Seed   *uint64 `json:"seed,omitempty"`
}

// resolved 补齐默认值后的请求
type resolved struct {
	Kind   pricing.OptionKind
	Style  pricing.ExerciseStyle
	Method Method

	Spot, Strike, Maturity, Rate, Vol, Dividend float64

	Paths  int
	Steps  int
	Basis  string
	Degree int
	Seed   *uint64

	// Level 置信区间水平，决定持久化的 CILower / CIUpper
	Level float64
}

// reproducible 相同输入必然得到相同输出
func (r *resolved) reproducible() bool {
	return !r.Method.Stochastic() || r.Seed != nil
}

// fingerprint 规范化输入的 sha256
// 只有 reproducible 的请求才会用它查重
func (r *resolved) fingerprint() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	parts := []string{
		string(r.Method), string(r.Kind), string(r.Style),
		f(r.Spot), f(r.Strike), f(r.Maturity), f(r.Rate), f(r.Vol), f(r.Dividend),
		strconv.Itoa(r.Steps), f(r.Level),
	}
	if r.Method.Stochastic() {
		parts = append(parts, strconv.Itoa(r.Paths))
	}
	if r.Method == MethodLSM {
		parts = append(parts, r.Basis, strconv.Itoa(r.Degree))
	}
	if r.Seed != nil {
		parts = append(parts, strconv.FormatUint(*r.Seed, 10))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// 持久化记录
// =============================================================================

// Valuation 定价记录
type Valuation struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	Fingerprint string `gorm:"type:char(64);index:idx_fingerprint_created,priority:1" json:"fingerprint"`

	Method Method                `gorm:"type:varchar(16);not null" json:"method"`
	Kind   pricing.OptionKind    `gorm:"type:varchar(8);not null" json:"kind"`
	Style  pricing.ExerciseStyle `gorm:"type:varchar(16);not null" json:"style"`

	Spot     float64 `gorm:"not null" json:"spot"`
	Strike   float64 `gorm:"not null" json:"strike"`
	Maturity float64 `gorm:"not null" json:"maturity"`
	Rate     float64 `gorm:"not null" json:"rate"`
	Vol      float64 `gorm:"not null" json:"vol"`
	Dividend float64 `gorm:"not null" json:"dividend"`

	Paths  int     `json:"paths,omitempty"`
	Steps  int     `json:"steps"`
	Basis  string  `gorm:"type:varchar(16)" json:"basis,omitempty"`
	Degree int     `json:"degree,omitempty"`
	Seed   *uint64 `json:"seed,omitempty"`

	Price           decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"price"`
	StdError        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"std_error"`
	CILower         decimal.Decimal `gorm:"column:ci_lower;type:decimal(20,8)" json:"ci_lower"`
	CIUpper         decimal.Decimal `gorm:"column:ci_upper;type:decimal(20,8)" json:"ci_upper"`
	ConfidenceLevel float64         `json:"confidence_level"`

	RegressionFallbacks int                  `json:"regression_fallbacks"`
	ExerciseCount       int                  `json:"exercise_count"`
	Greeks              *blackscholes.Greeks `gorm:"serializer:json;type:json" json:"greeks,omitempty"`

	DurationMs int64 `json:"duration_ms"`
	CreatedAt  int64 `gorm:"index:idx_fingerprint_created,priority:2" json:"created_at"`

	// Cached 结果来自已有记录
	Cached bool `gorm:"-" json:"cached"`
}

// TableName GORM 表名
func (Valuation) TableName() string {
	return "valuations"
}

// PriceFloat 价格的 float64 形式
func (v *Valuation) PriceFloat() float64 {
	return v.Price.InexactFloat64()
}

// =============================================================================
// 隐含波动率
// =============================================================================

// ImpliedVolRequest 隐含波动率请求
// style 为空或 european 时用 Black-Scholes 反解；american 时用固定种子的 LSM 反解，
// 此时 paths / steps / basis / degree / seed 生效，零值取配置默认
type ImpliedVolRequest struct {
	Kind     string  `json:"kind" validate:"required,oneof=call put"`
	Style    string  `json:"style,omitempty" validate:"omitempty,oneof=american european"`
	Spot     float64 `json:"spot" validate:"gt=0"`
	Strike   float64 `json:"strike" validate:"gt=0"`
	Maturity float64 `json:"maturity" validate:"gt=0"`
	Rate     float64 `json:"rate"`
	Dividend float64 `json:"dividend" validate:"gte=0"`
	Price    float64 `json:"price" validate:"gt=0"`

	Paths  int     `json:"paths,omitempty" validate:"gte=0"`
	Steps  int     `json:"steps,omitempty" validate:"gte=0"`
	Basis  string  `json:"basis,omitempty" validate:"omitempty,oneof=polynomial laguerre"`
	Degree *int    `json:"degree,omitempty" validate:"omitempty,gte=0,lte=10"`
	Seed   *uint64 `json:"seed,omitempty"`
}

// ImpliedVolResult 隐含波动率结果
// 欧式反解附带该波动率下的 Black-Scholes 希腊值
type ImpliedVolResult struct {
	ImpliedVol float64               `json:"implied_vol"`
	Style      pricing.ExerciseStyle `json:"style"`
	Method     Method                `json:"method"`
	Seed       *uint64               `json:"seed,omitempty"`
	Greeks     *blackscholes.Greeks  `json:"greeks,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
