// 文件: pkg/pricing/regression/regressor.go
// 延续价值回归器
//
// 在实值路径上拟合 "下一期折现现金流 ~ 基函数(状态变量)"，
// 并在同一批点上给出延续价值预测。
//
// 【数值策略】
//  0. 设计矩阵逐列缩放到单位范数，求解后把 β 按列范数还原
//  1. QR 最小二乘 (条件数只随 cond(X) 增长)
//  2. QR 病态 -> 正规方程 (XᵀX + λ·tr(XᵀX)·I) β = Xᵀy，Cholesky 求解
//  3. Cholesky 失败或 β 非有限 -> SVD 最小范数解
//  4. 样本数 < degree+1 -> 直接返回 y 的均值
//
// 缩放后 XᵀX 对角线全为 1，岭项只压制真正共线的方向，
// 不会像未缩放的单项式基那样把常数项和低阶系数一起压扁。

package regression

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"optpricer.com/pkg/pricing"
)

var (
	// ErrLengthMismatch x 与 y 长度不一致
	ErrLengthMismatch = errors.New("regression: x and y length mismatch")
	// ErrSingular 设计矩阵退化，无法给出有限解
	ErrSingular = errors.New("regression: singular design matrix")
)

const (
	Polynomial = "polynomial"
	Laguerre   = "laguerre"

	// ridgeFactor 正则项相对 tr(XᵀX) 的比例
	ridgeFactor = 1e-10
	// svdRcond SVD 截断的相对奇异值阈值
	svdRcond = 1e-12
	// qrMaxCond QR 可接受的最大条件数，超过视为秩亏
	qrMaxCond = 1 / svdRcond
)

// Regressor 回归策略
type Regressor interface {
	// FitPredict 用 (xTrain, yTrain) 拟合，返回 xEval 上的预测值
	FitPredict(xTrain, yTrain, xEval []float64) ([]float64, error)
	// Name 基函数族名称
	Name() string
	// Degree 最高阶数
	Degree() int
}

// New 按名称创建回归器
func New(name string, degree int) (Regressor, error) {
	if degree < 0 {
		return nil, fmt.Errorf("%w: regression degree must be >= 0, got %d", pricing.ErrInvalidParameter, degree)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Polynomial:
		return NewPolynomial(degree), nil
	case Laguerre:
		return NewLaguerre(degree), nil
	}
	return nil, fmt.Errorf("%w: %q", pricing.ErrInvalidBasis, name)
}

// =============================================================================
// 基函数族
// =============================================================================

// basisFunc 在 x 处计算 degree+1 个基函数值，写入 dst
type basisFunc func(x float64, dst []float64)

// PolynomialBasis 1, x, x², ..., x^d
type PolynomialBasis struct {
	degree int
}

// NewPolynomial 创建多项式回归器
func NewPolynomial(degree int) *PolynomialBasis {
	return &PolynomialBasis{degree: degree}
}

func (p *PolynomialBasis) Name() string { return Polynomial }
func (p *PolynomialBasis) Degree() int  { return p.degree }

// FitPredict 实现 Regressor
func (p *PolynomialBasis) FitPredict(xTrain, yTrain, xEval []float64) ([]float64, error) {
	return fitPredict(p.degree, powers, xTrain, yTrain, xEval)
}

func powers(x float64, dst []float64) {
	v := 1.0
	for i := range dst {
		dst[i] = v
		v *= x
	}
}

// LaguerreBasis L_0(x) ... L_d(x)
//
//	L_0 = 1
//	L_1 = 1 - x
//	L_{k+1} = ((2k + 1 - x)·L_k - k·L_{k-1}) / (k + 1)
type LaguerreBasis struct {
	degree int
}

// NewLaguerre 创建 Laguerre 回归器
func NewLaguerre(degree int) *LaguerreBasis {
	return &LaguerreBasis{degree: degree}
}

func (l *LaguerreBasis) Name() string { return Laguerre }
func (l *LaguerreBasis) Degree() int  { return l.degree }

// FitPredict 实现 Regressor
func (l *LaguerreBasis) FitPredict(xTrain, yTrain, xEval []float64) ([]float64, error) {
	return fitPredict(l.degree, laguerre, xTrain, yTrain, xEval)
}

func laguerre(x float64, dst []float64) {
	dst[0] = 1
	if len(dst) == 1 {
		return
	}
	dst[1] = 1 - x
	for k := 1; k+1 < len(dst); k++ {
		fk := float64(k)
		dst[k+1] = ((2*fk+1-x)*dst[k] - fk*dst[k-1]) / (fk + 1)
	}
}

// =============================================================================
// 最小二乘
// =============================================================================

func fitPredict(degree int, basis basisFunc, xTrain, yTrain, xEval []float64) ([]float64, error) {
	if len(xTrain) != len(yTrain) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(xTrain), len(yTrain))
	}
	out := make([]float64, len(xEval))
	n := len(xTrain)
	if n == 0 {
		return out, nil
	}

	m := degree + 1
	if n < m {
		mean := stat.Mean(yTrain, nil)
		for i := range out {
			out[i] = mean
		}
		return out, nil
	}

	x := designMatrix(basis, xTrain, m)
	y := mat.NewVecDense(n, yTrain)
	norms := scaleColumns(x)

	beta, err := solveQR(x, y, m)
	if err != nil {
		beta, err = solveNormal(x, y, m)
	}
	if err != nil {
		beta, err = solveMinNorm(x, y, m)
		if err != nil {
			return nil, err
		}
	}
	for j, c := range norms {
		beta.SetVec(j, beta.AtVec(j)/c)
	}

	row := make([]float64, m)
	for i, xe := range xEval {
		basis(xe, row)
		v := 0.0
		for j := 0; j < m; j++ {
			v += row[j] * beta.AtVec(j)
		}
		if !finite(v) {
			return nil, fmt.Errorf("%w: non-finite prediction at x=%v", ErrSingular, xe)
		}
		out[i] = v
	}
	return out, nil
}

func designMatrix(basis basisFunc, xs []float64, m int) *mat.Dense {
	data := make([]float64, len(xs)*m)
	for i, x := range xs {
		basis(x, data[i*m:(i+1)*m])
	}
	return mat.NewDense(len(xs), m, data)
}

// scaleColumns 把每列缩放到单位 2-范数，返回原列范数 (零列记为 1)
func scaleColumns(x *mat.Dense) []float64 {
	r, c := x.Dims()
	norms := make([]float64, c)
	for j := 0; j < c; j++ {
		nrm := mat.Norm(x.ColView(j), 2)
		if nrm == 0 || !finite(nrm) {
			nrm = 1
		}
		norms[j] = nrm
		for i := 0; i < r; i++ {
			x.Set(i, j, x.At(i, j)/nrm)
		}
	}
	return norms
}

// solveQR Householder QR 最小二乘
func solveQR(x *mat.Dense, y *mat.VecDense, m int) (*mat.VecDense, error) {
	var qr mat.QR
	qr.Factorize(x)
	if c := qr.Cond(); c > qrMaxCond || math.IsNaN(c) {
		return nil, fmt.Errorf("%w: qr condition %.3g", ErrSingular, c)
	}
	beta := mat.NewVecDense(m, nil)
	if err := qr.SolveVecTo(beta, false, y); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	if !finiteVec(beta) {
		return nil, ErrSingular
	}
	return beta, nil
}

// solveNormal 带迹缩放岭项的正规方程
func solveNormal(x *mat.Dense, y *mat.VecDense, m int) (*mat.VecDense, error) {
	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())

	ridge := ridgeFactor * mat.Trace(&xtx)
	for i := 0; i < m; i++ {
		xtx.SetSym(i, i, xtx.At(i, i)+ridge)
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, ErrSingular
	}
	beta := mat.NewVecDense(m, nil)
	if err := chol.SolveVecTo(beta, &xty); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	if !finiteVec(beta) {
		return nil, ErrSingular
	}
	return beta, nil
}

// solveMinNorm 伪逆最小范数解
func solveMinNorm(x *mat.Dense, y *mat.VecDense, m int) (*mat.VecDense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, ErrSingular
	}
	rank := svd.Rank(svdRcond)
	if rank == 0 {
		return nil, ErrSingular
	}
	beta := mat.NewVecDense(m, nil)
	svd.SolveVecTo(beta, y, rank)
	if !finiteVec(beta) {
		return nil, ErrSingular
	}
	return beta, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if !finite(v.AtVec(i)) {
			return false
		}
	}
	return true
}
