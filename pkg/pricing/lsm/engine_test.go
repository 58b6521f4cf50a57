// 文件: pkg/pricing/lsm/engine_test.go
// LSM 引擎性质测试

package lsm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"optpricer.com/pkg/pricing"
	"optpricer.com/pkg/pricing/binomial"
	"optpricer.com/pkg/pricing/blackscholes"
	"optpricer.com/pkg/pricing/gbm"
	"optpricer.com/pkg/pricing/regression"
)

// =============================================================================
// 测试辅助
// =============================================================================

func atmPut() Input {
	return Input{
		S0: 100, K: 100, T: 1, R: 0.05, Sigma: 0.2, Q: 0,
		NSteps: 50, NPaths: 20000,
		Kind:   pricing.Put,
		Basis:  regression.Polynomial,
		Degree: 2,
		Seed:   pricing.Seed(2024),
	}
}

func bsPrice(t *testing.T, in Input) float64 {
	t.Helper()
	v, err := blackscholes.Price(in.Kind, blackscholes.Params{
		S: in.S0, K: in.K, T: in.T, R: in.R, Q: in.Q, Sigma: in.Sigma,
	})
	require.NoError(t, err)
	return v
}

// countingSource 记录模拟调用次数
type countingSource struct {
	calls int
	inner *gbm.Simulator
}

func (c *countingSource) Simulate(ctx context.Context, p gbm.Params, seed *uint64) (*mat.Dense, error) {
	c.calls++
	return c.inner.Simulate(ctx, p, seed)
}

// =============================================================================
// 收敛性
// =============================================================================

func TestPrice_EuropeanStyleConvergesToBlackScholes(t *testing.T) {
	// 只允许到期行权时，LSM 等价于欧式蒙特卡洛
	engine := NewEngine()
	in := atmPut()
	in.NPaths = 50000
	in.Style = pricing.European
	bs := bsPrice(t, in)
	require.InDelta(t, 5.5735260223, bs, 1e-9)

	inside := 0
	seeds := []uint64{1, 2, 3, 4, 5}
	for _, seed := range seeds {
		in.Seed = pricing.Seed(seed)
		res, err := engine.Price(context.Background(), in)
		require.NoError(t, err)
		if math.Abs(res.Price-bs) <= 3*res.StdError {
			inside++
		}
	}
	assert.GreaterOrEqual(t, inside, len(seeds)-1, "most seeds should land within 3 SE")
}

func TestPrice_AmericanCallWithoutDividendMatchesBlackScholes(t *testing.T) {
	engine := NewEngine()
	in := atmPut()
	in.Kind = pricing.Call
	in.NPaths = 50000
	bs := bsPrice(t, in)

	inside := 0
	seeds := []uint64{7, 8, 9}
	for _, seed := range seeds {
		in.Seed = pricing.Seed(seed)
		res, err := engine.Price(context.Background(), in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Price+1e-2+3*res.StdError, bs)
		if math.Abs(res.Price-bs) <= 3*res.StdError {
			inside++
		}
	}
	assert.GreaterOrEqual(t, inside, len(seeds)-1)
}

func TestPrice_HighDegreeAmericanCallDoesNotExerciseEarly(t *testing.T) {
	// 无分红看涨永不提前行权；高阶单项式基下回归仍须给出正确的延续价值
	engine := NewEngine()
	in := Input{
		S0: 100, K: 100, T: 2, R: 0.05, Sigma: 0.2,
		NSteps: 50, NPaths: 50000,
		Kind:   pricing.Call,
		Basis:  regression.Polynomial,
		Degree: 10,
	}
	bs := bsPrice(t, in)

	inside := 0
	seeds := []uint64{1, 2, 3}
	for _, seed := range seeds {
		in.Seed = pricing.Seed(seed)
		res, err := engine.Price(context.Background(), in)
		require.NoError(t, err)
		assert.Less(t, res.ExerciseCount, in.NPaths/50, "seed %d", seed)
		assert.GreaterOrEqual(t, res.Price+1e-2+3*res.StdError, bs, "seed %d", seed)
		if math.Abs(res.Price-bs) <= 3*res.StdError {
			inside++
		}
	}
	assert.GreaterOrEqual(t, inside, len(seeds)-1)
}

func TestPrice_AmericanPutCloseToBinomial(t *testing.T) {
	tree, err := binomial.Price(binomial.Params{S: 100, K: 100, T: 1, R: 0.05, Sigma: 0.2, Steps: 1000},
		pricing.Put, pricing.American)
	require.NoError(t, err)

	engine := NewEngine()
	for _, basis := range []string{regression.Polynomial, regression.Laguerre} {
		in := atmPut()
		in.Basis = basis
		in.Degree = 3
		res, err := engine.Price(context.Background(), in)
		require.NoError(t, err)
		assert.InDelta(t, tree.Price, res.Price, 0.15, basis)
		assert.Equal(t, basis, res.Basis)
	}
}

// =============================================================================
// 无套利下界
// =============================================================================

func TestPrice_AmericanNotBelowEuropean(t *testing.T) {
	engine := NewEngine()
	cases := []struct {
		name string
		mut  func(*Input)
	}{
		{"atm put", func(in *Input) {}},
		{"itm put", func(in *Input) { in.S0 = 90 }},
		{"put with dividend", func(in *Input) { in.Q = 0.03 }},
		{"laguerre put", func(in *Input) { in.Basis = regression.Laguerre }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in := atmPut()
			c.mut(&in)
			res, err := engine.Price(context.Background(), in)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.Price+1e-2, bsPrice(t, in))
		})
	}
}

// =============================================================================
// 可复现性
// =============================================================================

func TestPrice_DeterministicUnderFixedSeed(t *testing.T) {
	in := atmPut()
	in.NPaths = 12000

	a, err := NewEngine(WithWorkers(1)).Price(context.Background(), in)
	require.NoError(t, err)
	b, err := NewEngine(WithWorkers(8), WithChunkSize(1000)).Price(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, a.Price, b.Price)
	assert.Equal(t, a.StdError, b.StdError)
	assert.Equal(t, a.ExerciseCount, b.ExerciseCount)

	in.Seed = pricing.Seed(2025)
	c, err := NewEngine().Price(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, a.Price, c.Price)
}

// =============================================================================
// 退化情形
// =============================================================================

func TestPrice_DegenerateRegressionDoesNotFail(t *testing.T) {
	in := atmPut()
	in.NPaths = 5
	in.Degree = 4

	for _, basis := range []string{regression.Polynomial, regression.Laguerre} {
		in.Basis = basis
		res, err := NewEngine().Price(context.Background(), in)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(res.Price) || math.IsInf(res.Price, 0))
		assert.False(t, math.IsNaN(res.StdError) || math.IsInf(res.StdError, 0))
	}
}

func TestPrice_SinglePath(t *testing.T) {
	in := atmPut()
	in.NPaths = 1
	res, err := NewEngine().Price(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.StdError)
}

func TestPrice_ZeroVolatility(t *testing.T) {
	// 所有路径相同，ITM 子集方差为 0
	in := atmPut()
	in.S0 = 90
	in.Sigma = 0
	in.NPaths = 200

	res, err := NewEngine().Price(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(res.Price))
	assert.GreaterOrEqual(t, res.Price+1e-9, bsPrice(t, in))
	assert.LessOrEqual(t, res.Price, 10.0)
	assert.InDelta(t, 0.0, res.StdError, 1e-9)
}

func TestPrice_SingleStep(t *testing.T) {
	// 只有一步时没有提前行权机会
	in := atmPut()
	in.NSteps = 1
	in.NPaths = 50000
	res, err := NewEngine().Price(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExerciseCount)
	assert.InDelta(t, bsPrice(t, in), res.Price, 4*res.StdError)
}

// =============================================================================
// 单调性与边界
// =============================================================================

func TestPrice_MonotoneInVolatility(t *testing.T) {
	engine := NewEngine()
	prev := -1.0
	for _, sigma := range []float64{0.1, 0.2, 0.4} {
		in := atmPut()
		in.Sigma = sigma
		res, err := engine.Price(context.Background(), in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Price, prev, "sigma=%v", sigma)
		prev = res.Price
	}
}

func TestPrice_ShortMaturityApproachesIntrinsic(t *testing.T) {
	cases := []struct {
		kind pricing.OptionKind
		s0   float64
		want float64
	}{
		{pricing.Put, 90, 10},
		{pricing.Put, 110, 0},
		{pricing.Call, 110, 10},
		{pricing.Call, 90, 0},
	}
	for _, c := range cases {
		in := atmPut()
		in.Kind = c.kind
		in.S0 = c.s0
		in.T = 1e-8
		in.NSteps = 10
		in.NPaths = 2000

		res, err := NewEngine().Price(context.Background(), in)
		require.NoError(t, err)
		assert.InDelta(t, c.want, res.Price, 1e-3, "%s S0=%v", c.kind, c.s0)
	}
}

// =============================================================================
// 校验
// =============================================================================

func TestPrice_InvalidOptionTypeFailsBeforeSimulation(t *testing.T) {
	src := &countingSource{inner: gbm.NewSimulator()}
	engine := NewEngine(WithPathSource(src))

	in := atmPut()
	in.Kind = "butterfly"
	_, err := engine.Price(context.Background(), in)
	require.ErrorIs(t, err, pricing.ErrInvalidOptionType)
	assert.Equal(t, 0, src.calls)

	_, err = engine.Price(context.Background(), atmPut())
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestPrice_InvalidParameters(t *testing.T) {
	src := &countingSource{inner: gbm.NewSimulator()}
	engine := NewEngine(WithPathSource(src))

	cases := map[string]struct {
		mut  func(*Input)
		want error
	}{
		"T zero":          {func(in *Input) { in.T = 0 }, pricing.ErrInvalidParameter},
		"steps zero":      {func(in *Input) { in.NSteps = 0 }, pricing.ErrInvalidParameter},
		"paths negative":  {func(in *Input) { in.NPaths = -1 }, pricing.ErrInvalidParameter},
		"sigma negative":  {func(in *Input) { in.Sigma = -0.2 }, pricing.ErrInvalidParameter},
		"strike zero":     {func(in *Input) { in.K = 0 }, pricing.ErrInvalidParameter},
		"dividend < 0":    {func(in *Input) { in.Q = -0.01 }, pricing.ErrInvalidParameter},
		"degree negative": {func(in *Input) { in.Degree = -1 }, pricing.ErrInvalidParameter},
		"unknown basis":   {func(in *Input) { in.Basis = "hermite" }, pricing.ErrInvalidBasis},
		"unknown style":   {func(in *Input) { in.Style = "bermudan" }, pricing.ErrInvalidExerciseStyle},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			in := atmPut()
			c.mut(&in)
			_, err := engine.Price(context.Background(), in)
			require.ErrorIs(t, err, c.want)
		})
	}
	assert.Equal(t, 0, src.calls)
}

func TestPrice_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine().Price(ctx, atmPut())
	require.ErrorIs(t, err, context.Canceled)
}

// failingRegressor 每次拟合都报奇异
type failingRegressor struct {
	degree int
	calls  int
}

func (f *failingRegressor) FitPredict(_, _, _ []float64) ([]float64, error) {
	f.calls++
	return nil, regression.ErrSingular
}
func (f *failingRegressor) Name() string { return "failing" }
func (f *failingRegressor) Degree() int  { return f.degree }

// fallbackPaths 5 条路径 4 步；第 2 步只有 2 条实值路径
func fallbackPaths() *mat.Dense {
	paths := mat.NewDense(5, 5, nil)
	for i := 0; i < 5; i++ {
		s2 := 110.0
		if i < 2 {
			s2 = 90
		}
		paths.SetRow(i, []float64{100, 90, s2, 90, 95})
	}
	return paths
}

func fallbackInput() Input {
	return Input{
		S0: 100, K: 100, T: 1, R: 0,
		NSteps: 4, NPaths: 5,
		Kind: pricing.Put,
	}
}

func TestSweep_RegressionErrorFallsBackToMean(t *testing.T) {
	reg := &failingRegressor{degree: 1}
	s := newSweep(NewEngine(WithWorkers(1)), fallbackInput(), reg, fallbackPaths())

	copy(s.exercise, []float64{10, 10, 0, 10, 0})
	copy(s.cash, []float64{1, 2, 100, 6, 50})
	s.collectITM(1)
	require.Equal(t, []int{0, 1, 3}, s.itm)

	cont := s.continuation(1)
	assert.Equal(t, []float64{3, 3, 3}, cont)
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, 1, s.fallbacks)
}

func TestSweep_FallbackCountedOncePerFailingStep(t *testing.T) {
	reg := &failingRegressor{degree: 1}
	s := newSweep(NewEngine(WithWorkers(1)), fallbackInput(), reg, fallbackPaths())
	require.NoError(t, s.run(context.Background(), pricing.American))

	// 第 3、1 步实值路径数 5 > degree+1，回归失败各计一次；
	// 第 2 步只有 2 条，直接用均值，不调用回归
	assert.Equal(t, 2, reg.calls)
	assert.Equal(t, 2, s.fallbacks)

	// 均值延续价值 = 10，每步都以 10 行权
	assert.Equal(t, []float64{10, 10, 10, 10, 10}, s.cash)
	assert.Equal(t, []int{1, 1, 1, 1, 1}, s.stop)
}

// =============================================================================
// 诊断输出
// =============================================================================

func TestPrice_Diagnostics(t *testing.T) {
	in := atmPut()
	in.NPaths = 3000
	in.NSteps = 20
	in.ReturnDiagnostics = true

	res, err := NewEngine().Price(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, res.Paths)
	require.Len(t, res.Exercise, in.NPaths)

	rows, cols := res.Paths.Dims()
	assert.Equal(t, in.NPaths, rows)
	assert.Equal(t, in.NSteps+1, cols)

	early := 0
	for i, row := range res.Exercise {
		require.Len(t, row, in.NSteps+1)
		assert.False(t, row[0], "never exercise at valuation date")
		marks := 0
		for step, ex := range row {
			if !ex {
				continue
			}
			marks++
			// 行权点必须实值
			assert.Greater(t, in.Kind.Payoff(res.Paths.At(i, step), in.K), 0.0)
			if step < in.NSteps {
				early++
			}
		}
		assert.LessOrEqual(t, marks, 1)
	}
	assert.Equal(t, res.ExerciseCount, early)
	assert.Greater(t, early, 0)

	assert.Equal(t, Method, res.Method)
	assert.Equal(t, pricing.American, res.Style)
	assert.Equal(t, in.NPaths, res.NPaths)

	in.ReturnDiagnostics = false
	plain, err := NewEngine().Price(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, plain.Paths)
	assert.Nil(t, plain.Exercise)
	assert.Equal(t, res.Price, plain.Price)
}

// =============================================================================
// Benchmark
// =============================================================================

func BenchmarkPrice_10kPaths100Steps(b *testing.B) {
	engine := NewEngine()
	in := atmPut()
	in.NPaths = 10000
	in.NSteps = 100
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Price(context.Background(), in); err != nil {
			b.Fatal(err)
		}
	}
}
