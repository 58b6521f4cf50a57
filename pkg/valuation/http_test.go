package valuation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optpricer.com/pkg/pricing"
)

func newTestRouter(t *testing.T) (http.Handler, *fixture) {
	t.Helper()
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	require.NoError(t, f.metrics.Register(reg))
	return NewHandler(f.svc, 0).Routes(reg), f
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_CreateAndGetValuation(t *testing.T) {
	h, _ := newTestRouter(t)
	body := Request{Kind: "call", Style: "european", Method: MethodBlackScholes, Spot: 100, Strike: 100, Maturity: 1, Rate: 0.05, Vol: 0.2}

	rec := doJSON(t, h, http.MethodPost, "/v1/valuations", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Valuation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.InDelta(t, 10.4506, created.PriceFloat(), 1e-4)
	assert.NotNil(t, created.Greeks)

	// 同样的确定性请求直接返回已有记录
	rec = doJSON(t, h, http.MethodPost, "/v1/valuations", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var again Valuation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.True(t, again.Cached)
	assert.Equal(t, created.ID, again.ID)

	rec = doJSON(t, h, http.MethodGet, "/v1/valuations/"+strconv.FormatInt(created.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got Valuation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, created.Price.Equal(got.Price))

	rec = doJSON(t, h, http.MethodGet, "/v1/valuations?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Valuation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestHTTP_Errors(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown id", http.MethodGet, "/v1/valuations/123", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/v1/valuations/abc", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/valuations?limit=x", nil, http.StatusBadRequest},
		{"invalid kind", http.MethodPost, "/v1/valuations", Request{Kind: "fwd", Spot: 1, Strike: 1, Maturity: 1}, http.StatusBadRequest},
		{"unsupported style", http.MethodPost, "/v1/valuations", Request{Kind: "put", Method: MethodBlackScholes, Spot: 1, Strike: 1, Maturity: 1}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/v1/valuations", "not an object", http.StatusBadRequest},
		{"iv out of range", http.MethodPost, "/v1/implied-vol", ImpliedVolRequest{Kind: "call", Spot: 100, Strike: 100, Maturity: 1, Price: 150}, http.StatusUnprocessableEntity},
		{"american iv out of range", http.MethodPost, "/v1/implied-vol", ImpliedVolRequest{Kind: "put", Style: "american", Spot: 36, Strike: 40, Maturity: 1, Rate: 0.06, Price: 45, Paths: 500, Steps: 10}, http.StatusUnprocessableEntity},
		{"iv unknown style", http.MethodPost, "/v1/implied-vol", ImpliedVolRequest{Kind: "put", Style: "asian", Spot: 36, Strike: 40, Maturity: 1, Price: 4}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHTTP_ImpliedVol(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/implied-vol", ImpliedVolRequest{
		Kind: "call", Spot: 100, Strike: 100, Maturity: 1, Rate: 0.05, Price: 10.450583572185565,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res ImpliedVolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.InDelta(t, 0.2, res.ImpliedVol, 1e-5)
}

func TestHTTP_AmericanImpliedVol(t *testing.T) {
	h, _ := newTestRouter(t)
	price := Request{Kind: "put", Spot: 36, Strike: 40, Maturity: 1, Rate: 0.06, Vol: 0.25, Paths: 3000, Steps: 25, Seed: pricing.Seed(3)}
	rec := doJSON(t, h, http.MethodPost, "/v1/valuations", price)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v Valuation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	rec = doJSON(t, h, http.MethodPost, "/v1/implied-vol", ImpliedVolRequest{
		Kind: "put", Style: "american", Spot: 36, Strike: 40, Maturity: 1, Rate: 0.06,
		Price: v.PriceFloat(), Paths: 3000, Steps: 25, Seed: pricing.Seed(3),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res ImpliedVolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.InDelta(t, 0.25, res.ImpliedVol, 1e-3)
	assert.Equal(t, MethodLSM, res.Method)
	assert.Nil(t, res.Greeks)
}

func TestHTTP_PricingDeadlineAnswersBeforeWriteTimeout(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewUnstartedServer(NewHandler(f.svc, time.Nanosecond).Routes(nil))
	srv.Config.WriteTimeout = 5 * time.Second
	srv.Start()
	defer srv.Close()

	post := func(path string, body any) *http.Response {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		resp, err := srv.Client().Post(srv.URL+path, "application/json", &buf)
		require.NoError(t, err)
		return resp
	}

	for path, body := range map[string]any{
		"/v1/valuations": Request{Kind: "put", Spot: 100, Strike: 100, Maturity: 1, Vol: 0.2, Paths: 50000},
		"/v1/implied-vol": ImpliedVolRequest{
			Kind: "put", Style: "american", Spot: 36, Strike: 40, Maturity: 1, Rate: 0.06, Price: 4.5,
		},
	} {
		resp := post(path, body)
		var e ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&e), path)
		resp.Body.Close()
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode, path)
		assert.Contains(t, e.Error, "deadline", path)
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	doJSON(t, h, http.MethodPost, "/v1/valuations", Request{Kind: "put", Method: MethodBinomial, Spot: 100, Strike: 100, Maturity: 1, Vol: 0.2})
	rec = doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `optpricer_test_valuations_total{method="binomial",status="ok"} 1`)
}
