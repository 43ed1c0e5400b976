package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/buildtall-systems/dropship/internal/db"
	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/fulfillment"
	"github.com/buildtall-systems/dropship/internal/metrics"
	"github.com/buildtall-systems/dropship/internal/orchestrator"
	"github.com/buildtall-systems/dropship/internal/providers"
	"github.com/buildtall-systems/dropship/internal/resilience"
	"github.com/buildtall-systems/dropship/internal/settlement"
	"github.com/buildtall-systems/dropship/internal/workflow"
)

const testToken = "s3cret-operator-token"

type testEnv struct {
	app      *fiber.App
	breakers *resilience.Registry
}

func newTestApp(t *testing.T, mutate func(*Deps, *Config)) *testEnv {
	t.Helper()

	database, err := db.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate())
	t.Cleanup(func() { _ = database.Close() })

	rates, err := settlement.NewRateTable(map[string]string{"USD_CLP": "950.75"})
	require.NoError(t, err)

	set := providers.NewSet(nil, providers.NewSimulated())
	breakers := resilience.NewRegistry(resilience.DefaultSettings())
	wf := workflow.New(database, nil)
	ctl := fulfillment.New(database, breakers, set)
	orch := orchestrator.New(orchestrator.Deps{
		Workflow:    wf,
		Fulfillment: ctl,
		Sales:       database,
		Providers:   set,
		Breakers:    breakers,
		Rates:       rates,
	}, orchestrator.Settings{
		Currency:           "CLP",
		TargetMargin:       decimal.RequireFromString("0.20"),
		MarketplaceFee:     decimal.RequireFromString("0.13"),
		PlatformCommission: decimal.RequireFromString("0.05"),
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)

	deps := Deps{
		Orchestrator: orch,
		Fulfillment:  ctl,
		Workflow:     wf,
		Breakers:     breakers,
		Metrics:      metrics.NewRegistry(),
		Ping:         database.PingContext,
	}
	cfg := Config{TokenHash: string(hash), Parallel: 2}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	return &testEnv{app: New(deps, cfg), breakers: breakers}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	env := newTestApp(t, nil)
	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	down := newTestApp(t, func(d *Deps, _ *Config) {
		d.Ping = func(context.Context) error { return errors.New("database is locked") }
	})
	resp, body = down.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "database is locked", body["error"])
}

func TestAuth(t *testing.T) {
	env := newTestApp(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/breakers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := env.app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRunCycleAndInspectProduct(t *testing.T) {
	env := newTestApp(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/cycles", `{"keyword":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "keyword is required", body["error"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/cycles",
		`{"keyword":"smartwatch","maxCapital":{"amountMinor":5000,"currency":"USD"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "currency mismatch")

	resp, body = env.do(t, http.MethodPost, "/api/v1/cycles", `{"keyword":"smartwatch","skipPostSale":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	stages := body["stages"].([]any)
	require.Len(t, stages, 10)
	assert.Equal(t, "trends", stages[0].(map[string]any)["stage"])
	assert.Equal(t, false, stages[0].(map[string]any)["real"], "simulated providers are not real")

	productID := body["productId"].(string)
	resp, body = env.do(t, http.MethodGet, "/api/v1/products/"+productID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	product := body["product"].(map[string]any)
	assert.Equal(t, string(domain.ProductPublished), product["status"])
	assert.NotEmpty(t, body["timeline"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/products/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStageActions(t *testing.T) {
	env := newTestApp(t, nil)
	_, body := env.do(t, http.MethodPost, "/api/v1/cycles", `{"keyword":"lamp","skipPostSale":true}`)
	id := body["productId"].(string)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/products/"+id+"/stages/scrape/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "completed stage cannot be retried")

	resp, _ = env.do(t, http.MethodPost, "/api/v1/products/"+id+"/stages/purchase/bypass", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/products/"+id+"/stages/refund/begin", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/products/"+id+"/stages/purchase/explode", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/v1/products/"+id+"/stages/purchase/begin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stages := body["stages"].(map[string]any)
	assert.Equal(t, string(domain.StageInProgress), stages["purchase"].(map[string]any)["status"])
}

func TestOrders(t *testing.T) {
	env := newTestApp(t, nil)

	_, body := env.do(t, http.MethodPost, "/api/v1/cycles", `{"keyword":"backpack"}`)
	require.Equal(t, true, body["success"], body)
	orderID := body["orderId"].(string)

	resp, body := env.do(t, http.MethodGet, "/api/v1/orders/"+orderID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.OrderPurchased), body["status"])
	assert.NotContains(t, body, "paymentToken")

	resp, body = env.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/purchase", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cached"])
	assert.NotEmpty(t, body["supplierOrderId"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/fail", `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/fail", `{"reason":"customer cancelled"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "purchased is terminal")

	resp, _ = env.do(t, http.MethodGet, "/api/v1/orders/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatch(t *testing.T) {
	env := newTestApp(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/cycles/batch", `{"criteria":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/cycles/batch",
		`{"criteria":[{"keyword":"mug"},{"keyword":"kettle","minNetProfit":{"amountMinor":100,"currency":"EUR"}}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/v1/cycles/batch",
		`{"criteria":[{"keyword":"mug","skipPostSale":true},{"keyword":"kettle","skipPostSale":true}],"parallel":8}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "mug", results[0].(map[string]any)["keyword"])
	assert.Equal(t, "kettle", results[1].(map[string]any)["keyword"])
}

func TestBreakers(t *testing.T) {
	env := newTestApp(t, nil)
	for range 5 {
		_ = env.breakers.Execute(context.Background(), "paypal", func(context.Context) error { return errors.New("boom") })
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/breakers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["breakers"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, string(resilience.StateOpen), list[0].(map[string]any)["state"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/breakers/paypal/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(resilience.StateClosed), body["state"])
	assert.EqualValues(t, 0, body["failureCount"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/breakers/unknown/reset", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	env := newTestApp(t, func(_ *Deps, c *Config) { c.RequestsPerMin = 2 })
	for i := range 3 {
		resp, _ := env.do(t, http.MethodGet, "/api/v1/breakers", "")
		if i < 2 {
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestApp(t, nil)
	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "dropship_timeline_events_total")
}
