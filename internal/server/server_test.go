package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/config"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/security"
)

const testSecret = "test-admin-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "development",
		LogLevel:                 "error",
		LogFormat:                "text",
		AdminSecret:              testSecret,
		RuleCacheTTL:             time.Minute,
		ProviderBreakerThreshold: 5,
		ProviderBreakerCooldown:  time.Minute,
		EscrowHoldDays:           7,
		SweepInterval:            time.Hour,
		ReconcileInterval:        time.Hour,
		DefaultCommissionPercent: "10",
		RateLimitRPM:             6000,
		RateLimitBurst:           1000,
	}
}

// seedOrder stores order ord_1 with a 100.00 sub-order paid through the
// manual provider.
func seedOrder(t *testing.T) *orders.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := orders.NewMemoryStore()
	completed := time.Now().Add(-time.Hour)
	require.NoError(t, store.SaveOrder(ctx, &orders.Order{
		ID: "ord_1", Total: money.MustParse("100"), PaymentStatus: orders.OrderPaid, Currency: "USD",
	}))
	require.NoError(t, store.SaveSubOrder(ctx, &orders.SubOrder{
		ID: "sub_1", OrderID: "ord_1", StoreID: "store_1",
		Total: money.MustParse("100"), Status: orders.SubOrderDelivered,
	}))
	require.NoError(t, store.SavePayment(ctx, &orders.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "manual", ProviderRef: "manual_1",
		Amount: money.MustParse("100"), Currency: "USD", Status: orders.PaymentCompleted, CompletedAt: &completed,
	}))
	return store
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func doRequest(t *testing.T, s *Server, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set(security.AdminSecretHeader, testSecret)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, Version, health.Version)
	require.Len(t, health.Checks, 1)
	assert.Equal(t, "payment_providers", health.Checks[0].Name)

	w = doRequest(t, s, http.MethodGet, "/health/live", "", false)
	assert.Equal(t, http.StatusOK, w.Code)

	// not ready until Run
	w = doRequest(t, s, http.MethodGet, "/health/ready", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = doRequest(t, s, http.MethodGet, "/health/ready", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodGet, "/health/live", "", false)
	w := doRequest(t, s, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "settlement_")
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/v1/admin/commission/rules", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/admin/commission/rules", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutesRejectMalformedIDs(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/v1/admin/refunds/bad%20id", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", decode(t, w)["error"])
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health/live", "", false)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req_abc-123")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req_abc-123", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health/live", "", false)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestSettlementOverHTTP(t *testing.T) {
	s := newTestServer(t, WithOrderStore(seedOrder(t)))

	w := doRequest(t, s, http.MethodPost, "/v1/admin/payments/pay_1/allocations", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 1, body["count"])
	esc := body["escrows"].([]any)[0].(map[string]any)
	assert.Equal(t, "10", esc["commission"])
	assert.Equal(t, "90", esc["net"])

	w = doRequest(t, s, http.MethodPost, "/v1/admin/orders/ord_1/suborders/sub_1/refunds",
		`{"amount":"40.00","reason":"damaged item","initiatedBy":"support"}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode(t, w)["refund"].(map[string]any)
	assert.Equal(t, "completed", rec["status"])
	assert.Equal(t, "40", rec["amount"])
	assert.Equal(t, "manual", rec["provider"])

	w = doRequest(t, s, http.MethodGet, "/v1/admin/escrows/"+esc["id"].(string), "", true)
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode(t, w)["escrow"].(map[string]any)
	assert.Equal(t, "6", updated["commission"])
	assert.Equal(t, "54", updated["net"])
	assert.Equal(t, "40", updated["refunded"])

	w = doRequest(t, s, http.MethodPost, "/v1/admin/orders/ord_1/refunds", `{"reason":"cancelled"}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "60", decode(t, w)["refund"].(map[string]any)["amount"])

	w = doRequest(t, s, http.MethodGet, "/v1/admin/orders/ord_1/refund-eligibility", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	el := decode(t, w)["eligibility"].(map[string]any)
	assert.Equal(t, false, el["eligible"])

	w = doRequest(t, s, http.MethodPost, "/v1/admin/reconciliation/run", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["clean"])
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/settle")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/settle")
	assert.Equal(t, "***", maskDSN("://bad"))
}
