package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/marketsettle/internal/retry"
)

func newStripeTestProvider(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeProviderWithBackend("sk_test_123", backend).
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond})
}

func TestStripeProvider_Success(t *testing.T) {
	var form map[string]string
	var idemKey string
	p := newStripeTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = map[string]string{
			"amount":               r.PostForm.Get("amount"),
			"payment_intent":       r.PostForm.Get("payment_intent"),
			"metadata[payment_id]": r.PostForm.Get("metadata[payment_id]"),
			"metadata[refund_id]":  r.PostForm.Get("metadata[refund_id]"),
		}
		idemKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_123","object":"refund","status":"succeeded","amount":4500}`))
	})

	req := refundReq(Stripe)
	req.Metadata = map[string]string{"refund_id": "rfd_1"}
	res, err := p.Refund(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "re_123", res.ProviderRefundID)
	assert.Equal(t, "4500", form["amount"])
	assert.Equal(t, "pi_123", form["payment_intent"])
	assert.Equal(t, "pay_1", form["metadata[payment_id]"])
	assert.Equal(t, "rfd_1", form["metadata[refund_id]"])
	assert.Equal(t, "rfd_1-1", idemKey)
}

func TestStripeProvider_CardErrorSurfacedVerbatim(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"expired_card","message":"Your card has expired."}}`))
	})

	res, err := p.Refund(context.Background(), refundReq(Stripe))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Your card has expired.", res.ErrorMessage)
	assert.Equal(t, int32(1), hits.Load(), "card errors are not retried")
}

func TestStripeProvider_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"try again"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"re_456","object":"refund","status":"pending"}`))
	})

	res, err := p.Refund(context.Background(), refundReq(Stripe))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "re_456", res.ProviderRefundID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestStripeProvider_ExhaustedRetriesReturnError(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"unavailable"}}`))
	})

	res, err := p.Refund(context.Background(), refundReq(Stripe))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int32(3), hits.Load())
}

func TestStripeProvider_FailedStatus(t *testing.T) {
	p := newStripeTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_789","object":"refund","status":"failed","failure_reason":"expired_or_canceled_card"}`))
	})

	res, err := p.Refund(context.Background(), refundReq(Stripe))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "failed")
	assert.Contains(t, res.ErrorMessage, "expired_or_canceled_card")
}

func TestStripeProvider_MissingReference(t *testing.T) {
	p := NewStripeProvider("sk_test_123")
	req := refundReq(Stripe)
	req.ProviderRef = ""

	res, err := p.Refund(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestStripeReason(t *testing.T) {
	assert.Equal(t, "duplicate", stripeReason("Duplicate"))
	assert.Equal(t, "fraudulent", stripeReason("fraud"))
	assert.Equal(t, "requested_by_customer", stripeReason("customer request"))
	assert.Equal(t, "", stripeReason("item damaged"))
}
