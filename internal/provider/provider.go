// Package provider issues refunds against the payment provider that took the
// original payment. Providers are registered by name and looked up from
// the payment's provider field.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/traces"
)

// Provider names.
const (
	Stripe = "stripe"
	Manual = "manual"
)

var (
	ErrProviderNotFound = errors.New("payment provider not found")
	ErrInvalidRequest   = errors.New("invalid refund request")
)

// RefundRequest asks a provider to return money on a captured payment.
type RefundRequest struct {
	PaymentID   string
	Provider    string
	ProviderRef string
	Amount      decimal.Decimal
	Currency    string
	Reason      string
	// IdempotencyKey is forwarded to providers that support it so a retried
	// call cannot refund twice.
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult is the provider's answer. A declined refund is a result with
// Success false, not an error.
type RefundResult struct {
	Success          bool
	ProviderRefundID string
	ErrorMessage     string
	Metadata         map[string]string
}

// Provider is implemented by every payment provider integration.
type Provider interface {
	Name() string
	// Refund returns an error only when the outcome is unknown (transport
	// failure, cancelled context). Declines come back as a failed result.
	Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}

// Validate checks the fields every provider needs.
func (r *RefundRequest) Validate() error {
	if r.PaymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

func failed(format string, args ...any) *RefundResult {
	return &RefundResult{Success: false, ErrorMessage: fmt.Sprintf(format, args...)}
}

// Registry dispatches refunds to providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refund routes req to the provider named by req.Provider. An unknown
// provider yields a failed result.
func (r *Registry) Refund(ctx context.Context, req *RefundRequest) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "provider.Refund",
		traces.PaymentID(req.PaymentID),
		traces.Provider(req.Provider),
		traces.Amount(req.Amount.String()),
	)
	defer func() { traces.End(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	p, err := r.Get(req.Provider)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(req.Provider, "unsupported").Inc()
		logging.L(ctx).Warn("refund for unsupported provider", "provider", req.Provider, "paymentId", req.PaymentID)
		return failed("unsupported payment provider: %s", req.Provider), nil
	}

	start := time.Now()
	res, err = p.Refund(ctx, req)
	metrics.ProviderCallDuration.WithLabelValues(req.Provider).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.ProviderCallsTotal.WithLabelValues(req.Provider, "error").Inc()
		logging.L(ctx).Error("provider refund call failed", "provider", req.Provider, "paymentId", req.PaymentID, "error", err)
	case res.Success:
		metrics.ProviderCallsTotal.WithLabelValues(req.Provider, "success").Inc()
		logging.L(ctx).Info("provider refund succeeded", "provider", req.Provider, "paymentId", req.PaymentID,
			"providerRefundId", res.ProviderRefundID, "amount", req.Amount.StringFixed(2))
	default:
		metrics.ProviderCallsTotal.WithLabelValues(req.Provider, "declined").Inc()
		logging.L(ctx).Warn("provider refund declined", "provider", req.Provider, "paymentId", req.PaymentID, "message", res.ErrorMessage)
	}
	return res, err
}
