package provider

import (
	"context"
	"errors"

	"github.com/mbd888/marketsettle/internal/circuitbreaker"
)

// UnavailableMessage is the failure message returned while a provider's
// circuit is open.
const UnavailableMessage = "provider temporarily unavailable"

// Guarded wraps a provider with a circuit breaker keyed by provider name.
// Only errors count as failures; declined refunds mean the provider is up.
type Guarded struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps inner. Providers may share one breaker.
func NewGuarded(inner Provider, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	var res *RefundResult
	err := g.breaker.Execute(g.inner.Name(), func() error {
		var callErr error
		res, callErr = g.inner.Refund(ctx, req)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return failed(UnavailableMessage), nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Open reports whether the provider's circuit is currently open.
func (g *Guarded) Open() bool {
	return g.breaker.State(g.inner.Name()) == circuitbreaker.StateOpen
}
