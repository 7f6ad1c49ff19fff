package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/refund"

	"github.com/mbd888/marketsettle/internal/retry"
)

// StripeProvider refunds Stripe PaymentIntents and Charges.
type StripeProvider struct {
	client refund.Client
	policy retry.Policy
}

// NewStripeProvider creates a provider using the live Stripe API. Network
// retries are done here, not by the Stripe client, so that every attempt
// reuses the caller's idempotency key under one backoff policy.
func NewStripeProvider(secretKey string) *StripeProvider {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	})
	return NewStripeProviderWithBackend(secretKey, backend)
}

// NewStripeProviderWithBackend uses a caller-supplied backend.
func NewStripeProviderWithBackend(secretKey string, backend stripe.Backend) *StripeProvider {
	return &StripeProvider{
		client: refund.Client{B: backend, Key: secretKey},
		policy: retry.DefaultPolicy,
	}
}

// WithRetryPolicy overrides the backoff policy.
func (p *StripeProvider) WithRetryPolicy(policy retry.Policy) *StripeProvider {
	p.policy = policy
	return p
}

func (p *StripeProvider) Name() string { return Stripe }

func (p *StripeProvider) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if req.ProviderRef == "" {
		return failed("stripe payment reference is missing"), nil
	}
	minor := req.Amount.Shift(2).Round(0).IntPart()

	var r *stripe.Refund
	err := p.policy.Do(ctx, func(attempt int) error {
		params := &stripe.RefundParams{Amount: stripe.Int64(minor)}
		if strings.HasPrefix(req.ProviderRef, "ch_") {
			params.Charge = stripe.String(req.ProviderRef)
		} else {
			params.PaymentIntent = stripe.String(req.ProviderRef)
		}
		if reason := stripeReason(req.Reason); reason != "" {
			params.Reason = stripe.String(reason)
		}
		params.Context = ctx
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		params.AddMetadata("payment_id", req.PaymentID)
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}

		var callErr error
		r, callErr = p.client.New(params)
		if callErr != nil && !transient(callErr) {
			return retry.Permanent(callErr)
		}
		return callErr
	})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && !transient(serr) {
			return failed("%s", stripeMessage(serr)), nil
		}
		return nil, fmt.Errorf("stripe refund: %w", err)
	}

	switch r.Status {
	case stripe.RefundStatusSucceeded, stripe.RefundStatusPending:
		return &RefundResult{
			Success:          true,
			ProviderRefundID: r.ID,
			Metadata:         map[string]string{"stripe_status": string(r.Status)},
		}, nil
	default:
		msg := "stripe refund " + string(r.Status)
		if r.FailureReason != "" {
			msg += ": " + string(r.FailureReason)
		}
		return &RefundResult{Success: false, ProviderRefundID: r.ID, ErrorMessage: msg}, nil
	}
}

// transient reports whether err is worth retrying: rate limits, Stripe-side
// 5xx, and anything that never produced a Stripe API error.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return true
	}
	return serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError
}

func stripeMessage(serr *stripe.Error) string {
	if serr.Msg != "" {
		return serr.Msg
	}
	return string(serr.Type)
}

// stripeReason maps free-text reasons onto the values Stripe accepts.
// Anything else is sent only as metadata.
func stripeReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "duplicate":
		return string(stripe.RefundReasonDuplicate)
	case "fraudulent", "fraud":
		return string(stripe.RefundReasonFraudulent)
	case "requested_by_customer", "customer request":
		return string(stripe.RefundReasonRequestedByCustomer)
	}
	return ""
}
