package provider

import (
	"context"

	"github.com/mbd888/marketsettle/internal/idgen"
)

// ManualProvider records refunds for offline and cash payments. The money
// is returned out of band, so the call always succeeds.
type ManualProvider struct{}

// NewManualProvider creates a manual provider.
func NewManualProvider() *ManualProvider { return &ManualProvider{} }

func (ManualProvider) Name() string { return Manual }

func (ManualProvider) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &RefundResult{
		Success:          true,
		ProviderRefundID: idgen.WithPrefix(idgen.ManualRefund),
		Metadata:         req.Metadata,
	}, nil
}
