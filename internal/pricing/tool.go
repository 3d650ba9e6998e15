package pricing

import (
	"context"

	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

// ToolName is the registry name of the quote tool.
const ToolName = "calculate_quote"

// QuoteInput is the argument object of calculate_quote.
type QuoteInput struct {
	TenantID    tenant.ID        `json:"tenant_id"`
	LotSizeSqft int64            `json:"lot_size_sqft" description:"Lot size in square feet, as told by the caller"`
	Frequency   tenant.Frequency `json:"frequency,omitempty" enum:"weekly,biweekly" description:"Service frequency; defaults to weekly"`
}

// Validate implements [tool.Validator].
func (in QuoteInput) Validate() tool.FieldErrors {
	f := in.Frequency
	if f == "" {
		f = tenant.FrequencyWeekly
	}
	return checkArgs(in.TenantID, in.LotSizeSqft, f)
}

// NewTool exposes r as calculate_quote.
func NewTool(r *Resolver, opts ...tool.Option) (tool.Tool, error) {
	return tool.New(ToolName,
		"Quote the price of a lawn-care visit for a lot size and frequency, using the business's own pricing tiers.",
		func(ctx context.Context, in QuoteInput) (Quote, error) {
			return r.ResolveQuote(ctx, in.TenantID, in.LotSizeSqft, in.Frequency)
		},
		append([]tool.Option{tool.WithTags("pricing")}, opts...)...,
	)
}
