package servicearea

import (
	"context"

	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

// ToolName is the registry name of the coverage tool.
const ToolName = "check_service_area"

// CheckInput is the argument object of check_service_area.
type CheckInput struct {
	TenantID tenant.ID `json:"tenant_id"`
	ZIP      string    `json:"zip" description:"Five-digit US ZIP code of the property"`
}

// Validate implements [tool.Validator].
func (in CheckInput) Validate() tool.FieldErrors {
	return checkArgs(in.TenantID, in.ZIP)
}

// CheckResult is the result of check_service_area.
type CheckResult struct {
	ZIP           string `json:"zip"`
	InServiceArea bool   `json:"in_service_area"`
}

// NewTool exposes v as check_service_area.
func NewTool(v *Validator, opts ...tool.Option) (tool.Tool, error) {
	return tool.New(ToolName,
		"Check whether the business services the property's ZIP code.",
		func(ctx context.Context, in CheckInput) (CheckResult, error) {
			ok, err := v.IsInServiceArea(ctx, in.TenantID, in.ZIP)
			if err != nil {
				return CheckResult{}, err
			}
			return CheckResult{ZIP: in.ZIP, InServiceArea: ok}, nil
		},
		append([]tool.Option{tool.WithTags("service-area")}, opts...)...,
	)
}
