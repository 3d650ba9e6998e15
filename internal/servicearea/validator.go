// Package servicearea decides whether a tenant services a ZIP code.
//
// Coverage is evaluated against the tenant's own rules only: ZIP allow-lists
// and radius rules around a centre point. A tenant with no rules covers
// nothing, which is a valid answer and not an error.
package servicearea

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

// Validator answers coverage questions through a [store.Store].
type Validator struct {
	store store.Store
}

// NewValidator returns a Validator reading from s.
func NewValidator(s store.Store) *Validator {
	return &Validator{store: s}
}

// IsInServiceArea reports whether the tenant services zip. zip must be
// exactly five digits.
func (v *Validator) IsInServiceArea(ctx context.Context, tenantID tenant.ID, zip string) (bool, error) {
	if fe := checkArgs(tenantID, zip); len(fe) > 0 {
		return false, tool.Validation(fe)
	}

	ok, err := v.store.IsInServiceArea(ctx, tenantID, zip)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTenantNotFound):
			return false, tool.HandlerFailure(tool.ReasonTenantNotFound, err)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return false, err
		default:
			return false, tool.HandlerFailure(tool.ReasonStoreUnavailable, fmt.Errorf("servicearea: lookup: %w", err))
		}
	}

	observe.Logger(ctx).Debug("service area checked",
		"tenant_id", tenantID.String(),
		"zip", zip,
		"in_service_area", ok,
	)
	return ok, nil
}

func checkArgs(tenantID tenant.ID, zip string) tool.FieldErrors {
	var fe tool.FieldErrors
	if tenantID == (tenant.ID{}) {
		fe.Add(tool.TenantField, "is required")
	}
	if !tenant.ValidZIP(zip) {
		fe.Add("zip", "must be exactly 5 digits")
	}
	return fe
}
