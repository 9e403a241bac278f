// Package grant defines the Grant entity: a single issued right from
// one source (subscription phase, add-on, promotion, or a manual
// adjustment) that the grants manager merges into an effective
// entitlement.
package grant

import (
	"time"

	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// Grant is the unit of entitlement given to a subject by a source.
type Grant struct {
	ID                   string
	SubjectID            string
	Type                 types.GrantType
	Priority             int
	Limit                *decimal.Decimal // nil means unlimited
	EffectiveAt          time.Time
	ExpiresAt            *time.Time
	OverageStrategy      types.OverageStrategy
	FeaturePlanVersionID string
	FeatureSlug          string
	ResetConfig          *types.ResetConfig
	Metadata             types.Metadata

	types.BaseModel
}

// Validate enforces the grant invariants from spec.md §3.
func (g *Grant) Validate() error {
	if g.ExpiresAt != nil && !g.EffectiveAt.Before(*g.ExpiresAt) {
		return ierr.NewError("grant effectiveAt must be before expiresAt").
			WithHint("effective_at must precede expires_at when both are set").
			WithReportableDetails(map[string]any{
				"effective_at": g.EffectiveAt,
				"expires_at":   g.ExpiresAt,
			}).
			Mark(ierr.ErrValidation)
	}
	if err := g.OverageStrategy.Validate(); err != nil {
		return err
	}
	return nil
}

// ActiveAt reports whether the grant is active at t: effectiveAt ≤ t
// and (expiresAt is nil or t < expiresAt).
func (g *Grant) ActiveAt(t time.Time) bool {
	if g.Status == types.StatusDeleted {
		return false
	}
	if t.Before(g.EffectiveAt) {
		return false
	}
	if g.ExpiresAt != nil && !t.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// IsUnlimited reports whether this grant imposes no cap.
func (g *Grant) IsUnlimited() bool {
	return g.Limit == nil
}

// AllowsOverage reports whether this grant's overage strategy permits
// consumption beyond its own limit.
func (g *Grant) AllowsOverage() bool {
	return g.OverageStrategy != types.OverageNone
}
