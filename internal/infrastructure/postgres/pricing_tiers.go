package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/domain"
)

// CreatePricingTier inserts a tier after checking its window against every
// existing tier of the distance. The distance row is locked so concurrent
// tier mutations serialize; overlap checking against a moving set would be
// meaningless otherwise.
func (r *Repository) CreatePricingTier(ctx context.Context, traceID string, tier domain.PricingTier) (domain.PricingTier, error) {
	if tier.PriceCents < 0 || tier.Name == "" {
		return domain.PricingTier{}, domain.ErrValidation
	}
	if tier.StartsAt != nil && tier.EndsAt != nil && !tier.StartsAt.Before(*tier.EndsAt) {
		return domain.PricingTier{}, domain.ErrValidation
	}
	// A window needs both bounds; a single bound is neither a schedule nor
	// a fallback.
	if (tier.StartsAt == nil) != (tier.EndsAt == nil) {
		return domain.PricingTier{}, domain.ErrValidation
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.PricingTier{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dc, err := r.loadDistanceContext(ctx, tx, tier.DistanceID)
	if err != nil {
		return domain.PricingTier{}, err
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM distances WHERE id = $1 FOR UPDATE`, tier.DistanceID); err != nil {
		return domain.PricingTier{}, err
	}

	existing, err := r.tiersForDistance(ctx, tx, tier.DistanceID)
	if err != nil {
		return domain.PricingTier{}, err
	}
	for _, other := range existing {
		if domain.TierWindowsOverlap(tier, other) {
			return domain.PricingTier{}, domain.ErrTierOverlap
		}
	}

	tier.ID = uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO pricing_tiers (id, distance_id, name, price_cents, starts_at, ends_at, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tier.ID, tier.DistanceID, tier.Name, tier.PriceCents, tier.StartsAt, tier.EndsAt, tier.SortOrder)
	if err != nil {
		return domain.PricingTier{}, err
	}

	if err := r.insertAudit(ctx, tx, traceID, "pricing_tier.create", nil,
		dc.Edition.OrganizationID, "pricing_tier", tier.ID, nil, map[string]any{
			"name":        tier.Name,
			"price_cents": tier.PriceCents,
			"starts_at":   tier.StartsAt,
			"ends_at":     tier.EndsAt,
			"sort_order":  tier.SortOrder,
		}); err != nil {
		return domain.PricingTier{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PricingTier{}, err
	}
	return tier, nil
}
