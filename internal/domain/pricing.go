package domain

import "time"

// FeePolicy computes the platform fee for a base price. The default is a
// flat percentage; it is an interface so a different schedule can be swapped
// in without touching the reservation path.
type FeePolicy interface {
	FeeCents(basePriceCents int64) int64
}

// FlatRateFee charges Bps basis points of the base price, rounded half up.
type FlatRateFee struct {
	Bps int64
}

func (f FlatRateFee) FeeCents(basePriceCents int64) int64 {
	if basePriceCents <= 0 || f.Bps <= 0 {
		return 0
	}
	return (basePriceCents*f.Bps + 5000) / 10000
}

// DiscountAmountCents is round(base * percentOff / 100), half up.
func DiscountAmountCents(basePriceCents, percentOff int64) int64 {
	if basePriceCents <= 0 || percentOff <= 0 {
		return 0
	}
	return (basePriceCents*percentOff + 50) / 100
}

// TotalCents is the persisted snapshot formula:
// max(0, base + fees + tax + addOnTotal - discount).
func TotalCents(base, fees, tax, addOnTotal, discount int64) int64 {
	t := base + fees + tax + addOnTotal - discount
	if t < 0 {
		return 0
	}
	return t
}

// ActiveTier picks the tier whose [starts_at, ends_at) window contains now.
// When several windows match (a transient overlap the mutation-time check
// did not catch), the lowest sort order wins; price-display logic downstream
// depends on that tie-break. With no window match the lowest-sort-order tier
// is the fallback. Tiers must be ordered by sort order ascending.
func ActiveTier(tiers []PricingTier, now time.Time) (PricingTier, bool) {
	if len(tiers) == 0 {
		return PricingTier{}, false
	}
	for _, t := range tiers {
		if tierWindowContains(t, now) {
			return t, true
		}
	}
	return tiers[0], true
}

func tierWindowContains(t PricingTier, now time.Time) bool {
	if t.StartsAt == nil || t.EndsAt == nil {
		return false
	}
	return !now.Before(*t.StartsAt) && now.Before(*t.EndsAt)
}

// TierWindowsOverlap reports whether two tier windows intersect. Open-ended
// tiers (no window) never conflict; they only serve as fallback.
func TierWindowsOverlap(a, b PricingTier) bool {
	if a.StartsAt == nil || a.EndsAt == nil || b.StartsAt == nil || b.EndsAt == nil {
		return false
	}
	return a.StartsAt.Before(*b.EndsAt) && b.StartsAt.Before(*a.EndsAt)
}
