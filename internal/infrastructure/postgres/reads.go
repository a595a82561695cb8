package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// Availability is an advisory snapshot: the count runs without the scope
// lock, so it can be stale the moment it returns. Admission decisions never
// use it.
func (r *Repository) Availability(ctx context.Context, distanceID uuid.UUID) (domain.Availability, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Availability{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dc, err := r.loadDistanceContext(ctx, tx, distanceID)
	if err != nil {
		return domain.Availability{}, err
	}
	target := dc.target()
	n, err := r.countActive(ctx, tx, target, nil)
	if err != nil {
		return domain.Availability{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Availability{}, err
	}

	av := domain.Availability{
		DistanceID:  distanceID,
		Scope:       dc.Distance.Scope,
		Capacity:    target.Capacity,
		ActiveCount: n,
	}
	if target.Capacity != nil {
		left := *target.Capacity - n
		if left < 0 {
			left = 0
		}
		av.SpotsLeft = &left
	}
	return av, nil
}

// CurrentPrice quotes the tier in effect at the given instant.
func (r *Repository) CurrentPrice(ctx context.Context, distanceID uuid.UUID, at time.Time) (domain.PriceQuote, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := r.loadDistanceContext(ctx, tx, distanceID); err != nil {
		return domain.PriceQuote{}, err
	}
	tiers, err := r.tiersForDistance(ctx, tx, distanceID)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.PriceQuote{}, err
	}

	tier, ok := domain.ActiveTier(tiers, at)
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return domain.PriceQuote{TierID: tier.ID, TierName: tier.Name, PriceCents: tier.PriceCents}, nil
}

// ListMyRegistrations pages the buyer's registrations newest first with a
// (created_at, id) keyset cursor.
func (r *Repository) ListMyRegistrations(ctx context.Context, buyerID uuid.UUID, statuses []domain.RegistrationStatus, limit int, cursor *domain.KeysetCursor) ([]domain.Registration, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)

	var sb strings.Builder
	sb.WriteString(`SELECT ` + registrationColumns + `
		FROM registrations r
		WHERE r.buyer_user_id = $1 AND r.deleted_at IS NULL`)
	args := []any{buyerID}

	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for _, s := range statuses {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		sb.WriteString(" AND r.status IN (" + strings.Join(placeholders, ",") + ")")
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		sb.WriteString(fmt.Sprintf(" AND (r.created_at, r.id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit+1)
	sb.WriteString(fmt.Sprintf(" ORDER BY r.created_at DESC, r.id DESC LIMIT $%d", len(args)))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var regs []domain.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, nil, err
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(regs) > limit {
		regs = regs[:limit]
		last := regs[len(regs)-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return regs, next, nil
}
