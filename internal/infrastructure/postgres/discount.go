package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/raceline/registration-service/internal/domain"
)

const uniqueViolation = "23505"

type discountCode struct {
	ID             uuid.UUID
	EditionID      uuid.UUID
	Code           string
	PercentOff     int64
	MaxRedemptions *int
	StartsAt       *time.Time
	EndsAt         *time.Time
	IsActive       bool
}

// loadDiscountCode fetches the code row, locking it when forUpdate is set.
// The code-row lock serializes redemption-cap checks; the lock order is code
// row first, registration row second.
func (r *Repository) loadDiscountCode(ctx context.Context, tx pgx.Tx, editionID uuid.UUID, code string, forUpdate bool) (discountCode, error) {
	q := `SELECT id, edition_id, code, percent_off, max_redemptions, starts_at, ends_at, is_active
		FROM discount_codes
		WHERE edition_id = $1 AND LOWER(code) = LOWER($2)`
	if forUpdate {
		q += " FOR UPDATE"
	}
	var dc discountCode
	err := tx.QueryRow(ctx, q, editionID, strings.TrimSpace(code)).Scan(
		&dc.ID, &dc.EditionID, &dc.Code, &dc.PercentOff, &dc.MaxRedemptions,
		&dc.StartsAt, &dc.EndsAt, &dc.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return discountCode{}, domain.ErrDiscountInvalid
	}
	return dc, err
}

// checkRedeemable validates activity and window, then counts redemptions
// attached to still-active registrations against the cap. Redemptions held by
// expired or cancelled registrations do not count; their slot frees up the
// same way a capacity slot does.
func (r *Repository) checkRedeemable(ctx context.Context, tx pgx.Tx, dc discountCode, now time.Time) error {
	if !dc.IsActive {
		return domain.ErrDiscountInvalid
	}
	if dc.StartsAt != nil && now.Before(*dc.StartsAt) {
		return domain.ErrDiscountInvalid
	}
	if dc.EndsAt != nil && !now.Before(*dc.EndsAt) {
		return domain.ErrDiscountInvalid
	}
	if dc.MaxRedemptions == nil {
		return nil
	}

	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM discount_redemptions dr
		JOIN registrations r ON r.id = dr.registration_id
		WHERE dr.discount_code_id = $1 AND `+activeClaim,
		dc.ID,
	).Scan(&n)
	if err != nil {
		return err
	}
	if n >= *dc.MaxRedemptions {
		return domain.ErrMaxRedemptions
	}
	return nil
}

// ValidateDiscount is the advisory preview: it reports the discount amount a
// code would currently grant without reserving a redemption slot.
func (r *Repository) ValidateDiscount(ctx context.Context, editionID uuid.UUID, code string, basePriceCents int64) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dc, err := r.loadDiscountCode(ctx, tx, editionID, code, false)
	if err != nil {
		return 0, err
	}
	if err := r.checkRedeemable(ctx, tx, dc, time.Now().UTC()); err != nil {
		return 0, err
	}
	return domain.DiscountAmountCents(basePriceCents, dc.PercentOff), tx.Commit(ctx)
}

// ApplyDiscount redeems the code against the registration. The cap check and
// the redemption insert run in one transaction under the code-row lock; the
// UNIQUE(registration_id) index is the backstop against a concurrent second
// apply on the same registration.
func (r *Repository) ApplyDiscount(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, code string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Unlocked read to learn the edition; locks follow in order.
	reg, err := scanRegistration(tx.QueryRow(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations r
		WHERE r.id = $1 AND r.deleted_at IS NULL
	`, registrationID))
	if err != nil {
		return 0, err
	}
	if reg.BuyerUserID == nil || *reg.BuyerUserID != buyerID {
		return 0, domain.ErrForbidden
	}

	dc, err := r.loadDiscountCode(ctx, tx, reg.EditionID, code, true)
	if err != nil {
		return 0, err
	}
	reg, err = r.lockRegistrationOwned(ctx, tx, registrationID, buyerID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if domain.IsExpired(reg.Status, reg.ExpiresAt, now) {
		return 0, domain.ErrRegistrationExpired
	}
	if reg.Status != domain.StatusStarted && reg.Status != domain.StatusSubmitted {
		return 0, domain.ErrInvalidStateTransition
	}
	if err := r.checkRedeemable(ctx, tx, dc, now); err != nil {
		return 0, err
	}

	amount := domain.DiscountAmountCents(reg.BasePriceCents, dc.PercentOff)
	_, err = tx.Exec(ctx, `
		INSERT INTO discount_redemptions (id, discount_code_id, registration_id, discount_amount_cents)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), dc.ID, registrationID, amount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, domain.ErrDiscountAlreadyApplied
		}
		return 0, err
	}

	updated, err := r.recomputeTotal(ctx, tx, registrationID)
	if err != nil {
		return 0, err
	}

	org, err := r.editionOrg(ctx, tx, reg.EditionID)
	if err != nil {
		return 0, err
	}
	if err := r.insertAudit(ctx, tx, traceID, "discount.apply", &buyerID,
		org, "registration", reg.ID, snapshotOf(reg), snapshotOf(updated)); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return amount, nil
}

// RemoveDiscount frees the redemption slot and restores the undiscounted
// total.
func (r *Repository) RemoveDiscount(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reg, err := r.lockRegistrationOwned(ctx, tx, registrationID, buyerID)
	if err != nil {
		return err
	}
	if reg.Status != domain.StatusStarted && reg.Status != domain.StatusSubmitted {
		return domain.ErrInvalidStateTransition
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM discount_redemptions WHERE registration_id = $1`, registrationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	updated, err := r.recomputeTotal(ctx, tx, registrationID)
	if err != nil {
		return err
	}

	org, err := r.editionOrg(ctx, tx, reg.EditionID)
	if err != nil {
		return err
	}
	if err := r.insertAudit(ctx, tx, traceID, "discount.remove", &buyerID,
		org, "registration", reg.ID, snapshotOf(reg), snapshotOf(updated)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
