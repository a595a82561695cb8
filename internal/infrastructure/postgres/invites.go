package postgres

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/raceline/registration-service/internal/domain"
)

func inviteToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ReserveInvite creates a buyer-less hold for one roster row. The hold takes
// a capacity slot under the same scope lock as a self-serve start and expires
// on the invite TTL if never claimed.
func (r *Repository) ReserveInvite(ctx context.Context, traceID string, batchID, editionID, distanceID uuid.UUID, row domain.RosterRow) (domain.Registration, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Registration{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dc, err := r.loadDistanceContext(ctx, tx, distanceID)
	if err != nil {
		return domain.Registration{}, err
	}
	if dc.Edition.ID != editionID {
		return domain.Registration{}, domain.ErrValidation
	}
	now := time.Now().UTC()
	if err := checkAvailability(dc.Edition, now); err != nil {
		return domain.Registration{}, err
	}

	target := dc.target()
	if err := r.lockScope(ctx, tx, target); err != nil {
		return domain.Registration{}, err
	}
	if err := r.admissible(ctx, tx, target, nil); err != nil {
		return domain.Registration{}, err
	}

	tiers, err := r.tiersForDistance(ctx, tx, distanceID)
	if err != nil {
		return domain.Registration{}, err
	}
	tier, ok := domain.ActiveTier(tiers, now)
	if !ok {
		return domain.Registration{}, domain.ErrValidation
	}

	base := tier.PriceCents
	fees := r.fees.FeeCents(base)
	total := domain.TotalCents(base, fees, 0, 0, 0)
	expiresAt := now.Add(r.ttl.Invite)

	reg, err := scanRegistration(tx.QueryRow(ctx, `
		INSERT INTO registrations AS r
			(id, edition_id, distance_id, buyer_user_id, status, expires_at,
			 base_price_cents, fees_cents, tax_cents, total_cents)
		VALUES ($1, $2, $3, NULL, 'started', $4, $5, $6, 0, $7)
		RETURNING `+registrationColumns,
		uuid.New(), editionID, distanceID, expiresAt, base, fees, total,
	))
	if err != nil {
		return domain.Registration{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO registrants (id, registration_id, first_name, last_name, email, date_of_birth, phone)
		VALUES ($1, $2, $3, $4, $5, $6, '')
	`, uuid.New(), reg.ID, row.FirstName, row.LastName, row.Email, row.DateOfBirth)
	if err != nil {
		return domain.Registration{}, err
	}

	var batchRef *uuid.UUID
	if batchID != uuid.Nil {
		batchRef = &batchID
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO invites (id, batch_id, edition_id, registration_id, email, token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), batchRef, editionID, reg.ID, strings.ToLower(strings.TrimSpace(row.Email)), inviteToken())
	if err != nil {
		return domain.Registration{}, err
	}

	if err := r.insertAudit(ctx, tx, traceID, "invite.reserve", nil,
		dc.Edition.OrganizationID, "registration", reg.ID, nil, snapshotOf(reg)); err != nil {
		return domain.Registration{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Registration{}, err
	}
	return reg, nil
}

// HasActiveClaimByEmail reports whether the email already holds an active
// registration in the edition, either through an invite or a self-serve
// registration's registrant profile.
func (r *Repository) HasActiveClaimByEmail(ctx context.Context, editionID uuid.UUID, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM registrations r
			JOIN registrants p ON p.registration_id = r.id
			WHERE r.edition_id = $1 AND LOWER(p.email) = LOWER($2) AND `+activeClaim+`
		)
	`, editionID, strings.TrimSpace(email)).Scan(&exists)
	return exists, err
}

// KnownDateOfBirth returns the date of birth on file for the email, if any.
func (r *Repository) KnownDateOfBirth(ctx context.Context, email string) (*time.Time, error) {
	var dob *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT date_of_birth FROM user_profiles WHERE LOWER(email) = LOWER($1)`,
		strings.TrimSpace(email),
	).Scan(&dob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return dob, nil
}

func (r *Repository) CreateBulkBatch(ctx context.Context, editionID, distanceID, uploadedBy uuid.UUID, rowCount int) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bulk_batches (id, edition_id, distance_id, uploaded_by, row_count)
		VALUES ($1, $2, $3, $4, $5)
	`, id, editionID, distanceID, uploadedBy, rowCount)
	return id, err
}

// FinishBulkBatch records the outcome counts and, when the reserved count
// meets the rule's minimum, applies the group discount to every reserved row
// of the batch. The processed_at guard makes the whole thing run at most
// once; a second finish for the same batch is a no-op.
func (r *Repository) FinishBulkBatch(ctx context.Context, traceID string, batchID uuid.UUID, reserved, failed int, rule *domain.GroupDiscountRule) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var editionID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE bulk_batches
		SET reserved_count = $2, failed_count = $3, processed_at = NOW()
		WHERE id = $1 AND processed_at IS NULL
		RETURNING edition_id
	`, batchID, reserved, failed).Scan(&editionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if rule != nil && rule.PercentOff > 0 && reserved >= rule.MinSize {
		// Discount the base, then recompute the snapshot total with the
		// same formula recomputeTotal uses. Invite holds carry no add-ons
		// or code redemptions yet, but the full formula keeps the snapshot
		// invariant intact regardless.
		_, err = tx.Exec(ctx, `
			UPDATE registrations AS r
			SET base_price_cents = r.base_price_cents - (r.base_price_cents * $2 + 50) / 100,
			    updated_at = NOW()
			FROM invites i
			WHERE i.registration_id = r.id AND i.batch_id = $1 AND r.deleted_at IS NULL
		`, batchID, rule.PercentOff)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE registrations AS r
			SET total_cents = GREATEST(0,
					r.base_price_cents + r.fees_cents + r.tax_cents
					+ COALESCE((SELECT SUM(s.price_cents * s.quantity)
						FROM addon_selections s WHERE s.registration_id = r.id), 0)
					- COALESCE((SELECT dr.discount_amount_cents
						FROM discount_redemptions dr WHERE dr.registration_id = r.id), 0))
			FROM invites i
			WHERE i.registration_id = r.id AND i.batch_id = $1 AND r.deleted_at IS NULL
		`, batchID)
		if err != nil {
			return err
		}
	}

	org, err := r.editionOrg(ctx, tx, editionID)
	if err != nil {
		return err
	}
	if err := r.insertAudit(ctx, tx, traceID, "bulk.finish", nil,
		org, "bulk_batch", batchID, nil, map[string]any{
			"reserved": reserved,
			"failed":   failed,
		}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
