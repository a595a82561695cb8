package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/raceline/registration-service/internal/domain"
	"github.com/raceline/registration-service/internal/pkg/logger"
)

// tiersForDistance loads the tier schedule ordered by sort order; the
// ordering is part of the tie-break contract in domain.ActiveTier.
func (r *Repository) tiersForDistance(ctx context.Context, tx pgx.Tx, distanceID uuid.UUID) ([]domain.PricingTier, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, distance_id, name, price_cents, starts_at, ends_at, sort_order
		FROM pricing_tiers
		WHERE distance_id = $1
		ORDER BY sort_order ASC, id ASC
	`, distanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []domain.PricingTier
	for rows.Next() {
		var t domain.PricingTier
		if err := rows.Scan(&t.ID, &t.DistanceID, &t.Name, &t.PriceCents, &t.StartsAt, &t.EndsAt, &t.SortOrder); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// StartRegistration opens a time-boxed hold against the distance. The whole
// admission decision happens under the scope lock: availability check,
// one-active-hold idempotency, derived count, insert.
func (r *Repository) StartRegistration(ctx context.Context, traceID string, distanceID, buyerID uuid.UUID) (domain.Registration, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Registration{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dc, err := r.loadDistanceContext(ctx, tx, distanceID)
	if err != nil {
		return domain.Registration{}, err
	}
	now := time.Now().UTC()
	if err := checkAvailability(dc.Edition, now); err != nil {
		return domain.Registration{}, err
	}

	target := dc.target()
	if err := r.lockScope(ctx, tx, target); err != nil {
		return domain.Registration{}, err
	}

	// One active claim per buyer and distance. Starting again while a hold
	// or a confirmed registration exists returns the existing row untouched.
	existing, err := scanRegistration(tx.QueryRow(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations r
		WHERE r.buyer_user_id = $1 AND r.distance_id = $2 AND `+activeClaim+`
		LIMIT 1
	`, buyerID, distanceID))
	if err == nil {
		if cerr := tx.Commit(ctx); cerr != nil {
			return domain.Registration{}, cerr
		}
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
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
	expiresAt := r.ttl.ComputeExpiresAt(now, domain.StatusStarted)

	reg, err := scanRegistration(tx.QueryRow(ctx, `
		INSERT INTO registrations AS r
			(id, edition_id, distance_id, buyer_user_id, status, expires_at,
			 base_price_cents, fees_cents, tax_cents, total_cents)
		VALUES ($1, $2, $3, $4, 'started', $5, $6, $7, 0, $8)
		RETURNING `+registrationColumns,
		uuid.New(), dc.Edition.ID, distanceID, buyerID, expiresAt, base, fees, total,
	))
	if err != nil {
		return domain.Registration{}, err
	}

	if err := r.insertAudit(ctx, tx, traceID, "registration.start", &buyerID,
		dc.Edition.OrganizationID, "registration", reg.ID, nil, snapshotOf(reg)); err != nil {
		return domain.Registration{}, err
	}
	if err := r.insertOutbox(ctx, tx, traceID, "registration.created", map[string]any{
		"registration_id": reg.ID,
		"edition_id":      reg.EditionID,
		"distance_id":     reg.DistanceID,
		"buyer_user_id":   buyerID,
		"expires_at":      reg.ExpiresAt,
	}); err != nil {
		return domain.Registration{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Registration{}, err
	}
	return reg, nil
}

func (r *Repository) GetRegistration(ctx context.Context, registrationID, buyerID uuid.UUID) (domain.Registration, error) {
	reg, err := scanRegistration(r.pool.QueryRow(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations r
		WHERE r.id = $1 AND r.deleted_at IS NULL
	`, registrationID))
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.BuyerUserID == nil || *reg.BuyerUserID != buyerID {
		return domain.Registration{}, domain.ErrForbidden
	}
	return reg, nil
}

// lockRegistrationOwned locks the registration row and enforces ownership.
// Must be called after the scope lock when both are taken.
func (r *Repository) lockRegistrationOwned(ctx context.Context, tx pgx.Tx, registrationID, buyerID uuid.UUID) (domain.Registration, error) {
	reg, err := scanRegistration(tx.QueryRow(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations r
		WHERE r.id = $1 AND r.deleted_at IS NULL
		FOR UPDATE
	`, registrationID))
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.BuyerUserID == nil || *reg.BuyerUserID != buyerID {
		return domain.Registration{}, domain.ErrForbidden
	}
	return reg, nil
}

// SubmitRegistrantInfo attaches or replaces the registrant profile and moves
// the hold from started to submitted, refreshing the TTL.
func (r *Repository) SubmitRegistrantInfo(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, profile domain.RegistrantProfile) (domain.Registration, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Registration{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reg, err := r.lockRegistrationOwned(ctx, tx, registrationID, buyerID)
	if err != nil {
		return domain.Registration{}, err
	}
	now := time.Now().UTC()
	if domain.IsExpired(reg.Status, reg.ExpiresAt, now) {
		return domain.Registration{}, domain.ErrRegistrationExpired
	}
	if reg.Status != domain.StatusStarted && reg.Status != domain.StatusSubmitted {
		return domain.Registration{}, domain.ErrInvalidStateTransition
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO registrants (id, registration_id, first_name, last_name, email, date_of_birth, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (registration_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			date_of_birth = EXCLUDED.date_of_birth,
			phone = EXCLUDED.phone,
			updated_at = NOW()
	`, uuid.New(), registrationID, profile.FirstName, profile.LastName, profile.Email, profile.DateOfBirth, profile.Phone)
	if err != nil {
		return domain.Registration{}, err
	}

	expiresAt := r.ttl.ComputeExpiresAt(now, domain.StatusSubmitted)
	updated, err := scanRegistration(tx.QueryRow(ctx, `
		UPDATE registrations AS r
		SET status = 'submitted', expires_at = $2, updated_at = NOW()
		WHERE r.id = $1 AND r.status IN ('started','submitted')
		RETURNING `+registrationColumns,
		registrationID, expiresAt,
	))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Registration{}, domain.ErrInvalidStateTransition
	}
	if err != nil {
		return domain.Registration{}, err
	}

	org, err := r.editionOrg(ctx, tx, reg.EditionID)
	if err != nil {
		return domain.Registration{}, err
	}
	if err := r.insertAudit(ctx, tx, traceID, "registration.submit_registrant", &buyerID,
		org, "registration", reg.ID, snapshotOf(reg), snapshotOf(updated)); err != nil {
		return domain.Registration{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Registration{}, err
	}
	return updated, nil
}

// FinalizeRegistration re-validates everything a stale hold could have gone
// stale on: event availability, registrant presence, required waivers, and
// capacity with the hold itself excluded from the count. Depending on the
// payment flag the row lands in confirmed or payment_pending.
func (r *Repository) FinalizeRegistration(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) (domain.Registration, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Registration{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Unlocked read first to learn the scope; the authoritative re-read
	// happens under the locks in the mandated order.
	reg, err := scanRegistration(tx.QueryRow(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations r
		WHERE r.id = $1 AND r.deleted_at IS NULL
	`, registrationID))
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.BuyerUserID == nil || *reg.BuyerUserID != buyerID {
		return domain.Registration{}, domain.ErrForbidden
	}
	if reg.Status == domain.StatusConfirmed {
		return reg, tx.Commit(ctx)
	}

	dc, err := r.loadDistanceContext(ctx, tx, reg.DistanceID)
	if err != nil {
		return domain.Registration{}, err
	}
	now := time.Now().UTC()
	if err := checkAvailability(dc.Edition, now); err != nil {
		return domain.Registration{}, err
	}

	target := dc.target()
	if err := r.lockScope(ctx, tx, target); err != nil {
		return domain.Registration{}, err
	}
	reg, err = r.lockRegistrationOwned(ctx, tx, registrationID, buyerID)
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.Status == domain.StatusConfirmed {
		return reg, tx.Commit(ctx)
	}
	if domain.IsExpired(reg.Status, reg.ExpiresAt, now) {
		return domain.Registration{}, domain.ErrRegistrationExpired
	}
	// Both pre-confirmed states may finalize; a started hold without a
	// registrant fails the registrant check below, not the state check.
	if reg.Status != domain.StatusStarted && reg.Status != domain.StatusSubmitted {
		return domain.Registration{}, domain.ErrInvalidStateTransition
	}

	var hasRegistrant bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM registrants WHERE registration_id = $1)`,
		registrationID,
	).Scan(&hasRegistrant); err != nil {
		return domain.Registration{}, err
	}
	if !hasRegistrant {
		return domain.Registration{}, domain.ErrMissingRegistrant
	}

	var missingWaivers int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM waivers w
		WHERE w.edition_id = $1 AND w.required
		  AND NOT EXISTS (
			SELECT 1 FROM waiver_acceptances wa
			WHERE wa.waiver_id = w.id AND wa.registration_id = $2
		  )
	`, reg.EditionID, registrationID).Scan(&missingWaivers); err != nil {
		return domain.Registration{}, err
	}
	if missingWaivers > 0 {
		return domain.Registration{}, domain.ErrMissingWaiver
	}

	// The hold already occupies a slot; finalize must not double-count it.
	if err := r.admissible(ctx, tx, target, &registrationID); err != nil {
		return domain.Registration{}, err
	}

	newStatus := domain.StatusConfirmed
	routingKey := "registration.confirmed"
	if r.paymentEnabled {
		newStatus = domain.StatusPaymentPending
		routingKey = "registration.payment_requested"
	}
	expiresAt := r.ttl.ComputeExpiresAt(now, newStatus)

	updated, err := scanRegistration(tx.QueryRow(ctx, `
		UPDATE registrations AS r
		SET status = $2, expires_at = $3, updated_at = NOW()
		WHERE r.id = $1 AND r.status IN ('started', 'submitted')
		RETURNING `+registrationColumns,
		registrationID, string(newStatus), expiresAt,
	))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Registration{}, domain.ErrInvalidStateTransition
	}
	if err != nil {
		return domain.Registration{}, err
	}

	if err := r.insertAudit(ctx, tx, traceID, "registration.finalize", &buyerID,
		dc.Edition.OrganizationID, "registration", reg.ID, snapshotOf(reg), snapshotOf(updated)); err != nil {
		return domain.Registration{}, err
	}
	if err := r.insertOutbox(ctx, tx, traceID, routingKey, map[string]any{
		"registration_id": updated.ID,
		"edition_id":      updated.EditionID,
		"distance_id":     updated.DistanceID,
		"buyer_user_id":   buyerID,
		"total_cents":     updated.TotalCents,
	}); err != nil {
		return domain.Registration{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Registration{}, err
	}
	return updated, nil
}

// CancelRegistration releases the slot immediately. Cancelling an already
// cancelled registration is a no-op; a confirmed registration cannot be
// cancelled here, refunds run through a separate flow.
func (r *Repository) CancelRegistration(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reg, err := r.lockRegistrationOwned(ctx, tx, registrationID, buyerID)
	if err != nil {
		return err
	}
	if reg.Status == domain.StatusCancelled {
		return tx.Commit(ctx)
	}
	if reg.Status == domain.StatusConfirmed {
		return domain.ErrInvalidStateTransition
	}

	updated, err := scanRegistration(tx.QueryRow(ctx, `
		UPDATE registrations AS r
		SET status = 'cancelled', expires_at = NULL, updated_at = NOW()
		WHERE r.id = $1 AND r.status <> 'confirmed'
		RETURNING `+registrationColumns,
		registrationID,
	))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrInvalidStateTransition
	}
	if err != nil {
		return err
	}

	org, err := r.editionOrg(ctx, tx, reg.EditionID)
	if err != nil {
		return err
	}
	if err := r.insertAudit(ctx, tx, traceID, "registration.cancel", &buyerID,
		org, "registration", reg.ID, snapshotOf(reg), snapshotOf(updated)); err != nil {
		return err
	}
	if err := r.insertOutbox(ctx, tx, traceID, "registration.cancelled", map[string]any{
		"registration_id": reg.ID,
		"edition_id":      reg.EditionID,
		"distance_id":     reg.DistanceID,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ConfirmPayment is driven by the payment result consumer, not by the buyer;
// ownership is not checked here.
func (r *Repository) ConfirmPayment(ctx context.Context, traceID string, registrationID uuid.UUID) (domain.Registration, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Registration{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reg, err := r.ConfirmPaymentTx(ctx, tx, traceID, registrationID)
	if err != nil {
		return domain.Registration{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Registration{}, err
	}
	return reg, nil
}

// ConfirmPaymentTx is the transactional variant used by the payment result
// consumer, whose dedupe fence owns the transaction.
func (r *Repository) ConfirmPaymentTx(ctx context.Context, tx pgx.Tx, traceID string, registrationID uuid.UUID) (domain.Registration, error) {
	reg, err := scanRegistration(tx.QueryRow(ctx, `
		SELECT `+registrationColumns+`
		FROM registrations r
		WHERE r.id = $1 AND r.deleted_at IS NULL
		FOR UPDATE
	`, registrationID))
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.Status == domain.StatusConfirmed {
		return reg, nil
	}

	updated, err := scanRegistration(tx.QueryRow(ctx, `
		UPDATE registrations AS r
		SET status = 'confirmed', expires_at = NULL, updated_at = NOW()
		WHERE r.id = $1 AND r.status = 'payment_pending'
		RETURNING `+registrationColumns,
		registrationID,
	))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Registration{}, domain.ErrInvalidStateTransition
	}
	if err != nil {
		return domain.Registration{}, err
	}

	org, err := r.editionOrg(ctx, tx, reg.EditionID)
	if err != nil {
		return domain.Registration{}, err
	}
	if err := r.insertAudit(ctx, tx, traceID, "registration.payment_confirmed", nil,
		org, "registration", reg.ID, snapshotOf(reg), snapshotOf(updated)); err != nil {
		return domain.Registration{}, err
	}
	if err := r.insertOutbox(ctx, tx, traceID, "registration.confirmed", map[string]any{
		"registration_id": updated.ID,
		"edition_id":      updated.EditionID,
		"distance_id":     updated.DistanceID,
	}); err != nil {
		return domain.Registration{}, err
	}

	return updated, nil
}

// AcceptWaiver records acceptance for a waiver of the registration's edition.
// Accepting twice is a no-op.
func (r *Repository) AcceptWaiver(ctx context.Context, traceID string, registrationID, buyerID, waiverID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reg, err := r.lockRegistrationOwned(ctx, tx, registrationID, buyerID)
	if err != nil {
		return err
	}
	if domain.IsExpired(reg.Status, reg.ExpiresAt, time.Now().UTC()) {
		return domain.ErrRegistrationExpired
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM waivers WHERE id = $1 AND edition_id = $2)`,
		waiverID, reg.EditionID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO waiver_acceptances (id, registration_id, waiver_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (registration_id, waiver_id) DO NOTHING
	`, uuid.New(), registrationID, waiverID)
	if err != nil {
		return err
	}

	org, err := r.editionOrg(ctx, tx, reg.EditionID)
	if err != nil {
		return err
	}
	if err := r.insertAudit(ctx, tx, traceID, "registration.accept_waiver", &buyerID,
		org, "waiver", waiverID, nil, map[string]any{"registration_id": registrationID}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetAddOns replaces the registration's add-on selections wholesale and
// recomputes the persisted total.
func (r *Repository) SetAddOns(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, selections []domain.AddOnSelection) (domain.Registration, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Registration{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reg, err := r.lockRegistrationOwned(ctx, tx, registrationID, buyerID)
	if err != nil {
		return domain.Registration{}, err
	}
	if domain.IsExpired(reg.Status, reg.ExpiresAt, time.Now().UTC()) {
		return domain.Registration{}, domain.ErrRegistrationExpired
	}
	if reg.Status != domain.StatusStarted && reg.Status != domain.StatusSubmitted {
		return domain.Registration{}, domain.ErrInvalidStateTransition
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM addon_selections WHERE registration_id = $1`, registrationID); err != nil {
		return domain.Registration{}, err
	}

	for _, sel := range selections {
		if sel.Quantity <= 0 {
			return domain.Registration{}, domain.ErrValidation
		}
		var price int64
		err := tx.QueryRow(ctx,
			`SELECT price_cents FROM addons WHERE id = $1 AND edition_id = $2 AND is_active`,
			sel.AddOnID, reg.EditionID,
		).Scan(&price)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Registration{}, domain.ErrValidation
		}
		if err != nil {
			return domain.Registration{}, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO addon_selections (id, registration_id, addon_id, quantity, price_cents)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New(), registrationID, sel.AddOnID, sel.Quantity, price); err != nil {
			return domain.Registration{}, err
		}
	}

	updated, err := r.recomputeTotal(ctx, tx, registrationID)
	if err != nil {
		return domain.Registration{}, err
	}

	org, err := r.editionOrg(ctx, tx, reg.EditionID)
	if err != nil {
		return domain.Registration{}, err
	}
	if err := r.insertAudit(ctx, tx, traceID, "registration.set_addons", &buyerID,
		org, "registration", reg.ID, snapshotOf(reg), snapshotOf(updated)); err != nil {
		return domain.Registration{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Registration{}, err
	}
	return updated, nil
}

// recomputeTotal rebuilds the total snapshot from the row's price components,
// the add-on lines and any applied discount. Runs inside the caller's
// transaction with the registration row already locked.
func (r *Repository) recomputeTotal(ctx context.Context, tx pgx.Tx, registrationID uuid.UUID) (domain.Registration, error) {
	return scanRegistration(tx.QueryRow(ctx, `
		UPDATE registrations AS r
		SET total_cents = GREATEST(0,
				r.base_price_cents + r.fees_cents + r.tax_cents
				+ COALESCE((SELECT SUM(s.price_cents * s.quantity)
					FROM addon_selections s WHERE s.registration_id = r.id), 0)
				- COALESCE((SELECT dr.discount_amount_cents
					FROM discount_redemptions dr WHERE dr.registration_id = r.id), 0)),
			updated_at = NOW()
		WHERE r.id = $1
		RETURNING `+registrationColumns,
		registrationID,
	))
}

// StartExpiredHoldReaper periodically cancels holds that expired more than
// graceAge ago. Correctness never depends on it; active-claim queries judge
// expiry against NOW(). It exists so reporting does not accumulate stale
// started rows forever.
func (r *Repository) StartExpiredHoldReaper(ctx context.Context, interval, graceAge time.Duration) {
	go func() {
		log := logger.Logger.With().Str("component", "hold_reaper").Logger()

		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-t.C:
				tag, err := r.pool.Exec(ctx, `
					UPDATE registrations
					SET status = 'cancelled', expires_at = NULL, updated_at = NOW()
					WHERE status IN ('started','submitted','payment_pending')
					  AND deleted_at IS NULL
					  AND expires_at < NOW() - make_interval(secs => $1)
				`, graceAge.Seconds())
				if err != nil {
					log.Error().Err(err).Msg("expired hold reaper sweep failed")
					continue
				}
				if n := tag.RowsAffected(); n > 0 {
					log.Info().Int64("reaped", n).Msg("expired holds cancelled")
				}
			}
		}
	}()
}
