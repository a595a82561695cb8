package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/raceline/registration-service/internal/domain"
)

type Repository struct {
	pool           *pgxpool.Pool
	ttl            domain.HoldTTL
	fees           domain.FeePolicy
	paymentEnabled bool
}

func New(pool *pgxpool.Pool, ttl domain.HoldTTL, fees domain.FeePolicy, paymentEnabled bool) *Repository {
	if fees == nil {
		fees = domain.FlatRateFee{Bps: 500}
	}
	return &Repository{pool: pool, ttl: ttl, fees: fees, paymentEnabled: paymentEnabled}
}

// -------------------------
// Deadlock policy:
// Always lock in this order (for the same scope):
//   1) capacity scope row (distances row for per_distance, editions row
//      for shared_pool) FOR UPDATE
//   2) registrations row FOR UPDATE if needed
// Discount application locks the discount_codes row before the
// registrations row.
// Capacity is never materialized as a counter; it is derived by counting
// rows inside the transaction that holds the scope lock.
// -------------------------

// activeClaim is the predicate for a registration that occupies a capacity
// slot: confirmed, or held with an unexpired TTL. The stored status of an
// expired hold is unchanged; it simply stops counting.
const activeClaim = `r.deleted_at IS NULL
	AND (r.status = 'confirmed'
		OR (r.status IN ('started','submitted','payment_pending') AND r.expires_at > NOW()))`

// scopeTarget describes where a distance draws capacity from.
type scopeTarget struct {
	EditionID  uuid.UUID
	DistanceID uuid.UUID
	Scope      domain.CapacityScope
	// Capacity is nil when unconstrained.
	Capacity *int
}

// lockScope serializes all admission decisions for the target: the distance
// row for per_distance, the edition row for shared_pool.
func (r *Repository) lockScope(ctx context.Context, tx pgx.Tx, target scopeTarget) error {
	var err error
	if target.Scope == domain.ScopeSharedPool {
		_, err = tx.Exec(ctx, `SELECT 1 FROM editions WHERE id = $1 FOR UPDATE`, target.EditionID)
	} else {
		_, err = tx.Exec(ctx, `SELECT 1 FROM distances WHERE id = $1 FOR UPDATE`, target.DistanceID)
	}
	return err
}

// countActive is the capacity accountant. It must run inside the transaction
// that holds the scope lock; counting outside the lock and trusting the
// result afterward is the classic oversell bug. excludeID removes one
// registration from the count (used at finalize, where the current hold is
// part of the population).
func (r *Repository) countActive(ctx context.Context, tx pgx.Tx, target scopeTarget, excludeID *uuid.UUID) (int, error) {
	var (
		q    string
		args []any
	)
	if target.Scope == domain.ScopeSharedPool {
		q = `SELECT COUNT(*)
			FROM registrations r
			JOIN distances d ON d.id = r.distance_id
			WHERE r.edition_id = $1 AND d.capacity_scope = 'shared_pool' AND ` + activeClaim
		args = []any{target.EditionID}
	} else {
		q = `SELECT COUNT(*) FROM registrations r WHERE r.distance_id = $1 AND ` + activeClaim
		args = []any{target.DistanceID}
	}
	if excludeID != nil {
		q += fmt.Sprintf(" AND r.id <> $%d", len(args)+1)
		args = append(args, *excludeID)
	}

	var n int
	if err := tx.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// admissible applies the decision rule: a new or continuing reservation fits
// iff activeCount < capacity. A nil capacity never constrains.
func (r *Repository) admissible(ctx context.Context, tx pgx.Tx, target scopeTarget, excludeID *uuid.UUID) error {
	if target.Capacity == nil {
		return nil
	}
	n, err := r.countActive(ctx, tx, target, excludeID)
	if err != nil {
		return err
	}
	if n >= *target.Capacity {
		return domain.ErrSoldOut
	}
	return nil
}

// distanceContext is the fresh edition+distance read every admission path
// starts from.
type distanceContext struct {
	Distance domain.Distance
	Edition  domain.Edition
}

func (dc distanceContext) target() scopeTarget {
	t := scopeTarget{
		EditionID:  dc.Edition.ID,
		DistanceID: dc.Distance.ID,
		Scope:      dc.Distance.Scope,
		Capacity:   dc.Distance.Capacity,
	}
	if dc.Distance.Scope == domain.ScopeSharedPool {
		t.Capacity = dc.Edition.SharedCapacity
	}
	return t
}

func (r *Repository) loadDistanceContext(ctx context.Context, tx pgx.Tx, distanceID uuid.UUID) (distanceContext, error) {
	const q = `SELECT d.id, d.edition_id, d.name, d.capacity, d.capacity_scope,
			e.organization_id, e.name, e.published, e.registration_paused,
			e.registration_opens_at, e.registration_closes_at, e.shared_capacity
		FROM distances d
		JOIN editions e ON e.id = d.edition_id
		WHERE d.id = $1 AND d.deleted_at IS NULL AND e.deleted_at IS NULL`

	var dc distanceContext
	err := tx.QueryRow(ctx, q, distanceID).Scan(
		&dc.Distance.ID, &dc.Distance.EditionID, &dc.Distance.Name,
		&dc.Distance.Capacity, &dc.Distance.Scope,
		&dc.Edition.OrganizationID, &dc.Edition.Name, &dc.Edition.Published,
		&dc.Edition.Paused, &dc.Edition.OpensAt, &dc.Edition.ClosesAt,
		&dc.Edition.SharedCapacity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return distanceContext{}, domain.ErrNotFound
	}
	if err != nil {
		return distanceContext{}, err
	}
	dc.Edition.ID = dc.Distance.EditionID
	return dc, nil
}

// checkAvailability validates publish state, pause flag and the open-close
// window against now.
func checkAvailability(e domain.Edition, now time.Time) error {
	if !e.Published || e.Paused {
		return domain.ErrEventNotAvailable
	}
	if e.OpensAt != nil && now.Before(*e.OpensAt) {
		return domain.ErrEventNotAvailable
	}
	if e.ClosesAt != nil && !now.Before(*e.ClosesAt) {
		return domain.ErrEventNotAvailable
	}
	return nil
}

// insertAudit writes one audit_log row inside the caller's transaction.
// A failed audit write fails the whole operation; the trail is a required
// side effect, never best-effort.
func (r *Repository) insertAudit(ctx context.Context, tx pgx.Tx, traceID, action string, actorID *uuid.UUID, orgID uuid.UUID, entityType string, entityID uuid.UUID, before, after any) error {
	var beforeJSON, afterJSON []byte
	var err error
	if before != nil {
		if beforeJSON, err = json.Marshal(before); err != nil {
			return err
		}
	}
	if after != nil {
		if afterJSON, err = json.Marshal(after); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (id, actor_user_id, organization_id, action, entity_type, entity_id, before, after, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New(), actorID, orgID, action, entityType, entityID, beforeJSON, afterJSON, traceID)
	return err
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, traceID, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		 VALUES ($1, $2, $3, $4, NOW(), 'pending')`,
		uuid.New(), traceID, routingKey, body,
	)
	return err
}

const registrationColumns = `r.id, r.edition_id, r.distance_id, r.buyer_user_id, r.status, r.expires_at,
	r.base_price_cents, r.fees_cents, r.tax_cents, r.total_cents, r.created_at, r.updated_at, r.deleted_at`

func scanRegistration(row pgx.Row) (domain.Registration, error) {
	var reg domain.Registration
	var status string
	err := row.Scan(
		&reg.ID, &reg.EditionID, &reg.DistanceID, &reg.BuyerUserID, &status, &reg.ExpiresAt,
		&reg.BasePriceCents, &reg.FeesCents, &reg.TaxCents, &reg.TotalCents,
		&reg.CreatedAt, &reg.UpdatedAt, &reg.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Registration{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Registration{}, err
	}
	reg.Status = domain.RegistrationStatus(status)
	return reg, nil
}

// auditSnapshot is the before/after field snapshot recorded with every
// state-changing operation.
type auditSnapshot struct {
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	BasePriceCents int64      `json:"base_price_cents"`
	FeesCents      int64      `json:"fees_cents"`
	TaxCents       int64      `json:"tax_cents"`
	TotalCents     int64      `json:"total_cents"`
}

func snapshotOf(reg domain.Registration) auditSnapshot {
	return auditSnapshot{
		Status:         string(reg.Status),
		ExpiresAt:      reg.ExpiresAt,
		BasePriceCents: reg.BasePriceCents,
		FeesCents:      reg.FeesCents,
		TaxCents:       reg.TaxCents,
		TotalCents:     reg.TotalCents,
	}
}

// editionOrg resolves the owning organization for audit rows.
func (r *Repository) editionOrg(ctx context.Context, tx pgx.Tx, editionID uuid.UUID) (uuid.UUID, error) {
	var org uuid.UUID
	err := tx.QueryRow(ctx, `SELECT organization_id FROM editions WHERE id = $1`, editionID).Scan(&org)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, domain.ErrNotFound
	}
	return org, err
}
