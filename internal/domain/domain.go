package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type RegistrationStatus string

const (
	StatusStarted        RegistrationStatus = "started"
	StatusSubmitted      RegistrationStatus = "submitted"
	StatusPaymentPending RegistrationStatus = "payment_pending"
	StatusConfirmed      RegistrationStatus = "confirmed"
	StatusCancelled      RegistrationStatus = "cancelled"
)

type CapacityScope string

const (
	ScopePerDistance CapacityScope = "per_distance"
	ScopeSharedPool  CapacityScope = "shared_pool"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrValidation        = errors.New("invalid input")
	ErrSoldOut           = errors.New("sold out")
	ErrEventNotAvailable = errors.New("event not available for registration")

	ErrRegistrationExpired    = errors.New("registration hold expired")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMissingRegistrant      = errors.New("registrant info missing")
	ErrMissingWaiver          = errors.New("waiver acceptance missing")

	ErrDiscountInvalid        = errors.New("discount code invalid")
	ErrDiscountAlreadyApplied = errors.New("discount already applied")
	ErrMaxRedemptions         = errors.New("discount redemption cap reached")

	ErrTierOverlap = errors.New("pricing tier window overlaps an existing tier")

	ErrCacheMiss = errors.New("cache miss")
)

type KeysetCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type Registration struct {
	ID uuid.UUID

	EditionID  uuid.UUID
	DistanceID uuid.UUID
	// BuyerUserID is nil for invite-based holds awaiting claim.
	BuyerUserID *uuid.UUID

	Status    RegistrationStatus
	ExpiresAt *time.Time

	BasePriceCents int64
	FeesCents      int64
	TaxCents       int64
	// TotalCents is a persisted snapshot, recomputed on every input change.
	TotalCents int64

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

type RegistrantProfile struct {
	FirstName   string
	LastName    string
	Email       string
	DateOfBirth *time.Time
	Phone       string
}

type Edition struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Published      bool
	Paused         bool
	OpensAt        *time.Time
	ClosesAt       *time.Time
	// SharedCapacity caps all shared_pool distances together; nil = unconstrained.
	SharedCapacity *int
}

type Distance struct {
	ID        uuid.UUID
	EditionID uuid.UUID
	Name      string
	// Capacity is nil for unlimited.
	Capacity *int
	Scope    CapacityScope
}

type PricingTier struct {
	ID         uuid.UUID
	DistanceID uuid.UUID
	Name       string
	PriceCents int64
	StartsAt   *time.Time
	EndsAt     *time.Time
	SortOrder  int
}

type PriceQuote struct {
	TierID     uuid.UUID
	TierName   string
	PriceCents int64
}

type Availability struct {
	DistanceID  uuid.UUID
	Scope       CapacityScope
	Capacity    *int
	ActiveCount int
	// SpotsLeft is nil when capacity is unlimited.
	SpotsLeft *int
}

type AddOnSelection struct {
	AddOnID  uuid.UUID
	Quantity int
}

type RosterRow struct {
	FirstName   string
	LastName    string
	Email       string
	DateOfBirth *time.Time
}

type BulkRowOutcome struct {
	Email          string
	Reserved       bool
	RegistrationID *uuid.UUID
	FailReason     string
}

type BulkResult struct {
	BatchID  uuid.UUID
	Reserved int
	Failed   int
	Rows     []BulkRowOutcome
}

// GroupDiscountRule reduces the base price on every reserved row of a batch
// once the reserved count reaches MinSize.
type GroupDiscountRule struct {
	MinSize    int
	PercentOff int64
}

// RegistrationRepository owns all transactional work: row locks, derived
// capacity counts, conditional status updates, and the in-transaction audit
// and outbox writes.
type RegistrationRepository interface {
	StartRegistration(ctx context.Context, traceID string, distanceID, buyerID uuid.UUID) (Registration, error)
	GetRegistration(ctx context.Context, registrationID, buyerID uuid.UUID) (Registration, error)
	SubmitRegistrantInfo(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, profile RegistrantProfile) (Registration, error)
	FinalizeRegistration(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) (Registration, error)
	CancelRegistration(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) error
	ConfirmPayment(ctx context.Context, traceID string, registrationID uuid.UUID) (Registration, error)

	ValidateDiscount(ctx context.Context, editionID uuid.UUID, code string, basePriceCents int64) (int64, error)
	ApplyDiscount(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, code string) (int64, error)
	RemoveDiscount(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) error

	SetAddOns(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, selections []AddOnSelection) (Registration, error)
	AcceptWaiver(ctx context.Context, traceID string, registrationID, buyerID, waiverID uuid.UUID) error

	// Bulk invites: the hold carries a nil buyer until claimed.
	ReserveInvite(ctx context.Context, traceID string, batchID, editionID, distanceID uuid.UUID, row RosterRow) (Registration, error)
	HasActiveClaimByEmail(ctx context.Context, editionID uuid.UUID, email string) (bool, error)
	KnownDateOfBirth(ctx context.Context, email string) (*time.Time, error)
	CreateBulkBatch(ctx context.Context, editionID, distanceID, uploadedBy uuid.UUID, rowCount int) (uuid.UUID, error)
	FinishBulkBatch(ctx context.Context, traceID string, batchID uuid.UUID, reserved, failed int, rule *GroupDiscountRule) error

	// Advisory reads: never the basis for an admission decision.
	Availability(ctx context.Context, distanceID uuid.UUID) (Availability, error)
	CurrentPrice(ctx context.Context, distanceID uuid.UUID, at time.Time) (PriceQuote, error)
	ListMyRegistrations(ctx context.Context, buyerID uuid.UUID, statuses []RegistrationStatus, limit int, cursor *KeysetCursor) ([]Registration, *KeysetCursor, error)

	CreatePricingTier(ctx context.Context, traceID string, tier PricingTier) (PricingTier, error)
}

type CacheRepository interface {
	GetSpotsLeft(ctx context.Context, distanceID uuid.UUID) (int, error)
	SetSpotsLeft(ctx context.Context, distanceID uuid.UUID, spots int) error
	InvalidateSpots(ctx context.Context, distanceID uuid.UUID) error

	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}
