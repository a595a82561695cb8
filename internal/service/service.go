package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/audit"
	"github.com/raceline/registration-service/internal/domain"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

type RegistrationService struct {
	repo  domain.RegistrationRepository
	cache domain.CacheRepository
	audit *audit.Logger
}

func NewRegistrationService(repo domain.RegistrationRepository, cache domain.CacheRepository, auditLog *audit.Logger) *RegistrationService {
	return &RegistrationService{repo: repo, cache: cache, audit: auditLog}
}

func isPrivileged(role string) bool {
	r := strings.ToLower(strings.TrimSpace(role))
	return r == "admin" || r == "organizer"
}

// invalidateSpots drops the cached availability figure after any write that
// changes the active count. Redis errors are ignored; the cache is advisory.
func (s *RegistrationService) invalidateSpots(ctx context.Context, distanceID uuid.UUID) {
	if s.cache != nil {
		_ = s.cache.InvalidateSpots(ctx, distanceID)
	}
}

func (s *RegistrationService) Start(ctx context.Context, traceID string, distanceID, buyerID uuid.UUID) (domain.Registration, error) {
	// No cache short-circuit here: start must always reach the repository so
	// a buyer who already holds an active claim gets it back even when the
	// distance reads as full.
	reg, err := s.repo.StartRegistration(ctx, traceID, distanceID, buyerID)
	if err != nil {
		return domain.Registration{}, err
	}
	s.invalidateSpots(ctx, distanceID)
	s.audit.RegistrationStarted(ctx, reg.ID, distanceID, buyerID, reg.TotalCents)
	return reg, nil
}

func (s *RegistrationService) Get(ctx context.Context, registrationID, buyerID uuid.UUID) (domain.Registration, error) {
	return s.repo.GetRegistration(ctx, registrationID, buyerID)
}

func validateProfile(p domain.RegistrantProfile) error {
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		return domain.ErrValidation
	}
	if !emailRe.MatchString(strings.TrimSpace(p.Email)) {
		return domain.ErrValidation
	}
	if p.DateOfBirth != nil && p.DateOfBirth.After(time.Now()) {
		return domain.ErrValidation
	}
	return nil
}

func (s *RegistrationService) SubmitRegistrant(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, profile domain.RegistrantProfile) (domain.Registration, error) {
	if err := validateProfile(profile); err != nil {
		return domain.Registration{}, err
	}
	profile.FirstName = strings.TrimSpace(profile.FirstName)
	profile.LastName = strings.TrimSpace(profile.LastName)
	profile.Email = strings.TrimSpace(profile.Email)
	profile.Phone = strings.TrimSpace(profile.Phone)

	reg, err := s.repo.SubmitRegistrantInfo(ctx, traceID, registrationID, buyerID, profile)
	if err != nil {
		return domain.Registration{}, err
	}
	s.audit.RegistrantSubmitted(ctx, registrationID, buyerID)
	return reg, nil
}

func (s *RegistrationService) Finalize(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) (domain.Registration, error) {
	reg, err := s.repo.FinalizeRegistration(ctx, traceID, registrationID, buyerID)
	if err != nil {
		return domain.Registration{}, err
	}
	s.invalidateSpots(ctx, reg.DistanceID)
	s.audit.RegistrationFinalized(ctx, reg.ID, string(reg.Status), reg.TotalCents)
	return reg, nil
}

func (s *RegistrationService) Cancel(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) error {
	reg, err := s.repo.GetRegistration(ctx, registrationID, buyerID)
	if err != nil {
		return err
	}
	if err := s.repo.CancelRegistration(ctx, traceID, registrationID, buyerID); err != nil {
		return err
	}
	s.invalidateSpots(ctx, reg.DistanceID)
	s.audit.RegistrationCancelled(ctx, registrationID, buyerID)
	return nil
}

func (s *RegistrationService) ApplyDiscount(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, code string) (int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, domain.ErrValidation
	}
	amount, err := s.repo.ApplyDiscount(ctx, traceID, registrationID, buyerID, code)
	if err != nil {
		return 0, err
	}
	s.audit.DiscountApplied(ctx, registrationID, code, amount)
	return amount, nil
}

func (s *RegistrationService) RemoveDiscount(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID) error {
	if err := s.repo.RemoveDiscount(ctx, traceID, registrationID, buyerID); err != nil {
		return err
	}
	s.audit.DiscountRemoved(ctx, registrationID)
	return nil
}

func (s *RegistrationService) ValidateDiscount(ctx context.Context, editionID uuid.UUID, code string, basePriceCents int64) (int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, domain.ErrValidation
	}
	return s.repo.ValidateDiscount(ctx, editionID, code, basePriceCents)
}

func (s *RegistrationService) SetAddOns(ctx context.Context, traceID string, registrationID, buyerID uuid.UUID, selections []domain.AddOnSelection) (domain.Registration, error) {
	seen := make(map[uuid.UUID]bool, len(selections))
	for _, sel := range selections {
		if sel.Quantity <= 0 || seen[sel.AddOnID] {
			return domain.Registration{}, domain.ErrValidation
		}
		seen[sel.AddOnID] = true
	}
	return s.repo.SetAddOns(ctx, traceID, registrationID, buyerID, selections)
}

func (s *RegistrationService) AcceptWaiver(ctx context.Context, traceID string, registrationID, buyerID, waiverID uuid.UUID) error {
	return s.repo.AcceptWaiver(ctx, traceID, registrationID, buyerID, waiverID)
}

// Availability serves the advisory figure read-through: cache hit wins,
// miss falls back to a derived count and primes the cache.
func (s *RegistrationService) Availability(ctx context.Context, distanceID uuid.UUID) (domain.Availability, error) {
	av, err := s.repo.Availability(ctx, distanceID)
	if err != nil {
		return domain.Availability{}, err
	}
	if s.cache != nil && av.SpotsLeft != nil {
		_ = s.cache.SetSpotsLeft(ctx, distanceID, *av.SpotsLeft)
	}
	return av, nil
}

func (s *RegistrationService) CurrentPrice(ctx context.Context, distanceID uuid.UUID) (domain.PriceQuote, error) {
	return s.repo.CurrentPrice(ctx, distanceID, time.Now().UTC())
}

func (s *RegistrationService) ListMyRegistrations(ctx context.Context, buyerID uuid.UUID, statuses []domain.RegistrationStatus, limit int, cursor *domain.KeysetCursor) ([]domain.Registration, *domain.KeysetCursor, error) {
	for _, st := range statuses {
		switch st {
		case domain.StatusStarted, domain.StatusSubmitted, domain.StatusPaymentPending,
			domain.StatusConfirmed, domain.StatusCancelled:
		default:
			return nil, nil, domain.ErrValidation
		}
	}
	return s.repo.ListMyRegistrations(ctx, buyerID, statuses, limit, cursor)
}

func (s *RegistrationService) CreatePricingTier(ctx context.Context, traceID string, role string, tier domain.PricingTier) (domain.PricingTier, error) {
	if !isPrivileged(role) {
		return domain.PricingTier{}, domain.ErrForbidden
	}
	created, err := s.repo.CreatePricingTier(ctx, traceID, tier)
	if err != nil {
		return domain.PricingTier{}, err
	}
	// A new tier can change the quoted price immediately.
	s.invalidateSpots(ctx, tier.DistanceID)
	return created, nil
}

// RateLimit wraps the cache-backed fixed-window limiter; Redis being down
// never blocks traffic.
func (s *RegistrationService) RateLimit(ctx context.Context, ip string, limit int, window time.Duration) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.AllowRequest(ctx, ip, limit, window)
	if err != nil {
		return true
	}
	return ok
}

// IsRetryable reports whether an error is a transient infrastructure
// failure rather than a domain outcome.
func IsRetryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrSoldOut),
		errors.Is(err, domain.ErrEventNotAvailable),
		errors.Is(err, domain.ErrRegistrationExpired),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrMissingRegistrant),
		errors.Is(err, domain.ErrMissingWaiver),
		errors.Is(err, domain.ErrDiscountInvalid),
		errors.Is(err, domain.ErrDiscountAlreadyApplied),
		errors.Is(err, domain.ErrMaxRedemptions),
		errors.Is(err, domain.ErrTierOverlap):
		return false
	}
	return true
}
