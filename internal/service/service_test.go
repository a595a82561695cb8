package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/audit"
	"github.com/raceline/registration-service/internal/domain"
	"github.com/raceline/registration-service/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockRepo struct{ mock.Mock }

func (m *MockRepo) StartRegistration(ctx context.Context, tid string, did, bid uuid.UUID) (domain.Registration, error) {
	args := m.Called(ctx, tid, did, bid)
	return args.Get(0).(domain.Registration), args.Error(1)
}
func (m *MockRepo) GetRegistration(ctx context.Context, rid, bid uuid.UUID) (domain.Registration, error) {
	args := m.Called(ctx, rid, bid)
	return args.Get(0).(domain.Registration), args.Error(1)
}
func (m *MockRepo) SubmitRegistrantInfo(ctx context.Context, tid string, rid, bid uuid.UUID, p domain.RegistrantProfile) (domain.Registration, error) {
	args := m.Called(ctx, tid, rid, bid, p)
	return args.Get(0).(domain.Registration), args.Error(1)
}
func (m *MockRepo) FinalizeRegistration(ctx context.Context, tid string, rid, bid uuid.UUID) (domain.Registration, error) {
	args := m.Called(ctx, tid, rid, bid)
	return args.Get(0).(domain.Registration), args.Error(1)
}
func (m *MockRepo) CancelRegistration(ctx context.Context, tid string, rid, bid uuid.UUID) error {
	return m.Called(ctx, tid, rid, bid).Error(0)
}
func (m *MockRepo) ConfirmPayment(ctx context.Context, tid string, rid uuid.UUID) (domain.Registration, error) {
	args := m.Called(ctx, tid, rid)
	return args.Get(0).(domain.Registration), args.Error(1)
}
func (m *MockRepo) ValidateDiscount(ctx context.Context, eid uuid.UUID, code string, base int64) (int64, error) {
	args := m.Called(ctx, eid, code, base)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepo) ApplyDiscount(ctx context.Context, tid string, rid, bid uuid.UUID, code string) (int64, error) {
	args := m.Called(ctx, tid, rid, bid, code)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepo) RemoveDiscount(ctx context.Context, tid string, rid, bid uuid.UUID) error {
	return m.Called(ctx, tid, rid, bid).Error(0)
}
func (m *MockRepo) SetAddOns(ctx context.Context, tid string, rid, bid uuid.UUID, sel []domain.AddOnSelection) (domain.Registration, error) {
	args := m.Called(ctx, tid, rid, bid, sel)
	return args.Get(0).(domain.Registration), args.Error(1)
}
func (m *MockRepo) AcceptWaiver(ctx context.Context, tid string, rid, bid, wid uuid.UUID) error {
	return m.Called(ctx, tid, rid, bid, wid).Error(0)
}
func (m *MockRepo) ReserveInvite(ctx context.Context, tid string, batchID, eid, did uuid.UUID, row domain.RosterRow) (domain.Registration, error) {
	args := m.Called(ctx, tid, batchID, eid, did, row)
	return args.Get(0).(domain.Registration), args.Error(1)
}
func (m *MockRepo) HasActiveClaimByEmail(ctx context.Context, eid uuid.UUID, email string) (bool, error) {
	args := m.Called(ctx, eid, email)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepo) KnownDateOfBirth(ctx context.Context, email string) (*time.Time, error) {
	args := m.Called(ctx, email)
	var t *time.Time
	if v := args.Get(0); v != nil {
		t = v.(*time.Time)
	}
	return t, args.Error(1)
}
func (m *MockRepo) CreateBulkBatch(ctx context.Context, eid, did, by uuid.UUID, n int) (uuid.UUID, error) {
	args := m.Called(ctx, eid, did, by, n)
	return args.Get(0).(uuid.UUID), args.Error(1)
}
func (m *MockRepo) FinishBulkBatch(ctx context.Context, tid string, batchID uuid.UUID, reserved, failed int, rule *domain.GroupDiscountRule) error {
	return m.Called(ctx, tid, batchID, reserved, failed, rule).Error(0)
}
func (m *MockRepo) Availability(ctx context.Context, did uuid.UUID) (domain.Availability, error) {
	args := m.Called(ctx, did)
	return args.Get(0).(domain.Availability), args.Error(1)
}
func (m *MockRepo) CurrentPrice(ctx context.Context, did uuid.UUID, at time.Time) (domain.PriceQuote, error) {
	args := m.Called(ctx, did, at)
	return args.Get(0).(domain.PriceQuote), args.Error(1)
}
func (m *MockRepo) ListMyRegistrations(ctx context.Context, bid uuid.UUID, st []domain.RegistrationStatus, l int, c *domain.KeysetCursor) ([]domain.Registration, *domain.KeysetCursor, error) {
	args := m.Called(ctx, bid, st, l, c)
	var regs []domain.Registration
	if v := args.Get(0); v != nil {
		regs = v.([]domain.Registration)
	}
	var next *domain.KeysetCursor
	if v := args.Get(1); v != nil {
		next = v.(*domain.KeysetCursor)
	}
	return regs, next, args.Error(2)
}
func (m *MockRepo) CreatePricingTier(ctx context.Context, tid string, tier domain.PricingTier) (domain.PricingTier, error) {
	args := m.Called(ctx, tid, tier)
	return args.Get(0).(domain.PricingTier), args.Error(1)
}

type MockCache struct{ mock.Mock }

func (m *MockCache) GetSpotsLeft(ctx context.Context, did uuid.UUID) (int, error) {
	args := m.Called(ctx, did)
	return args.Int(0), args.Error(1)
}
func (m *MockCache) SetSpotsLeft(ctx context.Context, did uuid.UUID, spots int) error {
	return m.Called(ctx, did, spots).Error(0)
}
func (m *MockCache) InvalidateSpots(ctx context.Context, did uuid.UUID) error {
	return m.Called(ctx, did).Error(0)
}
func (m *MockCache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, ip, limit, window)
	return args.Bool(0), args.Error(1)
}

func newSvc(repo *MockRepo, cache *MockCache) *service.RegistrationService {
	if cache == nil {
		return service.NewRegistrationService(repo, nil, audit.New(zerolog.Nop()))
	}
	return service.NewRegistrationService(repo, cache, audit.New(zerolog.Nop()))
}

func TestStart_Success_InvalidatesCache(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	distanceID := uuid.New()
	buyerID := uuid.New()

	reg := domain.Registration{ID: uuid.New(), DistanceID: distanceID, Status: domain.StatusStarted, TotalCents: 10500}

	repo.On("StartRegistration", ctx, "trace", distanceID, buyerID).Return(reg, nil)
	cache.On("InvalidateSpots", ctx, distanceID).Return(nil)

	got, err := svc.Start(ctx, "trace", distanceID, buyerID)
	assert.NoError(t, err)
	assert.Equal(t, reg.ID, got.ID)
	repo.AssertExpectations(t)
	cache.AssertExpectations(t)
}

// A cached zero spots-left must not short-circuit start: the buyer may
// already hold one of the claims making the distance full, and retries have
// to get that hold back instead of a spurious sold-out.
func TestStart_FullDistanceStillReturnsExistingHold(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	distanceID := uuid.New()
	buyerID := uuid.New()

	existing := domain.Registration{ID: uuid.New(), DistanceID: distanceID, BuyerUserID: &buyerID, Status: domain.StatusStarted}

	cache.On("GetSpotsLeft", ctx, distanceID).Return(0, nil).Maybe()
	repo.On("StartRegistration", ctx, "trace", distanceID, buyerID).Return(existing, nil)
	cache.On("InvalidateSpots", ctx, distanceID).Return(nil)

	got, err := svc.Start(ctx, "trace", distanceID, buyerID)
	assert.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	repo.AssertExpectations(t)
}

func TestStart_SoldOutFromRepo(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	distanceID := uuid.New()
	buyerID := uuid.New()

	repo.On("StartRegistration", ctx, "trace", distanceID, buyerID).
		Return(domain.Registration{}, domain.ErrSoldOut)

	_, err := svc.Start(ctx, "trace", distanceID, buyerID)
	assert.ErrorIs(t, err, domain.ErrSoldOut)
}

func TestSubmitRegistrant_Validation(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	rid := uuid.New()
	bid := uuid.New()

	cases := []struct {
		name    string
		profile domain.RegistrantProfile
	}{
		{"missing first name", domain.RegistrantProfile{LastName: "Riley", Email: "r@example.com"}},
		{"missing last name", domain.RegistrantProfile{FirstName: "Ash", Email: "r@example.com"}},
		{"bad email", domain.RegistrantProfile{FirstName: "Ash", LastName: "Riley", Email: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitRegistrant(ctx, "trace", rid, bid, tc.profile)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	repo.AssertNotCalled(t, "SubmitRegistrantInfo",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitRegistrant_TrimsAndPasses(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	rid := uuid.New()
	bid := uuid.New()

	want := domain.RegistrantProfile{FirstName: "Ash", LastName: "Riley", Email: "ash@example.com"}
	repo.On("SubmitRegistrantInfo", ctx, "trace", rid, bid, want).
		Return(domain.Registration{ID: rid, Status: domain.StatusSubmitted}, nil)

	got, err := svc.SubmitRegistrant(ctx, "trace", rid, bid, domain.RegistrantProfile{
		FirstName: "  Ash ", LastName: " Riley ", Email: " ash@example.com ",
	})
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
	repo.AssertExpectations(t)
}

func TestFinalize_InvalidatesCache(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	rid := uuid.New()
	bid := uuid.New()
	did := uuid.New()

	repo.On("FinalizeRegistration", ctx, "trace", rid, bid).
		Return(domain.Registration{ID: rid, DistanceID: did, Status: domain.StatusConfirmed}, nil)
	cache.On("InvalidateSpots", ctx, did).Return(nil)

	got, err := svc.Finalize(ctx, "trace", rid, bid)
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	cache.AssertExpectations(t)
}

func TestFinalize_ExpiredHold(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	rid := uuid.New()
	bid := uuid.New()

	repo.On("FinalizeRegistration", ctx, "trace", rid, bid).
		Return(domain.Registration{}, domain.ErrRegistrationExpired)

	_, err := svc.Finalize(ctx, "trace", rid, bid)
	assert.ErrorIs(t, err, domain.ErrRegistrationExpired)
}

func TestApplyDiscount_EmptyCodeRejected(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)

	_, err := svc.ApplyDiscount(context.Background(), "trace", uuid.New(), uuid.New(), "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	repo.AssertNotCalled(t, "ApplyDiscount",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyDiscount_TrimsCode(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	rid := uuid.New()
	bid := uuid.New()

	repo.On("ApplyDiscount", ctx, "trace", rid, bid, "SAVE10").Return(int64(1000), nil)

	amount, err := svc.ApplyDiscount(ctx, "trace", rid, bid, " SAVE10 ")
	assert.NoError(t, err)
	assert.Equal(t, int64(1000), amount)
	repo.AssertExpectations(t)
}

func TestSetAddOns_RejectsDuplicatesAndZeroQty(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	addon := uuid.New()

	_, err := svc.SetAddOns(ctx, "trace", uuid.New(), uuid.New(), []domain.AddOnSelection{
		{AddOnID: addon, Quantity: 1},
		{AddOnID: addon, Quantity: 2},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.SetAddOns(ctx, "trace", uuid.New(), uuid.New(), []domain.AddOnSelection{
		{AddOnID: uuid.New(), Quantity: 0},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListMyRegistrations_RejectsUnknownStatus(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)

	_, _, err := svc.ListMyRegistrations(context.Background(), uuid.New(),
		[]domain.RegistrationStatus{"waitlisted"}, 10, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreatePricingTier_RoleGuard(t *testing.T) {
	ctx := context.Background()
	tier := domain.PricingTier{DistanceID: uuid.New(), Name: "Early Bird", PriceCents: 5000}

	t.Run("buyer role forbidden", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		_, err := svc.CreatePricingTier(ctx, "trace", "buyer", tier)
		assert.ErrorIs(t, err, domain.ErrForbidden)
		repo.AssertNotCalled(t, "CreatePricingTier", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("organizer allowed", func(t *testing.T) {
		repo := new(MockRepo)
		cache := new(MockCache)
		svc := newSvc(repo, cache)

		created := tier
		created.ID = uuid.New()
		repo.On("CreatePricingTier", ctx, "trace", tier).Return(created, nil)
		cache.On("InvalidateSpots", ctx, tier.DistanceID).Return(nil)

		got, err := svc.CreatePricingTier(ctx, "trace", "organizer", tier)
		assert.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		repo.AssertExpectations(t)
	})
}

func TestAvailability_PrimesCache(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	did := uuid.New()

	capacity := 100
	left := 37
	repo.On("Availability", ctx, did).Return(domain.Availability{
		DistanceID:  did,
		Scope:       domain.ScopePerDistance,
		Capacity:    &capacity,
		ActiveCount: 63,
		SpotsLeft:   &left,
	}, nil)
	cache.On("SetSpotsLeft", ctx, did, 37).Return(nil)

	av, err := svc.Availability(ctx, did)
	assert.NoError(t, err)
	assert.Equal(t, 63, av.ActiveCount)
	cache.AssertExpectations(t)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()

	cache.On("AllowRequest", ctx, "1.2.3.4", 100, time.Minute).
		Return(false, assert.AnError)

	assert.True(t, svc.RateLimit(ctx, "1.2.3.4", 100, time.Minute))
}
