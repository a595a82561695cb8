package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func rosterRow(first, last, email string) domain.RosterRow {
	return domain.RosterRow{FirstName: first, LastName: last, Email: email}
}

func TestBulkReserve_RoleGuard(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)

	_, err := svc.BulkReserve(context.Background(), "trace", "buyer",
		uuid.New(), uuid.New(), uuid.New(),
		[]domain.RosterRow{rosterRow("Ash", "Riley", "a@example.com")}, nil)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	repo.AssertNotCalled(t, "CreateBulkBatch",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBulkReserve_EmptyRoster(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)

	_, err := svc.BulkReserve(context.Background(), "trace", "organizer",
		uuid.New(), uuid.New(), uuid.New(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBulkReserve_MixedOutcomes(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	editionID := uuid.New()
	distanceID := uuid.New()
	uploadedBy := uuid.New()
	batchID := uuid.New()

	rows := []domain.RosterRow{
		rosterRow("Ash", "Riley", "ash@example.com"),
		rosterRow("", "Nolan", "nolan@example.com"),
		rosterRow("Kit", "Moss", "not-an-email"),
		rosterRow("Ash", "Riley", "ASH@example.com"),
		rosterRow("Sam", "Lowe", "sam@example.com"),
	}

	repo.On("CreateBulkBatch", ctx, editionID, distanceID, uploadedBy, 5).Return(batchID, nil)
	repo.On("HasActiveClaimByEmail", ctx, editionID, "ash@example.com").Return(false, nil)
	repo.On("HasActiveClaimByEmail", ctx, editionID, "sam@example.com").Return(true, nil)

	reserved := domain.Registration{ID: uuid.New(), DistanceID: distanceID, Status: domain.StatusStarted}
	repo.On("ReserveInvite", ctx, "trace", batchID, editionID, distanceID, rows[0]).Return(reserved, nil)

	repo.On("FinishBulkBatch", ctx, "trace", batchID, 1, 4, (*domain.GroupDiscountRule)(nil)).Return(nil)
	cache.On("InvalidateSpots", ctx, distanceID).Return(nil)

	res, err := svc.BulkReserve(ctx, "trace", "organizer", editionID, distanceID, uploadedBy, rows, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, res.Reserved)
	assert.Equal(t, 4, res.Failed)
	assert.Len(t, res.Rows, 5)

	assert.True(t, res.Rows[0].Reserved)
	assert.Equal(t, reserved.ID, *res.Rows[0].RegistrationID)
	assert.Equal(t, "missing_name", res.Rows[1].FailReason)
	assert.Equal(t, "invalid_email", res.Rows[2].FailReason)
	assert.Equal(t, "duplicate_in_file", res.Rows[3].FailReason)
	assert.Equal(t, "already_registered", res.Rows[4].FailReason)
	repo.AssertExpectations(t)
}

func TestBulkReserve_SoldOutRowContinues(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	editionID := uuid.New()
	distanceID := uuid.New()
	uploadedBy := uuid.New()
	batchID := uuid.New()

	rows := []domain.RosterRow{
		rosterRow("Ash", "Riley", "ash@example.com"),
		rosterRow("Sam", "Lowe", "sam@example.com"),
	}

	repo.On("CreateBulkBatch", ctx, editionID, distanceID, uploadedBy, 2).Return(batchID, nil)
	repo.On("HasActiveClaimByEmail", ctx, editionID, mock.Anything).Return(false, nil)
	repo.On("ReserveInvite", ctx, "trace", batchID, editionID, distanceID, rows[0]).
		Return(domain.Registration{}, domain.ErrSoldOut)
	repo.On("ReserveInvite", ctx, "trace", batchID, editionID, distanceID, rows[1]).
		Return(domain.Registration{}, domain.ErrSoldOut)
	repo.On("FinishBulkBatch", ctx, "trace", batchID, 0, 2, (*domain.GroupDiscountRule)(nil)).Return(nil)

	res, err := svc.BulkReserve(ctx, "trace", "organizer", editionID, distanceID, uploadedBy, rows, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, res.Reserved)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, "sold_out", res.Rows[0].FailReason)
	assert.Equal(t, "sold_out", res.Rows[1].FailReason)
	repo.AssertExpectations(t)
}

func TestBulkReserve_DOBMismatch(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	editionID := uuid.New()
	distanceID := uuid.New()
	uploadedBy := uuid.New()
	batchID := uuid.New()

	rowDOB := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	knownDOB := time.Date(1991, time.March, 14, 0, 0, 0, 0, time.UTC)
	row := domain.RosterRow{FirstName: "Ash", LastName: "Riley", Email: "ash@example.com", DateOfBirth: &rowDOB}

	repo.On("CreateBulkBatch", ctx, editionID, distanceID, uploadedBy, 1).Return(batchID, nil)
	repo.On("HasActiveClaimByEmail", ctx, editionID, "ash@example.com").Return(false, nil)
	repo.On("KnownDateOfBirth", ctx, "ash@example.com").Return(&knownDOB, nil)
	repo.On("FinishBulkBatch", ctx, "trace", batchID, 0, 1, (*domain.GroupDiscountRule)(nil)).Return(nil)

	res, err := svc.BulkReserve(ctx, "trace", "organizer", editionID, distanceID, uploadedBy,
		[]domain.RosterRow{row}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "dob_mismatch", res.Rows[0].FailReason)
	repo.AssertNotCalled(t, "ReserveInvite",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBulkReserve_GroupRulePassedThrough(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	editionID := uuid.New()
	distanceID := uuid.New()
	uploadedBy := uuid.New()
	batchID := uuid.New()
	rule := &domain.GroupDiscountRule{MinSize: 2, PercentOff: 10}

	rows := []domain.RosterRow{
		rosterRow("Ash", "Riley", "ash@example.com"),
		rosterRow("Sam", "Lowe", "sam@example.com"),
	}

	repo.On("CreateBulkBatch", ctx, editionID, distanceID, uploadedBy, 2).Return(batchID, nil)
	repo.On("HasActiveClaimByEmail", ctx, editionID, mock.Anything).Return(false, nil)
	repo.On("ReserveInvite", ctx, "trace", batchID, editionID, distanceID, mock.Anything).
		Return(domain.Registration{ID: uuid.New()}, nil).Twice()
	repo.On("FinishBulkBatch", ctx, "trace", batchID, 2, 0, rule).Return(nil)
	cache.On("InvalidateSpots", ctx, distanceID).Return(nil)

	res, err := svc.BulkReserve(ctx, "trace", "organizer", editionID, distanceID, uploadedBy, rows, rule)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Reserved)
	repo.AssertExpectations(t)
}
