package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/domain"
)

const maxRosterRows = 1000

// BulkReserve validates a roster and reserves an invite hold per valid row.
// Row failures are outcomes, not errors: a sold-out distance or a duplicate
// email marks the row failed and the driver moves on. Only infrastructure
// failures abort the batch.
func (s *RegistrationService) BulkReserve(ctx context.Context, traceID, role string, editionID, distanceID, uploadedBy uuid.UUID, rows []domain.RosterRow, rule *domain.GroupDiscountRule) (domain.BulkResult, error) {
	if !isPrivileged(role) {
		return domain.BulkResult{}, domain.ErrForbidden
	}
	if len(rows) == 0 || len(rows) > maxRosterRows {
		return domain.BulkResult{}, domain.ErrValidation
	}

	batchID, err := s.repo.CreateBulkBatch(ctx, editionID, distanceID, uploadedBy, len(rows))
	if err != nil {
		return domain.BulkResult{}, err
	}

	result := domain.BulkResult{BatchID: batchID, Rows: make([]domain.BulkRowOutcome, 0, len(rows))}
	seenEmails := make(map[string]bool, len(rows))

	for _, row := range rows {
		outcome := domain.BulkRowOutcome{Email: strings.TrimSpace(row.Email)}

		if reason := s.vetRosterRow(ctx, editionID, row, seenEmails); reason != "" {
			outcome.FailReason = reason
			result.Failed++
			result.Rows = append(result.Rows, outcome)
			continue
		}
		seenEmails[strings.ToLower(outcome.Email)] = true

		reg, err := s.repo.ReserveInvite(ctx, traceID, batchID, editionID, distanceID, row)
		switch {
		case err == nil:
			outcome.Reserved = true
			outcome.RegistrationID = &reg.ID
			result.Reserved++
		case errors.Is(err, domain.ErrSoldOut):
			outcome.FailReason = "sold_out"
			result.Failed++
		case errors.Is(err, domain.ErrEventNotAvailable):
			outcome.FailReason = "event_not_available"
			result.Failed++
		default:
			return domain.BulkResult{}, err
		}
		result.Rows = append(result.Rows, outcome)
	}

	if err := s.repo.FinishBulkBatch(ctx, traceID, batchID, result.Reserved, result.Failed, rule); err != nil {
		return domain.BulkResult{}, err
	}
	if result.Reserved > 0 {
		s.invalidateSpots(ctx, distanceID)
	}
	s.audit.BulkBatchFinished(ctx, batchID, result.Reserved, result.Failed)
	return result, nil
}

// vetRosterRow returns an empty string for a valid row, otherwise the machine
// readable reason the row cannot be reserved.
func (s *RegistrationService) vetRosterRow(ctx context.Context, editionID uuid.UUID, row domain.RosterRow, seenEmails map[string]bool) string {
	email := strings.TrimSpace(row.Email)
	if strings.TrimSpace(row.FirstName) == "" || strings.TrimSpace(row.LastName) == "" {
		return "missing_name"
	}
	if !emailRe.MatchString(email) {
		return "invalid_email"
	}
	if seenEmails[strings.ToLower(email)] {
		return "duplicate_in_file"
	}

	claimed, err := s.repo.HasActiveClaimByEmail(ctx, editionID, email)
	if err != nil {
		return "lookup_failed"
	}
	if claimed {
		return "already_registered"
	}

	// A birth date that contradicts the profile on record means the row is
	// probably the wrong person.
	if row.DateOfBirth != nil {
		known, err := s.repo.KnownDateOfBirth(ctx, email)
		if err != nil {
			return "lookup_failed"
		}
		if known != nil && !sameDate(*known, *row.DateOfBirth) {
			return "dob_mismatch"
		}
	}
	return ""
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
