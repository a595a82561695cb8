package domain_test

import (
	"testing"
	"time"

	"github.com/raceline/registration-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestComputeExpiresAt(t *testing.T) {
	ttl := domain.HoldTTL{
		Started:        30 * time.Minute,
		Submitted:      45 * time.Minute,
		PaymentPending: 24 * time.Hour,
		Invite:         7 * 24 * time.Hour,
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		status   domain.RegistrationStatus
		expected *time.Time
	}{
		{"started", domain.StatusStarted, ptr(now.Add(30 * time.Minute))},
		{"submitted", domain.StatusSubmitted, ptr(now.Add(45 * time.Minute))},
		{"payment pending", domain.StatusPaymentPending, ptr(now.Add(24 * time.Hour))},
		{"confirmed has no TTL", domain.StatusConfirmed, nil},
		{"cancelled has no TTL", domain.StatusCancelled, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ttl.ComputeExpiresAt(now, tt.status)
			if tt.expected == nil {
				assert.Nil(t, got)
				return
			}
			assert.True(t, got.Equal(*tt.expected))
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		status    domain.RegistrationStatus
		expiresAt *time.Time
		expired   bool
	}{
		{"cancelled always expired", domain.StatusCancelled, &future, true},
		{"confirmed never expired", domain.StatusConfirmed, &past, false},
		{"confirmed without expiry", domain.StatusConfirmed, nil, false},
		{"started in the future", domain.StatusStarted, &future, false},
		{"started in the past", domain.StatusStarted, &past, true},
		{"started exactly at now", domain.StatusStarted, &now, true},
		{"started with nil expiry", domain.StatusStarted, nil, true},
		{"submitted in the past", domain.StatusSubmitted, &past, true},
		{"payment pending in the future", domain.StatusPaymentPending, &future, false},
		{"unknown status fails closed", domain.RegistrationStatus("waitlisted"), &future, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, domain.IsExpired(tt.status, tt.expiresAt, now))
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }
