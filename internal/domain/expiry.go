package domain

import "time"

// HoldTTL maps a lifecycle status to how long a hold keeps its capacity slot.
// It is an explicit value object so tests can inject deterministic TTLs
// instead of reading process environment.
type HoldTTL struct {
	Started        time.Duration
	Submitted      time.Duration
	PaymentPending time.Duration
	// Invite covers bulk-reserved holds awaiting claim; they live much
	// longer than an interactive session.
	Invite time.Duration
}

func DefaultHoldTTL() HoldTTL {
	return HoldTTL{
		Started:        30 * time.Minute,
		Submitted:      30 * time.Minute,
		PaymentPending: 24 * time.Hour,
		Invite:         7 * 24 * time.Hour,
	}
}

// ComputeExpiresAt returns the expiry for a hold entering the given status,
// or nil when the status carries no TTL (confirmed, cancelled).
func (t HoldTTL) ComputeExpiresAt(now time.Time, status RegistrationStatus) *time.Time {
	var d time.Duration
	switch status {
	case StatusStarted:
		d = t.Started
	case StatusSubmitted:
		d = t.Submitted
	case StatusPaymentPending:
		d = t.PaymentPending
	default:
		return nil
	}
	e := now.Add(d).UTC()
	return &e
}

// IsExpired is the single source of truth for "does this hold still occupy a
// capacity slot" and "can the buyer still act on it".
//
// cancelled is always expired, confirmed never is. A held status with a nil
// expires_at is treated as expired, and so is any status this package does
// not know about (fail-closed).
func IsExpired(status RegistrationStatus, expiresAt *time.Time, now time.Time) bool {
	switch status {
	case StatusCancelled:
		return true
	case StatusConfirmed:
		return false
	case StatusStarted, StatusSubmitted, StatusPaymentPending:
		return expiresAt == nil || !expiresAt.After(now)
	default:
		return true
	}
}
