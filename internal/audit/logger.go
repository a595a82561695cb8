package audit

import (
	"context"

	"github.com/google/uuid"
	appCtx "github.com/raceline/registration-service/internal/pkg/context"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for registration lifecycle events.
// The durable audit trail lives in the audit_log table, written inside the
// same transaction as each state change; this logger is the operational view.
type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

func (l *Logger) RegistrationStarted(ctx context.Context, registrationID, distanceID, buyerID uuid.UUID, totalCents int64) {
	l.log.Info().
		Str("action", "registration_started").
		Str("registration_id", registrationID.String()).
		Str("distance_id", distanceID.String()).
		Str("buyer_id", buyerID.String()).
		Int64("total_cents", totalCents).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Registration hold created")
}

func (l *Logger) RegistrantSubmitted(ctx context.Context, registrationID, buyerID uuid.UUID) {
	l.log.Info().
		Str("action", "registrant_submitted").
		Str("registration_id", registrationID.String()).
		Str("buyer_id", buyerID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Registrant info submitted")
}

func (l *Logger) RegistrationFinalized(ctx context.Context, registrationID uuid.UUID, status string, totalCents int64) {
	l.log.Info().
		Str("action", "registration_finalized").
		Str("registration_id", registrationID.String()).
		Str("status", status).
		Int64("total_cents", totalCents).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Registration finalized")
}

func (l *Logger) RegistrationCancelled(ctx context.Context, registrationID, buyerID uuid.UUID) {
	l.log.Info().
		Str("action", "registration_cancelled").
		Str("registration_id", registrationID.String()).
		Str("buyer_id", buyerID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Registration cancelled")
}

func (l *Logger) DiscountApplied(ctx context.Context, registrationID uuid.UUID, code string, amountCents int64) {
	l.log.Info().
		Str("action", "discount_applied").
		Str("registration_id", registrationID.String()).
		Str("code", code).
		Int64("amount_cents", amountCents).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Discount applied")
}

func (l *Logger) DiscountRemoved(ctx context.Context, registrationID uuid.UUID) {
	l.log.Info().
		Str("action", "discount_removed").
		Str("registration_id", registrationID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Discount removed")
}

func (l *Logger) BulkBatchFinished(ctx context.Context, batchID uuid.UUID, reserved, failed int) {
	l.log.Info().
		Str("action", "bulk_batch_finished").
		Str("batch_id", batchID.String()).
		Int("reserved", reserved).
		Int("failed", failed).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Bulk reservation batch finished")
}

func (l *Logger) PaymentConfirmed(ctx context.Context, registrationID uuid.UUID) {
	l.log.Info().
		Str("action", "payment_confirmed").
		Str("registration_id", registrationID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Payment confirmed")
}
