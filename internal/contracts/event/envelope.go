package event

import "time"

// DomainEventEnvelope is the canonical envelope consumed across services.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// PaymentResultPayload is emitted by the payment processor for a requested
// charge. Extra producer fields are ignored by json.Unmarshal.
type PaymentResultPayload struct {
	RegistrationID string `json:"registration_id"`
	Status         string `json:"status,omitempty"` // succeeded / failed
	AmountCents    *int64 `json:"amount_cents,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
