package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/raceline/registration-service/internal/contracts/event"
	"github.com/raceline/registration-service/internal/domain"
	"github.com/raceline/registration-service/internal/infrastructure/postgres"
	"github.com/raceline/registration-service/internal/pkg/logger"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1

	rkPaymentSucceeded = "payment.succeeded"
	rkPaymentFailed    = "payment.failed"
)

// Consumer applies payment results to payment_pending registrations. A
// succeeded result confirms the hold; a failed result is acknowledged and
// the hold is left to expire on its TTL.
type Consumer struct {
	rabbitURL string
	exchange  string
	repo      *postgres.Repository
}

func NewConsumer(rabbitURL, exchange string, repo *postgres.Repository) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		repo:      repo,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q, err := ch.QueueDeclare(
		"registration-service.payment-results",
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	for _, rk := range []string{rkPaymentSucceeded, rkPaymentFailed} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "registration-service", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	// message_id: prefer envelope.message_id, then AMQP MessageId, else hash fallback
	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(d.MessageId)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	traceID := strings.TrimSpace(env.TraceID)
	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", traceID).
		Logger()

	// Dedupe fence and side effects commit in the same DB tx.
	const handlerName = "payment_results"

	processed, err := c.repo.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
		return c.applyPaymentResult(ctx, tx, d.RoutingKey, env.Payload, traceID, log)
	})
	if err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
	}
	return nil
}

func (c *Consumer) applyPaymentResult(ctx context.Context, tx pgx.Tx, routingKey string, raw json.RawMessage, traceID string, log zerolog.Logger) error {
	var p event.PaymentResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return nil
	}
	if strings.TrimSpace(p.RegistrationID) == "" {
		log.Warn().Msg("missing registration_id; dropping")
		return nil
	}
	rid, err := uuid.Parse(p.RegistrationID)
	if err != nil {
		log.Warn().Err(err).Msg("invalid registration_id; dropping")
		return nil
	}

	switch routingKey {
	case rkPaymentSucceeded:
		_, err := c.repo.ConfirmPaymentTx(ctx, tx, traceID, rid)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Str("registration_id", rid.String()).Msg("unknown registration; dropping")
			return nil
		}
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			// Result for a hold that already expired or was cancelled.
			// The slot is long gone; nothing to confirm.
			log.Warn().Str("registration_id", rid.String()).Msg("payment result for non-pending registration; dropping")
			return nil
		}
		return err

	case rkPaymentFailed:
		// The hold stays payment_pending and releases itself on TTL expiry.
		log.Info().Str("registration_id", rid.String()).Str("reason", p.Reason).Msg("payment failed; hold left to expire")
		return nil

	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil
	}
}
