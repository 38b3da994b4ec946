/**
 * @description
 * This package provides a producer for publishing payment lifecycle events to
 * RabbitMQ. Reconciliation and support tooling consume these events to track
 * verified payments and, in particular, payments that were verified but whose
 * downstream side effect failed to apply.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

// PaymentEvent is the payload published for every payment lifecycle
// transition. Secret material never appears here.
type PaymentEvent struct {
	Tenant            string          `json:"tenant"`
	Method            string          `json:"method"`
	ProviderReference string          `json:"provider_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Kind              string          `json:"kind,omitempty"`
	TargetID          string          `json:"target_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Routing keys on the payment_events exchange.
const (
	Exchange          = "payment_events"
	KeyVerified       = "payment.verified"
	KeyOutcomeApplied = "payment.outcome.applied"
	KeyOutcomeFailed  = "payment.outcome.failed"
	KeyVerifyRejected = "payment.verification.rejected"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	PublishPaymentEvent(ctx context.Context, routingKey string, event PaymentEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// FallbackPublisher is a minimal no-op publisher used when RabbitMQ is
// unavailable or not configured; publishing degrades to a warning log.
type FallbackPublisher struct{}

func (p *FallbackPublisher) PublishPaymentEvent(ctx context.Context, routingKey string, event PaymentEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" routing_key=%s reference=%s", routingKey, event.ProviderReference)
	return nil
}

func (p *FallbackPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// PublishPaymentEvent publishes an event to the payment_events exchange.
func (p *EventProducer) PublishPaymentEvent(ctx context.Context, routingKey string, event PaymentEvent) error {
	return p.publish(ctx, Exchange, routingKey, event)
}

func (p *EventProducer) publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
			return err2
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" routing_key=%s err=%v", routingKey, err)
		return err
	}

	msg := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" routing_key=%s err=%v", routingKey, err)
		// One-shot retry: reopen channel and try again
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return err
		}
		p.channel = ch
		if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
