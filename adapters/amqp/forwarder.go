// Package amqp forwards billing domain events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/artpar/billingd/ports"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Config holds broker settings.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// channel is the subset of *amqp.Channel the forwarder uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Envelope is the JSON body of every forwarded message.
type Envelope struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Forwarder publishes events to a durable topic exchange, using the event
// name as the routing key.
type Forwarder struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	declared bool
	now      func() time.Time
}

// Dial connects to the broker and opens a channel.
func Dial(cfg Config) (*Forwarder, error) {
	cleanURL, err := sanitizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	f := newForwarder(ch, cfg.Exchange)
	f.conn = conn
	return f, nil
}

func newForwarder(ch channel, exchange string) *Forwarder {
	if exchange == "" {
		exchange = "billing.events"
	}
	return &Forwarder{ch: ch, exchange: exchange, now: time.Now}
}

// Forward publishes payload under the event name.
func (f *Forwarder) Forward(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Event:      name,
		OccurredAt: f.now().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.declared {
		if err := f.ch.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", f.exchange, err)
		}
		f.declared = true
	}

	return f.ch.PublishWithContext(ctx, f.exchange, name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.OccurredAt,
		Type:         name,
		Body:         body,
	})
}

// Close releases the channel and connection.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if f.ch != nil {
		errs = append(errs, f.ch.Close())
	}
	if f.conn != nil {
		errs = append(errs, f.conn.Close())
	}
	return errors.Join(errs...)
}

// Fallback logs events instead of publishing them. It is used when the
// broker is disabled or unreachable at startup.
type Fallback struct {
	logger zerolog.Logger
}

// NewFallback creates a logging fallback forwarder.
func NewFallback(logger zerolog.Logger) *Fallback {
	return &Fallback{logger: logger}
}

// Forward logs the skipped event.
func (f *Fallback) Forward(ctx context.Context, name string, payload any) error {
	f.logger.Debug().Str("event", name).Msg("event forward skipped")
	return nil
}

// Close does nothing.
func (f *Fallback) Close() error { return nil }

// New returns a broker forwarder, or the fallback when disabled or when the
// broker cannot be reached.
func New(cfg Config, logger zerolog.Logger) ports.EventForwarder {
	if !cfg.Enabled {
		return NewFallback(logger)
	}
	f, err := Dial(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("rabbitmq unavailable, events will not be forwarded")
		return NewFallback(logger)
	}
	logger.Info().Str("exchange", f.exchange).Msg("forwarding events to rabbitmq")
	return f
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
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

// Ensure interface compliance.
var (
	_ ports.EventForwarder = (*Forwarder)(nil)
	_ ports.EventForwarder = (*Fallback)(nil)
)
