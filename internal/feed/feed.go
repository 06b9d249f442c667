// Package feed supplies the next settlement price to the rebase.
//
// The rebase only needs a value; where it comes from is injected. Step
// advances the last price by a fixed increment. NATSSource follows an
// oracle stream and returns the latest published price.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/messaging"
)

// ErrZeroPrice is returned for an oracle price of zero.
var ErrZeroPrice = errors.New("feed: price must be positive")

// Source returns the price the next rebase settles at. A zero price is
// never returned; sources report ErrZeroPrice instead.
type Source interface {
	NextPrice(ctx context.Context, last fixed.U128) (fixed.U128, error)
}

// Step advances the last price by Increment on every call.
type Step struct {
	Increment fixed.U128
}

// NewStep creates a fixed-increment source.
func NewStep(increment uint64) *Step {
	return &Step{Increment: fixed.From(increment)}
}

func (s *Step) NextPrice(_ context.Context, last fixed.U128) (fixed.U128, error) {
	next, err := last.Add(s.Increment)
	if err != nil {
		return fixed.Zero, err
	}
	if next.IsZero() {
		return fixed.Zero, ErrZeroPrice
	}
	return next, nil
}

// PriceMessage is the JSON payload published on the price subject.
type PriceMessage struct {
	Price     decimal.Decimal `json:"price"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// NATSSource keeps the latest price seen on a JetStream subject. Until the
// first message arrives NextPrice returns the last price, so a rebase
// settles with no price movement.
type NATSSource struct {
	mu       sync.RWMutex
	latest   fixed.U128
	sequence int64
	seen     bool
	cc       jetstream.ConsumeContext
}

// NewNATSSource creates a source with no price yet. Call Subscribe to start
// following the stream.
func NewNATSSource() *NATSSource {
	return &NATSSource{}
}

// Subscribe creates a durable consumer that starts at the last stored price.
func (s *NATSSource) Subscribe(ctx context.Context, js jetstream.JetStream, subject string) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, messaging.PriceStream, jetstream.ConsumerConfig{
		Durable:       "rebase-engine-prices",
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverLastPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := s.Observe(msg.Data()); err != nil {
			slog.Warn("price message rejected", "subject", msg.Subject(), "err", err)
			msg.Term()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}
	s.cc = cc
	slog.Info("subscribed to price feed", "subject", subject)
	return nil
}

// Observe records one price message. Messages with a sequence at or below
// the latest accepted one are ignored.
func (s *NATSSource) Observe(data []byte) error {
	var msg PriceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode price: %w", err)
	}
	price, err := fixed.FromDecimal(msg.Price)
	if err != nil {
		return fmt.Errorf("price %s: %w", msg.Price, err)
	}
	if price.IsZero() {
		return ErrZeroPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen && msg.Sequence <= s.sequence {
		return nil
	}
	s.latest = price
	s.sequence = msg.Sequence
	s.seen = true
	return nil
}

func (s *NATSSource) NextPrice(_ context.Context, last fixed.U128) (fixed.U128, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := last
	if s.seen {
		next = s.latest
	}
	if next.IsZero() {
		return fixed.Zero, ErrZeroPrice
	}
	return next, nil
}

// Stop stops the consumer.
func (s *NATSSource) Stop() {
	if s.cc != nil {
		s.cc.Stop()
	}
}
