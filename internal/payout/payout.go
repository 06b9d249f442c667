// Package payout delivers the collateral transfers owed after sells.
//
// Payouts are committed by the store in the same transaction as the sell
// that owes them and delivered afterwards by a Relay. A payout stays
// pending until a Sender accepted it, so a crash or a rail outage delays
// delivery but never loses or duplicates it: the payout ID is the dedup key
// downstream.
package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
)

// Sender hands one payout to the payment rail.
type Sender interface {
	Transfer(ctx context.Context, p model.Payout) error
}

// Outbox is the store side of pending payouts.
type Outbox interface {
	PendingPayouts(ctx context.Context, marketID string) ([]model.Payout, error)
	MarkPayoutSent(ctx context.Context, id string, at time.Time) error
}

// Instruction is the JSON payload of a transfer request.
type Instruction struct {
	ID        string     `json:"id"`
	Account   string     `json:"account"`
	Amount    fixed.U128 `json:"amount"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewInstruction builds the wire payload of p.
func NewInstruction(p model.Payout) Instruction {
	return Instruction{
		ID:        p.ID,
		Account:   p.Account,
		Amount:    p.Amount,
		Timestamp: p.CreatedAt,
	}
}

// LogSender only logs transfers. Used when no payment rail is configured.
type LogSender struct{}

func (LogSender) Transfer(_ context.Context, p model.Payout) error {
	slog.Info("payout (log only)", "id", p.ID, "account", p.Account, "amount", p.Amount.String())
	return nil
}

// NATSSender publishes each transfer to a JetStream subject, where the
// settlement worker picks it up. The payout ID is the JetStream message ID
// so a redelivered payout is deduplicated by the stream.
type NATSSender struct {
	js      jetstream.JetStream
	subject string
}

// NewNATSSender creates a sender publishing on subject.
func NewNATSSender(js jetstream.JetStream, subject string) *NATSSender {
	return &NATSSender{js: js, subject: subject}
}

func (s *NATSSender) Transfer(ctx context.Context, p model.Payout) error {
	data, err := json.Marshal(NewInstruction(p))
	if err != nil {
		return fmt.Errorf("marshal payout: %w", err)
	}
	if _, err := s.js.Publish(ctx, s.subject, data, jetstream.WithMsgID(p.ID)); err != nil {
		return fmt.Errorf("publish payout %s: %w", p.ID, err)
	}
	return nil
}

// Relay moves committed payouts from the outbox to a Sender.
type Relay struct {
	outbox Outbox
	sender Sender
	now    func() time.Time
}

// NewRelay creates a relay.
func NewRelay(outbox Outbox, sender Sender) *Relay {
	return &Relay{outbox: outbox, sender: sender, now: time.Now}
}

// Deliver sends each payout and marks it sent. Failures are logged and the
// payout stays pending for the next Flush. It returns how many were sent.
func (r *Relay) Deliver(ctx context.Context, payouts []model.Payout) int {
	sent := 0
	for _, p := range payouts {
		if err := r.sender.Transfer(ctx, p); err != nil {
			slog.Warn("payout delivery failed, will retry", "id", p.ID, "account", p.Account, "err", err)
			continue
		}
		if err := r.outbox.MarkPayoutSent(ctx, p.ID, r.now().UTC()); err != nil {
			// Delivered but still pending: the next flush resends it under
			// the same ID.
			slog.Error("mark payout sent failed", "id", p.ID, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Flush delivers every pending payout of a market.
func (r *Relay) Flush(ctx context.Context, marketID string) (int, error) {
	pending, err := r.outbox.PendingPayouts(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("load pending payouts: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	sent := r.Deliver(ctx, pending)
	slog.Info("payout outbox flushed", "market", marketID, "pending", len(pending), "sent", sent)
	return sent, nil
}

// Run flushes the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, marketID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx, marketID); err != nil {
				slog.Warn("payout flush failed", "market", marketID, "err", err)
			}
		}
	}
}
