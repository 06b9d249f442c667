// Package messaging holds the NATS JetStream connection shared by the
// price feed and the payout sender.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Stream names.
const (
	PriceStream  = "REBASE_PRICES"
	PayoutStream = "REBASE_PAYOUTS"
)

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams creates the price and payout streams if they don't exist.
// Prices keep only the latest message per subject; payouts are retained
// until their max age so a downstream transfer worker can replay them.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, priceSubject, payoutSubject string) error {
	streams := []jetstream.StreamConfig{
		{
			Name:              PriceStream,
			Subjects:          []string{priceSubject},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			Replicas:          1,
		},
		{
			Name:       PayoutStream,
			Subjects:   []string{payoutSubject},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		slog.Info("ensured stream", "stream", cfg.Name)
	}
	return nil
}
