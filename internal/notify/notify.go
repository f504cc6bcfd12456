// Package notify tells drivers that an order is ready for pickup.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"orderFulfillment/internal/logger"
	"orderFulfillment/models"
)

// Summary is the payload each driver receives.
type Summary struct {
	OrderRef          string            `json:"order_ref"`
	RestaurantRef     string            `json:"restaurant_ref"`
	RestaurantName    string            `json:"restaurant_name"`
	RestaurantAddress string            `json:"restaurant_address"`
	Pickup            models.Coordinate `json:"pickup"`
	DeliveryAddress   string            `json:"delivery_address"`
	Dropoff           models.Coordinate `json:"dropoff"`
	Total             decimal.Decimal   `json:"total"`
	Currency          string            `json:"currency"`
	ReadyAt           time.Time         `json:"ready_at"`
}

// Publisher delivers one payload to one recipient.
type Publisher interface {
	Publish(ctx context.Context, recipient string, payload []byte) error
}

// Report is the per-recipient result of a broadcast.
type Report struct {
	Delivered []string          `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"` // recipient -> error
}

// AllFailed reports whether nobody received the notification.
func (r Report) AllFailed() bool {
	return len(r.Delivered) == 0 && len(r.Failed) > 0
}

// Broadcaster fans a Summary out to every recipient. Each recipient gets up
// to Attempts tries; one failure never stops the others.
type Broadcaster struct {
	pub         Publisher
	log         *logger.Logger
	Concurrency int
	Attempts    int
}

func NewBroadcaster(pub Publisher, concurrency int, log *logger.Logger) *Broadcaster {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Broadcaster{pub: pub, log: log, Concurrency: concurrency, Attempts: 2}
}

// Broadcast sends s to every recipient and reports who got it.
func (b *Broadcaster) Broadcast(ctx context.Context, s Summary, recipients []string) Report {
	report := Report{Failed: map[string]string{}}
	payload, err := json.Marshal(s)
	if err != nil {
		for _, r := range recipients {
			report.Failed[r] = err.Error()
		}
		return report
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Concurrency)
	for _, recipient := range recipients {
		g.Go(func() error {
			err := b.send(gctx, recipient, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[recipient] = err.Error()
				b.log.Warn("broadcast", s.OrderRef, "driver notification failed",
					slog.String("recipient", recipient), slog.String("error", err.Error()))
				return nil
			}
			report.Delivered = append(report.Delivered, recipient)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Delivered)
	return report
}

func (b *Broadcaster) send(ctx context.Context, recipient string, payload []byte) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = b.pub.Publish(ctx, recipient, payload); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("notify %s: %w", recipient, err)
}
