// Package reconcile finds flows that stopped halfway and either finishes
// them or flags them for an operator.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orderFulfillment/internal/checkout"
	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/saga"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

const (
	StepRepairDelivered = "repair_delivered"
	StepFlagDivergent   = "flag_divergent"
	StepStaleCheckout   = "stale_checkout"
)

var (
	errDivergent     = errors.New("delivery closed but order not deliverable")
	errStaleCheckout = errors.New("checkout abandoned at payment provider")
)

type Ledger interface {
	ListDivergent(ctx context.Context, limit int) ([]repository.Divergence, error)
}

type OrderService interface {
	Transition(ctx context.Context, actor models.Actor, ref string, target models.OrderStatus) (*models.Order, error)
	FindByDraft(ctx context.Context, draftRef string) (*models.Order, error)
}

// Flag is a divergence the sweep could not repair on its own.
type Flag struct {
	Subject string `json:"subject"` // order ref or draft ref
	Reason  string `json:"reason"`
}

// Report summarizes one sweep.
type Report struct {
	Repaired       []string  `json:"repaired"`
	Flagged        []Flag    `json:"flagged"`
	StaleCheckouts []string  `json:"stale_checkouts"`
	StartedAt      time.Time `json:"started_at"`
}

type Sweeper struct {
	ledger     Ledger
	orders     OrderService
	saga       *saga.Recorder
	log        *logger.Logger
	staleAfter time.Duration
	batch      int
	now        func() time.Time

	mu      sync.Mutex
	flagged map[string]bool // delivery refs already written to the saga log
}

func NewSweeper(ledger Ledger, orders OrderService, rec *saga.Recorder, log *logger.Logger, staleAfter time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Sweeper{
		ledger:     ledger,
		orders:     orders,
		saga:       rec,
		log:        log,
		staleAfter: staleAfter,
		batch:      100,
		now:        func() time.Time { return time.Now().UTC() },
		flagged:    map[string]bool{},
	}
}

// Sweep runs one reconciliation pass. Per-item failures are reported, not
// returned; an error means a listing query failed.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{StartedAt: s.now()}
	if err := s.deliveries(ctx, &report); err != nil {
		return report, fmt.Errorf("divergent deliveries: %w", err)
	}
	if err := s.checkouts(ctx, &report); err != nil {
		return report, fmt.Errorf("stale checkouts: %w", err)
	}
	s.log.Info("reconcile_sweep", "", "sweep finished",
		slog.Int("repaired", len(report.Repaired)),
		slog.Int("flagged", len(report.Flagged)),
		slog.Int("stale_checkouts", len(report.StaleCheckouts)))
	return report, nil
}

func (s *Sweeper) deliveries(ctx context.Context, report *Report) error {
	divergent, err := s.ledger.ListDivergent(ctx, s.batch)
	if err != nil {
		return err
	}
	listed := make(map[string]bool, len(divergent))
	for _, dv := range divergent {
		listed[dv.Delivery.Ref] = true
	}
	// A full listing shows every open divergence; anything flagged earlier and
	// now absent was resolved, so it can be forgotten.
	if len(divergent) < s.batch {
		for ref := range s.flagged {
			if !listed[ref] {
				delete(s.flagged, ref)
			}
		}
	}
	for _, dv := range divergent {
		ref := dv.Delivery.OrderRef
		if dv.OrderStatus == models.OrderStatusReady {
			// The driver closed the record but the order write never landed.
			_, err := s.orders.Transition(ctx, models.SystemActor, ref, models.OrderStatusDelivered)
			if err == nil {
				s.saga.Start(models.SagaReconcile, ref).Done(ctx, StepRepairDelivered, dv.Delivery.Ref)
				s.log.Info("reconcile_repair", ref, "order moved to delivered",
					slog.String("delivery_ref", dv.Delivery.Ref))
				report.Repaired = append(report.Repaired, ref)
				continue
			}
			s.flag(ctx, report, dv, fmt.Sprintf("repair failed: %v", err), err)
			continue
		}
		reason := fmt.Sprintf("order is %s", dv.OrderStatus)
		s.flag(ctx, report, dv, reason, fmt.Errorf("%w: %s", errDivergent, reason))
	}
	return nil
}

func (s *Sweeper) flag(ctx context.Context, report *Report, dv repository.Divergence, reason string, cause error) {
	ref := dv.Delivery.OrderRef
	report.Flagged = append(report.Flagged, Flag{Subject: ref, Reason: reason})
	if s.flagged[dv.Delivery.Ref] {
		return
	}
	s.flagged[dv.Delivery.Ref] = true
	s.saga.Start(models.SagaReconcile, ref).Fail(ctx, StepFlagDivergent, cause)
}

func (s *Sweeper) checkouts(ctx context.Context, report *Report) error {
	stalled, err := s.saga.Stalled(ctx, models.SagaCheckout, checkout.StepPaymentSession, s.now().Add(-s.staleAfter))
	if err != nil {
		return err
	}
	for _, st := range stalled {
		o, err := s.orders.FindByDraft(ctx, st.Subject)
		if err != nil {
			s.log.Warn("reconcile_checkout", st.Subject, "order lookup failed", slog.String("error", err.Error()))
			continue
		}
		if o != nil {
			continue
		}
		s.saga.Resume(models.SagaCheckout, st.SagaRef, st.Subject).Fail(ctx, StepStaleCheckout,
			fmt.Errorf("%w since %s", errStaleCheckout, st.CreatedAt.Format(time.RFC3339)))
		report.StaleCheckouts = append(report.StaleCheckouts, st.Subject)
	}
	return nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("reconcile_sweep", "", "sweep failed", err)
			}
		}
	}
}
