// Package orders is the single writer of order records and order status.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/orderstatus"
	"orderFulfillment/internal/pricing"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrConflict is returned when the status kept changing under a transition.
	ErrConflict = errors.New("order status changed concurrently")
	// ErrInconsistentPricing is returned for a draft whose totals do not add up.
	ErrInconsistentPricing = errors.New("draft pricing is inconsistent")
	// ErrInvalidFilter is returned for list filters or page tokens that cannot be applied.
	ErrInvalidFilter = errors.New("invalid order filter")
)

// conditional writes that lose a race are re-evaluated this many times
const maxTransitionAttempts = 3

type Service struct {
	store repository.OrderRepositoryI
	log   *logger.Logger
}

func NewService(store repository.OrderRepositoryI, log *logger.Logger) *Service {
	return &Service{store: store, log: log}
}

// Create materializes a paid draft. Calling it again for the same draft
// returns the existing order with created=false.
func (s *Service) Create(ctx context.Context, d *models.OrderDraft, paymentRef string) (*models.Order, bool, error) {
	if d == nil || d.Ref == "" {
		return nil, false, errors.New("draft is required")
	}
	existing, err := s.store.GetByDraftRef(ctx, d.Ref)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	b := pricing.Breakdown{Subtotal: d.Subtotal, Tax: d.Tax, DeliveryFee: d.DeliveryFee, Total: d.Total}
	if !b.Consistent() {
		return nil, false, fmt.Errorf("draft %s: %w", d.Ref, ErrInconsistentPricing)
	}

	o := &models.Order{
		Ref:             uuid.NewString(),
		DraftRef:        d.Ref,
		CustomerID:      d.CustomerID,
		RestaurantRef:   d.RestaurantRef,
		Items:           d.Items,
		DeliveryAddress: d.DeliveryAddress,
		Delivery:        d.Delivery,
		ContactPhone:    d.ContactPhone,
		ContactEmail:    d.ContactEmail,
		DeliveryFee:     d.DeliveryFee,
		Subtotal:        d.Subtotal,
		Tax:             d.Tax,
		Total:           d.Total,
		Currency:        d.Currency,
		Status:          models.OrderStatusPending,
		PaymentRef:      paymentRef,
		CreatedAt:       time.Now().UTC(),
	}
	created, err := s.store.Create(ctx, o)
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent confirm won; return its order.
		existing, err := s.store.GetByDraftRef(ctx, d.Ref)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("draft %s: duplicate reported but no order found", d.Ref)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.log.Info("order_created", created.Ref, "order materialized",
		slog.String("draft_ref", d.Ref), slog.String("total", created.Total.StringFixed(2)))
	return created, true, nil
}

// Get returns the order or ErrNotFound.
func (s *Service) Get(ctx context.Context, ref string) (*models.Order, error) {
	o, err := s.store.GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return o, nil
}

// List returns orders matching the filters.
func (s *Service) List(ctx context.Context, p repository.ListOrdersParams) ([]models.Order, error) {
	if p.CreatedFrom != nil && p.CreatedTo != nil && p.CreatedTo.Before(*p.CreatedFrom) {
		return nil, fmt.Errorf("created_to is before created_from: %w", ErrInvalidFilter)
	}
	for _, st := range p.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%q: %w", st, orderstatus.ErrUnknownStatus)
		}
	}
	return s.store.List(ctx, p)
}

// Transition moves the order to target on behalf of actor. The write is
// conditional on the status just read; if another writer got there first the
// order is re-read and the transition re-evaluated, so a repeated request
// for the current status succeeds without writing.
func (s *Service) Transition(ctx context.Context, actor models.Actor, ref string, target models.OrderStatus) (*models.Order, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		o, err := s.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		noop, err := orderstatus.Next(o.Status, target, actor.Role)
		if err != nil {
			return o, err
		}
		if noop {
			return o, nil
		}
		changed, err := s.store.UpdateStatusIf(ctx, ref, []models.OrderStatus{o.Status}, target)
		if err != nil {
			return nil, fmt.Errorf("update order %s: %w", ref, err)
		}
		if changed {
			s.log.Info("order_status", ref, "order status changed",
				slog.String("from", string(o.Status)), slog.String("to", string(target)),
				slog.String("actor", actor.Username), slog.String("role", string(actor.Role)))
			o.Status = target
			o.UpdatedAt = time.Now().UTC()
			return o, nil
		}
	}
	return nil, fmt.Errorf("%s -> %s: %w", ref, target, ErrConflict)
}

// FindByDraft returns the order materialized from draftRef, or nil.
func (s *Service) FindByDraft(ctx context.Context, draftRef string) (*models.Order, error) {
	return s.store.GetByDraftRef(ctx, draftRef)
}
