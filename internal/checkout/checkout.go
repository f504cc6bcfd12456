// Package checkout runs the stage -> pay -> materialize saga. An order
// record is created only after the payment provider confirms; until then the
// draft lives in scratch storage and the checkout can be resumed or discarded.
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderFulfillment/internal/geo"
	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/payment"
	"orderFulfillment/internal/pricing"
	"orderFulfillment/internal/saga"
	"orderFulfillment/models"
)

// Saga step names. payment_session is what the reconciler looks for when
// finding abandoned checkouts.
const (
	StepValidate         = "validate"
	StepStageDraft       = "stage_draft"
	StepPaymentSession   = "payment_session"
	StepPaymentCancelled = "payment_cancelled"
	StepMaterialize      = "materialize"
	StepClearDraft       = "clear_draft"
	StepDiscardDraft     = "discard_draft"
)

type DraftStore interface {
	StageDraft(ctx context.Context, d *models.OrderDraft) (*models.OrderDraft, error)
	SaveDraft(ctx context.Context, d *models.OrderDraft) error
	GetDraft(ctx context.Context, customerID int64) (*models.OrderDraft, error)
	DeleteDraft(ctx context.Context, customerID int64, draftRef string) (bool, error)
}

type PaymentClient interface {
	CreateSession(ctx context.Context, r payment.SessionRequest) (*payment.Session, error)
	GetSession(ctx context.Context, id string) (*payment.Session, error)
}

type RestaurantLookup interface {
	GetByRef(ctx context.Context, ref string) (*models.Restaurant, error)
}

type OrderCreator interface {
	Create(ctx context.Context, d *models.OrderDraft, paymentRef string) (*models.Order, bool, error)
	FindByDraft(ctx context.Context, draftRef string) (*models.Order, error)
}

// Request is what the customer submits from the cart.
type Request struct {
	RestaurantRef   string             `json:"restaurant_ref"`
	Items           []models.OrderItem `json:"items"`
	DeliveryAddress string             `json:"delivery_address"`
	Delivery        *models.Coordinate `json:"delivery,omitempty"`
	ContactPhone    string             `json:"contact_phone"`
	ContactEmail    string             `json:"contact_email"`
}

// Handoff tells the client where to send the customer.
type Handoff struct {
	Draft       *models.OrderDraft `json:"draft"`
	SessionID   string             `json:"session_id"`
	RedirectURL string             `json:"redirect_url"`
}

type Settings struct {
	DeliveryFee decimal.Decimal
	Currency    string
	SuccessURL  string
	CancelURL   string
}

type Coordinator struct {
	drafts      DraftStore
	payments    PaymentClient
	restaurants RestaurantLookup
	orders      OrderCreator
	saga        *saga.Recorder
	log         *logger.Logger
	settings    Settings
	now         func() time.Time
}

func NewCoordinator(drafts DraftStore, payments PaymentClient, restaurants RestaurantLookup, orders OrderCreator,
	rec *saga.Recorder, log *logger.Logger, settings Settings) *Coordinator {
	if settings.Currency == "" {
		settings.Currency = "LKR"
	}
	return &Coordinator{
		drafts:      drafts,
		payments:    payments,
		restaurants: restaurants,
		orders:      orders,
		saga:        rec,
		log:         log,
		settings:    settings,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Validate checks the request without touching any other service.
func Validate(req Request) error {
	var missing []string
	if strings.TrimSpace(req.RestaurantRef) == "" {
		missing = append(missing, "restaurant_ref")
	}
	if strings.TrimSpace(req.DeliveryAddress) == "" {
		missing = append(missing, "delivery_address")
	}
	if req.Delivery == nil {
		missing = append(missing, "delivery")
	} else if err := geo.ValidateCoordinate(*req.Delivery); err != nil {
		missing = append(missing, "delivery")
	}
	if strings.TrimSpace(req.ContactPhone) == "" {
		missing = append(missing, "contact_phone")
	}
	if !strings.Contains(req.ContactEmail, "@") {
		missing = append(missing, "contact_email")
	}
	if len(req.Items) == 0 {
		missing = append(missing, "items")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// Start validates, prices and stages the cart, then requests a payment session.
func (c *Coordinator) Start(ctx context.Context, actor models.Actor, req Request) (*Handoff, error) {
	if actor.Role != models.RoleCustomer {
		return nil, ErrForbidden
	}
	if err := Validate(req); err != nil {
		return nil, err
	}
	breakdown, err := pricing.Calculate(req.Items, c.settings.DeliveryFee)
	if err != nil {
		return nil, &ValidationError{Fields: []string{"items"}}
	}
	rs, err := c.restaurants.GetByRef(ctx, req.RestaurantRef)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, fmt.Errorf("%s: %w", req.RestaurantRef, ErrUnknownRestaurant)
	}

	draft := &models.OrderDraft{
		Ref:             uuid.NewString(),
		CustomerID:      actor.UserID,
		RestaurantRef:   rs.Ref,
		Items:           req.Items,
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		Delivery:        *req.Delivery,
		ContactPhone:    strings.TrimSpace(req.ContactPhone),
		ContactEmail:    strings.TrimSpace(req.ContactEmail),
		DeliveryFee:     breakdown.DeliveryFee,
		Subtotal:        breakdown.Subtotal,
		Tax:             breakdown.Tax,
		Total:           breakdown.Total,
		Currency:        c.settings.Currency,
		CreatedAt:       c.now(),
	}
	s := c.saga.Start(models.SagaCheckout, draft.Ref)
	draft.SagaRef = s.Ref
	s.Done(ctx, StepValidate, "total "+draft.Total.StringFixed(2))

	// The draft is the recovery point; it must exist before the provider is called.
	held, err := c.drafts.StageDraft(ctx, draft)
	if err != nil {
		s.Fail(ctx, StepStageDraft, err)
		return nil, fmt.Errorf("stage draft: %w", err)
	}
	if held != nil {
		err := fmt.Errorf("%s: %w", held.Ref, ErrDraftPending)
		s.Fail(ctx, StepStageDraft, err)
		return nil, err
	}
	s.Done(ctx, StepStageDraft, "")
	c.log.Info("checkout_started", draft.Ref, "draft staged",
		slog.Int64("customer_id", draft.CustomerID), slog.String("restaurant_ref", draft.RestaurantRef))

	return c.requestPayment(ctx, s, draft, rs.Name)
}

// Resume re-requests a payment session for the staged draft.
func (c *Coordinator) Resume(ctx context.Context, actor models.Actor) (*Handoff, error) {
	draft, err := c.Pending(ctx, actor)
	if err != nil {
		return nil, err
	}
	name := draft.RestaurantRef
	if rs, err := c.restaurants.GetByRef(ctx, draft.RestaurantRef); err == nil && rs != nil {
		name = rs.Name
	}
	s := c.saga.Resume(models.SagaCheckout, draft.SagaRef, draft.Ref)
	return c.requestPayment(ctx, s, draft, name)
}

// Pending returns the customer's staged draft.
func (c *Coordinator) Pending(ctx context.Context, actor models.Actor) (*models.OrderDraft, error) {
	if actor.Role != models.RoleCustomer {
		return nil, ErrForbidden
	}
	draft, err := c.drafts.GetDraft(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, ErrNoPendingDraft
	}
	return draft, nil
}

// Discard drops the staged draft. No order exists yet, so nothing else is undone.
func (c *Coordinator) Discard(ctx context.Context, actor models.Actor) error {
	draft, err := c.Pending(ctx, actor)
	if err != nil {
		return err
	}
	removed, err := c.drafts.DeleteDraft(ctx, actor.UserID, draft.Ref)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNoPendingDraft
	}
	c.saga.Resume(models.SagaCheckout, draft.SagaRef, draft.Ref).Compensate(ctx, StepDiscardDraft, "discarded by customer")
	c.log.Info("checkout_discarded", draft.Ref, "draft discarded", slog.Int64("customer_id", actor.UserID))
	return nil
}

// Cancelled records that the customer backed out at the provider. The draft
// stays staged for a later Resume or Discard.
func (c *Coordinator) Cancelled(ctx context.Context, customerID int64) (*models.OrderDraft, error) {
	draft, err := c.drafts.GetDraft(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, ErrNoPendingDraft
	}
	c.saga.Resume(models.SagaCheckout, draft.SagaRef, draft.Ref).Done(ctx, StepPaymentCancelled, draft.PaymentSession)
	return draft, nil
}

// Confirm is the payment-return step: once the provider reports the draft's
// session as paid it materializes the draft and clears it. Repeating it for an
// already materialized draft returns the order.
func (c *Coordinator) Confirm(ctx context.Context, customerID int64, draftRef string) (*models.Order, error) {
	if draftRef == "" {
		return nil, &ValidationError{Fields: []string{"draft"}}
	}
	existing, err := c.orders.FindByDraft(ctx, draftRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.CustomerID != customerID {
			return nil, ErrNoPendingDraft
		}
		// The draft may have survived a failed clear; drop it now.
		_, _ = c.drafts.DeleteDraft(ctx, customerID, draftRef)
		return existing, nil
	}

	draft, err := c.drafts.GetDraft(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if draft == nil || draft.Ref != draftRef {
		return nil, ErrNoPendingDraft
	}
	s := c.saga.Resume(models.SagaCheckout, draft.SagaRef, draft.Ref)

	if err := c.verifyPayment(ctx, draft); err != nil {
		s.Fail(ctx, StepMaterialize, err)
		return nil, err
	}

	order, _, err := c.orders.Create(ctx, draft, draft.PaymentSession)
	if err != nil {
		// Payment went through but no order exists; the draft is kept so the
		// return can be retried and the saga log shows the gap.
		s.Fail(ctx, StepMaterialize, err)
		return nil, fmt.Errorf("materialize draft %s: %w", draft.Ref, err)
	}
	s.Done(ctx, StepMaterialize, order.Ref)

	if _, err := c.drafts.DeleteDraft(ctx, customerID, draft.Ref); err != nil {
		s.Fail(ctx, StepClearDraft, err)
		return order, nil
	}
	s.Done(ctx, StepClearDraft, "")
	return order, nil
}

// verifyPayment asks the provider whether the draft's session was paid. The
// return URL alone proves nothing.
func (c *Coordinator) verifyPayment(ctx context.Context, draft *models.OrderDraft) error {
	if draft.PaymentSession == "" {
		return fmt.Errorf("draft %s has no payment session: %w", draft.Ref, ErrPaymentNotConfirmed)
	}
	session, err := c.payments.GetSession(ctx, draft.PaymentSession)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPaymentUnavailable, err)
	}
	if session.Reference != "" && session.Reference != draft.Ref {
		return fmt.Errorf("session %s belongs to %s: %w", session.ID, session.Reference, ErrPaymentNotConfirmed)
	}
	if !session.Paid() {
		return fmt.Errorf("session %s is %q: %w", session.ID, session.Status, ErrPaymentNotConfirmed)
	}
	return nil
}

func (c *Coordinator) requestPayment(ctx context.Context, s *saga.Saga, draft *models.OrderDraft, restaurantName string) (*Handoff, error) {
	session, err := c.payments.CreateSession(ctx, payment.SessionRequest{
		Amount:      draft.Total,
		Currency:    draft.Currency,
		Description: describe(draft, restaurantName),
		Reference:   draft.Ref,
		SuccessURL:  returnURL(c.settings.SuccessURL, draft),
		CancelURL:   returnURL(c.settings.CancelURL, draft),
	})
	if err != nil {
		s.Fail(ctx, StepPaymentSession, err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentUnavailable, err)
	}

	draft.PaymentSession = session.ID
	if err := c.drafts.SaveDraft(ctx, draft); err != nil {
		// Confirm verifies against the recorded session, so the customer must
		// not be sent to a page nothing will be able to match.
		s.Fail(ctx, StepPaymentSession, err)
		return nil, fmt.Errorf("record payment session on draft %s: %w", draft.Ref, err)
	}
	s.Done(ctx, StepPaymentSession, session.ID)
	return &Handoff{Draft: draft, SessionID: session.ID, RedirectURL: session.URL}, nil
}

func describe(d *models.OrderDraft, restaurantName string) string {
	n := 0
	for _, it := range d.Items {
		n += it.Quantity
	}
	return fmt.Sprintf("Order from %s (%d items)", restaurantName, n)
}

func returnURL(base string, d *models.OrderDraft) string {
	if base == "" {
		return ""
	}
	q := url.Values{}
	q.Set("customer", strconv.FormatInt(d.CustomerID, 10))
	q.Set("draft", d.Ref)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}
