// Package dispatch drives a driver through one delivery:
// idle -> accepted -> picked_up -> idle. The delivery ledger row inserted on
// accept is the claim that keeps two drivers off the same order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderFulfillment/internal/geo"
	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/orders"
	"orderFulfillment/internal/orderstatus"
	"orderFulfillment/internal/saga"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

const (
	StepClaim         = "claim"
	StepCloseDelivery = "close_delivery"
	StepMarkDelivered = "mark_delivered"
	StepReleaseClaim  = "release_claim"
)

var (
	ErrNotDriver = errors.New("only drivers can deliver orders")
	// ErrSessionBusy is returned when the driver's session already holds an order.
	ErrSessionBusy = errors.New("driver already has an active delivery")
	// ErrNoActiveDelivery is returned for pickup/complete/abandon on an idle session.
	ErrNoActiveDelivery = errors.New("driver has no active delivery")
	// ErrWrongPhase is returned when a step is taken out of order.
	ErrWrongPhase = errors.New("delivery is not in the required phase")
	// ErrOrderNotReady is returned when accepting an order that is not ready.
	ErrOrderNotReady = errors.New("order is not ready for pickup")
	// ErrPartialCompletion means the delivery record is closed but the order
	// could not be moved to delivered. The session stays picked_up so the
	// driver can retry; the reconciler repairs it otherwise.
	ErrPartialCompletion = errors.New("delivery recorded but order status not updated")

	ErrAlreadyAssigned = repository.ErrAlreadyAssigned
	ErrDriverBusy      = repository.ErrDriverBusy
)

type OrderService interface {
	Get(ctx context.Context, ref string) (*models.Order, error)
	Transition(ctx context.Context, actor models.Actor, ref string, target models.OrderStatus) (*models.Order, error)
}

type Ledger interface {
	Claim(ctx context.Context, d *models.DeliveryRecord) (*models.DeliveryRecord, error)
	GetActiveByDriver(ctx context.Context, driverID int64) (*models.DeliveryRecord, error)
	MarkPickedUp(ctx context.Context, ref string, driverID int64, at time.Time) error
	Close(ctx context.Context, ref string, driverID int64, earnedFee decimal.Decimal, at time.Time) (*models.DeliveryRecord, error)
	Release(ctx context.Context, ref string, driverID int64) (bool, error)
	ListByDriver(ctx context.Context, driverID int64, limit int) ([]models.DeliveryRecord, error)
}

type Sessions interface {
	GetSession(ctx context.Context, driverID int64) (*models.DriverSession, error)
	SaveSession(ctx context.Context, sess *models.DriverSession) error
}

type Router interface {
	Route(ctx context.Context, from, to models.Coordinate) ([]models.Coordinate, error)
}

type RestaurantLookup interface {
	GetByRef(ctx context.Context, ref string) (*models.Restaurant, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type Settings struct {
	EarnedFee    decimal.Decimal
	Attempts     int           // per completion sub-step
	Backoff      time.Duration // first retry wait, doubled each time
	RouteTimeout time.Duration
}

// Completion is the result of a successful or partial Complete.
type Completion struct {
	Delivery *models.DeliveryRecord `json:"delivery"`
	Order    *models.Order          `json:"order,omitempty"`
}

type Engine struct {
	orders      OrderService
	ledger      Ledger
	sessions    Sessions
	router      Router
	restaurants RestaurantLookup
	users       UserLookup
	saga        *saga.Recorder
	log         *logger.Logger
	settings    Settings
	now         func() time.Time

	locks sync.Map // driver id -> *sync.Mutex
}

func NewEngine(orders OrderService, ledger Ledger, sessions Sessions, router Router, restaurants RestaurantLookup,
	users UserLookup, rec *saga.Recorder, log *logger.Logger, settings Settings) *Engine {
	if settings.Attempts <= 0 {
		settings.Attempts = 3
	}
	if settings.Backoff <= 0 {
		settings.Backoff = 200 * time.Millisecond
	}
	if settings.RouteTimeout <= 0 {
		settings.RouteTimeout = 10 * time.Second
	}
	return &Engine{
		orders:      orders,
		ledger:      ledger,
		sessions:    sessions,
		router:      router,
		restaurants: restaurants,
		users:       users,
		saga:        rec,
		log:         log,
		settings:    settings,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Accept claims a ready order for the driver and routes them to the restaurant.
func (e *Engine) Accept(ctx context.Context, actor models.Actor, orderRef string, position models.Coordinate) (*models.DriverSession, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	if err := geo.ValidateCoordinate(position); err != nil {
		return nil, err
	}
	unlock := e.lock(actor.UserID)
	defer unlock()

	sess, err := e.load(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if sess.Active() {
		if sess.OrderRef == orderRef {
			return sess, nil
		}
		return nil, ErrSessionBusy
	}

	// Re-read right before claiming; a cached view may be stale.
	o, err := e.orders.Get(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderStatusReady {
		return nil, fmt.Errorf("%s is %s: %w", orderRef, o.Status, ErrOrderNotReady)
	}
	rs, err := e.restaurants.GetByRef(ctx, o.RestaurantRef)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, fmt.Errorf("restaurant %s of order %s not found", o.RestaurantRef, orderRef)
	}

	now := e.now()
	rec, err := e.ledger.Claim(ctx, &models.DeliveryRecord{
		OrderRef:        o.Ref,
		DriverID:        actor.UserID,
		CustomerName:    e.customerName(ctx, o.CustomerID),
		CustomerAddress: o.DeliveryAddress,
		RestaurantRef:   rs.Ref,
		RestaurantName:  rs.Name,
		OrderTotal:      o.Total,
		EarnedFee:       decimal.Zero,
		AssignedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	e.saga.Start(models.SagaDispatch, o.Ref).Done(ctx, StepClaim, actor.Username)
	e.log.Info("delivery_accepted", o.Ref, "order claimed by driver",
		slog.String("driver", actor.Username), slog.String("delivery_ref", rec.Ref))

	sess.OrderRef = o.Ref
	sess.DeliveryRef = rec.Ref
	sess.Phase = models.PhaseAccepted
	sess.Position = &position
	target := rs.Location
	sess.Target = &target
	sess.AcceptedAt = &now
	sess.UpdatedAt = now
	e.route(ctx, sess, position, target)

	if err := e.sessions.SaveSession(ctx, sess); err != nil {
		// The claim stands; load() rebuilds the session from the ledger.
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Pickup marks the food collected and routes the driver to the customer.
func (e *Engine) Pickup(ctx context.Context, actor models.Actor, position *models.Coordinate) (*models.DriverSession, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	if position != nil {
		if err := geo.ValidateCoordinate(*position); err != nil {
			return nil, err
		}
	}
	unlock := e.lock(actor.UserID)
	defer unlock()

	sess, err := e.load(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	switch {
	case !sess.Active():
		return nil, ErrNoActiveDelivery
	case sess.Phase == models.PhasePickedUp:
		return sess, nil
	case sess.Phase != models.PhaseAccepted:
		return nil, fmt.Errorf("pickup from %s: %w", sess.Phase, ErrWrongPhase)
	}

	o, err := e.orders.Get(ctx, sess.OrderRef)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.ledger.MarkPickedUp(ctx, sess.DeliveryRef, actor.UserID, now); err != nil {
		return nil, err
	}

	from := sess.Target // restaurant
	if position != nil {
		sess.Position = position
		from = position
	}
	if from == nil {
		from = sess.Position
	}
	sess.Phase = models.PhasePickedUp
	sess.PickedUpAt = &now
	sess.UpdatedAt = now
	dropoff := o.Delivery
	sess.Target = &dropoff
	if from != nil {
		e.route(ctx, sess, *from, dropoff)
	}
	if err := e.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	e.log.Info("delivery_picked_up", sess.OrderRef, "order picked up", slog.String("driver", actor.Username))
	return sess, nil
}

// Complete closes the delivery record, then moves the order to delivered.
// Both sub-steps are idempotent, so calling Complete again after a partial
// failure finishes the job. An order that can no longer become delivered
// (cancelled meanwhile) ends the job without touching the record.
func (e *Engine) Complete(ctx context.Context, actor models.Actor) (*Completion, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	unlock := e.lock(actor.UserID)
	defer unlock()

	sess, err := e.load(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, ErrNoActiveDelivery
	}
	if sess.Phase != models.PhasePickedUp {
		return nil, fmt.Errorf("complete from %s: %w", sess.Phase, ErrWrongPhase)
	}

	s := e.saga.Start(models.SagaCompletion, sess.OrderRef)
	now := e.now()

	current, err := e.orders.Get(ctx, sess.OrderRef)
	if err != nil {
		return nil, err
	}
	if _, err := orderstatus.Next(current.Status, models.OrderStatusDelivered, actor.Role); err != nil {
		return nil, e.endJob(ctx, actor, sess, s, now, err)
	}

	var rec *models.DeliveryRecord
	err = retry(ctx, e.settings.Attempts, e.settings.Backoff, transient, func(ctx context.Context) error {
		var err error
		rec, err = e.ledger.Close(ctx, sess.DeliveryRef, actor.UserID, e.settings.EarnedFee, now)
		return err
	})
	if err != nil {
		s.Fail(ctx, StepCloseDelivery, err)
		return nil, fmt.Errorf("close delivery %s: %w", sess.DeliveryRef, err)
	}
	s.Done(ctx, StepCloseDelivery, rec.Ref)

	// Transition re-reads the order and only writes if it is still ready.
	var o *models.Order
	err = retry(ctx, e.settings.Attempts, e.settings.Backoff, transient, func(ctx context.Context) error {
		var err error
		o, err = e.orders.Transition(ctx, actor, sess.OrderRef, models.OrderStatusDelivered)
		return err
	})
	if err != nil {
		s.Fail(ctx, StepMarkDelivered, err)
		e.log.Error("delivery_completed", sess.OrderRef, "order left behind its delivery record", err,
			slog.String("step", StepMarkDelivered), slog.String("delivery_ref", rec.Ref),
			slog.Time("at", now))
		if !rejected(err) {
			return &Completion{Delivery: rec}, fmt.Errorf("%w: %w", ErrPartialCompletion, err)
		}
		// The order changed between the check and the write. Retrying cannot
		// help, so the job ends and the reconciler flags the record.
		sess.Reset(now)
		if serr := e.sessions.SaveSession(ctx, sess); serr != nil {
			e.log.Warn("delivery_completed", rec.OrderRef, "could not reset driver session", slog.String("error", serr.Error()))
		}
		return &Completion{Delivery: rec}, err
	}
	s.Done(ctx, StepMarkDelivered, "")

	orderRef := sess.OrderRef
	sess.Reset(now)
	if err := e.sessions.SaveSession(ctx, sess); err != nil {
		// Both writes landed; a repeated Complete resets the session.
		e.log.Warn("delivery_completed", orderRef, "could not reset driver session", slog.String("error", err.Error()))
	}
	e.log.Info("delivery_completed", orderRef, "order delivered",
		slog.String("driver", actor.Username), slog.String("earned_fee", rec.EarnedFee.StringFixed(2)))
	return &Completion{Delivery: rec, Order: o}, nil
}

// endJob releases the claim on an order that can no longer be delivered and
// returns the driver to idle. cause is returned to the caller.
func (e *Engine) endJob(ctx context.Context, actor models.Actor, sess *models.DriverSession, s *saga.Saga, now time.Time, cause error) error {
	if _, err := e.ledger.Release(ctx, sess.DeliveryRef, actor.UserID); err != nil {
		s.Fail(ctx, StepReleaseClaim, err)
		return fmt.Errorf("release claim on %s: %w", sess.OrderRef, err)
	}
	s.Compensate(ctx, StepReleaseClaim, cause.Error())
	e.log.Warn("delivery_completed", sess.OrderRef, "order can no longer be delivered, claim released",
		slog.String("driver", actor.Username), slog.String("reason", cause.Error()))

	sess.Reset(now)
	if err := e.sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return fmt.Errorf("complete %s: %w", sess.OrderRef, cause)
}

// Abandon gives the order back: the claim is released and the session reset.
func (e *Engine) Abandon(ctx context.Context, actor models.Actor) (*models.DriverSession, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	unlock := e.lock(actor.UserID)
	defer unlock()

	sess, err := e.load(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, ErrNoActiveDelivery
	}
	if _, err := e.ledger.Release(ctx, sess.DeliveryRef, actor.UserID); err != nil {
		return nil, err
	}
	e.saga.Start(models.SagaDispatch, sess.OrderRef).Compensate(ctx, StepReleaseClaim, actor.Username)
	e.log.Warn("delivery_abandoned", sess.OrderRef, "driver released order",
		slog.String("driver", actor.Username), slog.String("phase", string(sess.Phase)))

	sess.Reset(e.now())
	if err := e.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Heartbeat records the driver's position.
func (e *Engine) Heartbeat(ctx context.Context, actor models.Actor, position models.Coordinate) (*models.DriverSession, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	if err := geo.ValidateCoordinate(position); err != nil {
		return nil, err
	}
	unlock := e.lock(actor.UserID)
	defer unlock()

	sess, err := e.load(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	sess.Position = &position
	if sess.Target != nil {
		sess.RemainingKm = geo.HaversineKm(position, *sess.Target)
	}
	sess.UpdatedAt = e.now()
	if err := e.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Session returns the driver's current session, idle if none.
func (e *Engine) Session(ctx context.Context, actor models.Actor) (*models.DriverSession, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	return e.load(ctx, actor.UserID)
}

// History lists the driver's deliveries, newest first.
func (e *Engine) History(ctx context.Context, actor models.Actor, limit int) ([]models.DeliveryRecord, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	return e.ledger.ListByDriver(ctx, actor.UserID, limit)
}

// load returns the stored session. An idle or missing session is checked
// against the ledger so that a claim whose session write was lost is not
// orphaned.
func (e *Engine) load(ctx context.Context, driverID int64) (*models.DriverSession, error) {
	sess, err := e.sessions.GetSession(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &models.DriverSession{DriverID: driverID, Phase: models.PhaseIdle}
	}
	if sess.Active() {
		return sess, nil
	}
	rec, err := e.ledger.GetActiveByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return sess, nil
	}
	assigned := rec.AssignedAt
	sess.OrderRef = rec.OrderRef
	sess.DeliveryRef = rec.Ref
	sess.Phase = models.PhaseAccepted
	sess.AcceptedAt = &assigned
	if rec.PickedUpAt != nil {
		sess.Phase = models.PhasePickedUp
		sess.PickedUpAt = rec.PickedUpAt
	}
	e.log.Warn("session_restore", rec.OrderRef, "driver session rebuilt from delivery ledger",
		slog.Int64("driver_id", driverID))
	return sess, nil
}

// route replaces the session polyline; on failure the previous one is kept.
func (e *Engine) route(ctx context.Context, sess *models.DriverSession, from, to models.Coordinate) {
	if e.router == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.settings.RouteTimeout)
	defer cancel()
	points, err := e.router.Route(ctx, from, to)
	if err != nil {
		e.log.Warn("route", sess.OrderRef, "routing unavailable, keeping previous route",
			slog.String("phase", string(sess.Phase)), slog.String("error", err.Error()))
		return
	}
	sess.Route = points
	sess.RouteKm = geo.PolylineKm(points)
	sess.RemainingKm = geo.HaversineKm(from, to)
}

func (e *Engine) customerName(ctx context.Context, customerID int64) string {
	if e.users == nil {
		return ""
	}
	u, err := e.users.GetByID(ctx, customerID)
	if err != nil || u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

func (e *Engine) lock(driverID int64) func() {
	m, _ := e.locks.LoadOrStore(driverID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// transient reports whether a failed sub-step is worth retrying. Rule
// violations and missing records will not change on retry.
// rejected reports whether the order service refused the write for good.
func rejected(err error) bool {
	var terr *orderstatus.TransitionError
	return errors.As(err, &terr) || errors.Is(err, orders.ErrNotFound)
}

func transient(err error) bool {
	switch {
	case errors.Is(err, orderstatus.ErrInvalidTransition),
		errors.Is(err, orderstatus.ErrTerminalState),
		errors.Is(err, orderstatus.ErrForbidden),
		errors.Is(err, orderstatus.ErrUnknownStatus),
		errors.Is(err, orders.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
