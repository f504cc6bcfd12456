package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderFulfillment/internal/fulfillment"
	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/notify"
	"orderFulfillment/internal/orders"
	"orderFulfillment/internal/orderstatus"
	"orderFulfillment/internal/pricing"
	"orderFulfillment/internal/saga"
	"orderFulfillment/internal/scratch"
	"orderFulfillment/internal/testutil"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

type fakeRouter struct {
	calls atomic.Int32
	// failFrom makes every call numbered >= failFrom fail (1-based); 0 never fails.
	failFrom int32
}

func (r *fakeRouter) Route(_ context.Context, from, to models.Coordinate) ([]models.Coordinate, error) {
	n := r.calls.Add(1)
	if r.failFrom > 0 && n >= r.failFrom {
		return nil, errors.New("routing service unavailable")
	}
	mid := models.Coordinate{Lat: (from.Lat + to.Lat) / 2, Lng: (from.Lng + to.Lng) / 2}
	return []models.Coordinate{from, mid, to}, nil
}

type flakyOrders struct {
	*orders.Service
	fail   atomic.Bool
	reject atomic.Bool // order cancelled between the status check and the write
}

func (f *flakyOrders) Transition(ctx context.Context, actor models.Actor, ref string, target models.OrderStatus) (*models.Order, error) {
	if f.fail.Load() {
		return nil, errors.New("order service unavailable")
	}
	if f.reject.Load() {
		return nil, &orderstatus.TransitionError{From: models.OrderStatusCancelled, To: target, Err: orderstatus.ErrTerminalState}
	}
	return f.Service.Transition(ctx, actor, ref, target)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }

type harness struct {
	engine     *Engine
	orders     *flakyOrders
	ledger     *repository.DeliveryRepository
	sagas      *repository.SagaRepository
	sessions   *scratch.Store
	mr         *miniredis.Miniredis
	router     *fakeRouter
	ctrl       *fulfillment.Controller
	restaurant *models.Restaurant
	owner      models.Actor
	drivers    []models.Actor
	customerID int64
}

var (
	driverStart = models.Coordinate{Lat: 6.9000, Lng: 79.8500}
	dropoff     = models.Coordinate{Lat: 6.9271, Lng: 79.8612}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := testutil.OpenInMemoryDB(t, t.Name())
	mr, rdb := testutil.StartRedis(t)
	ctx := context.Background()
	log := logger.Discard()

	users := repository.NewUserRepository(d)
	customer, err := users.Create(ctx, "kamala", "Kamala Perera", models.RoleCustomer)
	require.NoError(t, err)
	owner, err := users.Create(ctx, "hela", "Hela Bojun", models.RoleRestaurant)
	require.NoError(t, err)
	var drivers []models.Actor
	for _, name := range []string{"nimal", "sunil"} {
		u, err := users.Create(ctx, name, name, models.RoleDriver)
		require.NoError(t, err)
		drivers = append(drivers, models.Actor{UserID: u.ID, Username: u.Username, Role: models.RoleDriver})
	}
	restaurants := repository.NewRestaurantRepository(d)
	rs, err := restaurants.Create(ctx, &models.Restaurant{Name: "Hela Bojun", Owner: "hela", Address: "Kandy Rd", Location: models.Coordinate{Lat: 6.9100, Lng: 79.8600}})
	require.NoError(t, err)

	sagas := repository.NewSagaRepository(d)
	rec := saga.NewRecorder(sagas, log)
	svc := &flakyOrders{Service: orders.NewService(repository.NewOrderRepository(d), log)}
	ledger := repository.NewDeliveryRepository(d)
	sessions := scratch.NewStore(rdb, 0)
	router := &fakeRouter{}

	h := &harness{
		orders:     svc,
		ledger:     ledger,
		sagas:      sagas,
		sessions:   sessions,
		mr:         mr,
		router:     router,
		restaurant: rs,
		owner:      models.Actor{UserID: owner.ID, Username: owner.Username, Role: models.RoleRestaurant},
		drivers:    drivers,
		customerID: customer.ID,
	}
	h.engine = NewEngine(svc, ledger, sessions, router, restaurants, users, rec, log, Settings{
		EarnedFee: decimal.RequireFromString("200.00"),
		Attempts:  2,
		Backoff:   time.Millisecond,
	})
	h.ctrl = fulfillment.NewController(svc, restaurants, users, notify.NewBroadcaster(nopPublisher{}, 2, log), rec, log)
	return h
}

// placeOrder creates a pending order as the checkout confirm step would.
func (h *harness) placeOrder(t *testing.T) *models.Order {
	t.Helper()
	items := []models.OrderItem{
		{ItemRef: "rice", Name: "Rice & Curry", Quantity: 2, UnitPrice: decimal.RequireFromString("500")},
		{ItemRef: "tea", Name: "Plain Tea", Quantity: 1, UnitPrice: decimal.RequireFromString("300")},
	}
	b, err := pricing.Calculate(items, pricing.DefaultDeliveryFee)
	require.NoError(t, err)
	o, _, err := h.orders.Create(context.Background(), &models.OrderDraft{
		Ref: uuid.NewString(), CustomerID: h.customerID, RestaurantRef: h.restaurant.Ref, Items: items,
		DeliveryAddress: "12 Galle Rd", Delivery: dropoff, ContactPhone: "+94770000000", ContactEmail: "k@example.com",
		Subtotal: b.Subtotal, Tax: b.Tax, DeliveryFee: b.DeliveryFee, Total: b.Total, Currency: "LKR",
	}, "cs_1")
	require.NoError(t, err)
	return o
}

func (h *harness) readyOrder(t *testing.T) *models.Order {
	t.Helper()
	o := h.placeOrder(t)
	ctx := context.Background()
	_, err := h.ctrl.Accept(ctx, h.owner, o.Ref)
	require.NoError(t, err)
	o, _, err = h.ctrl.Dispatch(ctx, h.owner, o.Ref)
	require.NoError(t, err)
	return o
}

func TestHappyPathScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]

	o := h.placeOrder(t)
	assert.Equal(t, models.OrderStatusPending, o.Status)

	o, err := h.ctrl.Accept(ctx, h.owner, o.Ref)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPreparing, o.Status)

	o, report, err := h.ctrl.Dispatch(ctx, h.owner, o.Ref)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReady, o.Status)
	assert.Equal(t, []string{"nimal", "sunil"}, report.Delivered)

	sess, err := h.engine.Accept(ctx, driver, o.Ref, driverStart)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAccepted, sess.Phase)
	assert.Equal(t, h.restaurant.Location, *sess.Target)
	assert.Len(t, sess.Route, 3)
	assert.Equal(t, driverStart, sess.Route[0])
	assert.Greater(t, sess.RouteKm, 0.0)

	// Accepting writes no order status.
	stored, err := h.orders.Get(ctx, o.Ref)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReady, stored.Status)

	sess, err = h.engine.Pickup(ctx, driver, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePickedUp, sess.Phase)
	assert.Equal(t, h.restaurant.Location, sess.Route[0])
	assert.Equal(t, dropoff, sess.Route[2])

	done, err := h.engine.Complete(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, done.Delivery.Status)
	assert.Equal(t, "200.00", done.Delivery.EarnedFee.StringFixed(2))
	assert.Equal(t, "Kamala Perera", done.Delivery.CustomerName)
	assert.NotNil(t, done.Delivery.PickedUpAt)
	assert.NotNil(t, done.Delivery.DeliveredAt)
	assert.Equal(t, models.OrderStatusDelivered, done.Order.Status)

	stored, err = h.orders.Get(ctx, o.Ref)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, stored.Status)
	assertTotalsUnchanged(t, o, stored)

	sess, err = h.engine.Session(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, sess.Phase)
	assert.Empty(t, sess.OrderRef)
	assert.Nil(t, sess.Route)

	history, err := h.engine.History(ctx, driver, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, o.Ref, history[0].OrderRef)
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	o := h.readyOrder(t)

	var wg sync.WaitGroup
	errs := make([]error, len(h.drivers))
	start := make(chan struct{})
	for i, driver := range h.drivers {
		wg.Add(1)
		go func(i int, driver models.Actor) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.Accept(context.Background(), driver, o.Ref, driverStart)
		}(i, driver)
	}
	close(start)
	wg.Wait()

	wins, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyAssigned):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, lost)
}

func TestOneActiveJobPerDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]
	first := h.readyOrder(t)
	second := h.readyOrder(t)

	_, err := h.engine.Accept(ctx, driver, first.Ref, driverStart)
	require.NoError(t, err)

	again, err := h.engine.Accept(ctx, driver, first.Ref, driverStart)
	require.NoError(t, err, "re-accepting the held order is idempotent")
	assert.Equal(t, first.Ref, again.OrderRef)

	_, err = h.engine.Accept(ctx, driver, second.Ref, driverStart)
	assert.ErrorIs(t, err, ErrSessionBusy)

	// Even with the session gone the ledger keeps the driver to one job.
	h.mr.Del(h.sessions.SessionKey(driver.UserID))
	_, err = h.engine.Accept(ctx, driver, second.Ref, driverStart)
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = h.ledger.Claim(ctx, &models.DeliveryRecord{OrderRef: second.Ref, DriverID: driver.UserID, RestaurantRef: h.restaurant.Ref})
	assert.ErrorIs(t, err, ErrDriverBusy)
}

func TestAcceptRequiresReadyOrder(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t)
	_, err := h.engine.Accept(context.Background(), h.drivers[0], o.Ref, driverStart)
	assert.ErrorIs(t, err, ErrOrderNotReady)

	_, err = h.engine.Accept(context.Background(), h.owner, o.Ref, driverStart)
	assert.ErrorIs(t, err, ErrNotDriver)

	_, err = h.engine.Accept(context.Background(), h.drivers[0], o.Ref, models.Coordinate{Lat: 100})
	assert.Error(t, err)
}

func TestRoutingFailureKeepsPreviousRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]
	o := h.readyOrder(t)
	h.router.failFrom = 2

	sess, err := h.engine.Accept(ctx, driver, o.Ref, driverStart)
	require.NoError(t, err)
	previous := sess.Route
	require.Len(t, previous, 3)

	sess, err = h.engine.Pickup(ctx, driver, &h.restaurant.Location)
	require.NoError(t, err, "routing is not a gate")
	assert.Equal(t, models.PhasePickedUp, sess.Phase)
	assert.Equal(t, previous, sess.Route)
	assert.Equal(t, dropoff, *sess.Target)
}

func TestRoutingDownAtAccept(t *testing.T) {
	h := newHarness(t)
	h.router.failFrom = 1
	sess, err := h.engine.Accept(context.Background(), h.drivers[0], h.readyOrder(t).Ref, driverStart)
	require.NoError(t, err)
	assert.Empty(t, sess.Route)
	assert.Equal(t, models.PhaseAccepted, sess.Phase)
}

func TestPartialCompletionIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]
	o := h.readyOrder(t)

	_, err := h.engine.Accept(ctx, driver, o.Ref, driverStart)
	require.NoError(t, err)
	_, err = h.engine.Pickup(ctx, driver, nil)
	require.NoError(t, err)

	h.orders.fail.Store(true)
	partial, err := h.engine.Complete(ctx, driver)
	require.ErrorIs(t, err, ErrPartialCompletion)
	require.NotNil(t, partial)
	assert.Equal(t, models.DeliveryStatusDelivered, partial.Delivery.Status)

	sess, err := h.engine.Session(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePickedUp, sess.Phase, "session must not reset on partial completion")

	stored, err := h.orders.Get(ctx, o.Ref)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReady, stored.Status)

	steps, err := h.sagas.ListBySubject(ctx, o.Ref)
	require.NoError(t, err)
	last := steps[len(steps)-1]
	assert.Equal(t, StepMarkDelivered, last.Step)
	assert.Equal(t, models.StepFailed, last.Outcome)

	h.orders.fail.Store(false)
	done, err := h.engine.Complete(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, done.Order.Status)
	assert.Equal(t, partial.Delivery.Ref, done.Delivery.Ref)

	sess, err = h.engine.Session(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, sess.Phase)
}

func TestCompleteAfterCancelEndsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]
	o := h.readyOrder(t)

	_, err := h.engine.Accept(ctx, driver, o.Ref, driverStart)
	require.NoError(t, err)
	_, err = h.engine.Pickup(ctx, driver, nil)
	require.NoError(t, err)

	admin := models.Actor{UserID: 99, Username: "root", Role: models.RoleAdmin}
	_, err = h.ctrl.Cancel(ctx, admin, o.Ref)
	require.NoError(t, err)

	_, err = h.engine.Complete(ctx, driver)
	require.ErrorIs(t, err, orderstatus.ErrTerminalState)
	assert.NotErrorIs(t, err, ErrPartialCompletion)

	history, err := h.engine.History(ctx, driver, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.DeliveryStatusAbandoned, history[0].Status)
	assert.Nil(t, history[0].DeliveredAt)

	sess, err := h.engine.Session(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, sess.Phase)

	stored, err := h.orders.Get(ctx, o.Ref)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, stored.Status)
	assertTotalsUnchanged(t, o, stored)

	steps, err := h.sagas.ListBySubject(ctx, o.Ref)
	require.NoError(t, err)
	last := steps[len(steps)-1]
	assert.Equal(t, StepReleaseClaim, last.Step)
	assert.Equal(t, models.StepCompensated, last.Outcome)

	// The driver is free for the next job.
	_, err = h.engine.Accept(ctx, driver, h.readyOrder(t).Ref, driverStart)
	require.NoError(t, err)
}

func TestCompleteRejectedAfterCloseIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]
	o := h.readyOrder(t)

	_, err := h.engine.Accept(ctx, driver, o.Ref, driverStart)
	require.NoError(t, err)
	_, err = h.engine.Pickup(ctx, driver, nil)
	require.NoError(t, err)

	h.orders.reject.Store(true)
	done, err := h.engine.Complete(ctx, driver)
	require.ErrorIs(t, err, orderstatus.ErrTerminalState)
	assert.NotErrorIs(t, err, ErrPartialCompletion)
	require.NotNil(t, done)
	assert.Equal(t, models.DeliveryStatusDelivered, done.Delivery.Status)

	sess, err := h.engine.Session(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, sess.Phase)
}

func assertTotalsUnchanged(t *testing.T, created, stored *models.Order) {
	t.Helper()
	assert.True(t, created.Subtotal.Equal(stored.Subtotal), "subtotal %s != %s", created.Subtotal, stored.Subtotal)
	assert.True(t, created.Tax.Equal(stored.Tax), "tax %s != %s", created.Tax, stored.Tax)
	assert.True(t, created.DeliveryFee.Equal(stored.DeliveryFee), "fee %s != %s", created.DeliveryFee, stored.DeliveryFee)
	assert.True(t, created.Total.Equal(stored.Total), "total %s != %s", created.Total, stored.Total)
}

func TestPhaseOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]

	_, err := h.engine.Pickup(ctx, driver, nil)
	assert.ErrorIs(t, err, ErrNoActiveDelivery)
	_, err = h.engine.Complete(ctx, driver)
	assert.ErrorIs(t, err, ErrNoActiveDelivery)
	_, err = h.engine.Abandon(ctx, driver)
	assert.ErrorIs(t, err, ErrNoActiveDelivery)

	_, err = h.engine.Accept(ctx, driver, h.readyOrder(t).Ref, driverStart)
	require.NoError(t, err)
	_, err = h.engine.Complete(ctx, driver)
	assert.ErrorIs(t, err, ErrWrongPhase)

	_, err = h.engine.Pickup(ctx, driver, nil)
	require.NoError(t, err)
	sess, err := h.engine.Pickup(ctx, driver, nil)
	require.NoError(t, err, "pickup is idempotent")
	assert.Equal(t, models.PhasePickedUp, sess.Phase)
}

func TestAbandonReleasesClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.readyOrder(t)

	_, err := h.engine.Accept(ctx, h.drivers[0], o.Ref, driverStart)
	require.NoError(t, err)
	sess, err := h.engine.Abandon(ctx, h.drivers[0])
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, sess.Phase)

	sess, err = h.engine.Accept(ctx, h.drivers[1], o.Ref, driverStart)
	require.NoError(t, err)
	assert.Equal(t, o.Ref, sess.OrderRef)
}

func TestSessionRebuiltFromLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]
	o := h.readyOrder(t)

	_, err := h.engine.Accept(ctx, driver, o.Ref, driverStart)
	require.NoError(t, err)
	_, err = h.engine.Pickup(ctx, driver, nil)
	require.NoError(t, err)
	h.mr.Del(h.sessions.SessionKey(driver.UserID))

	sess, err := h.engine.Session(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, o.Ref, sess.OrderRef)
	assert.Equal(t, models.PhasePickedUp, sess.Phase)

	_, err = h.engine.Complete(ctx, driver)
	require.NoError(t, err)
}

func TestHeartbeatTracksDistance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	driver := h.drivers[0]

	sess, err := h.engine.Heartbeat(ctx, driver, driverStart)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, sess.Phase)
	assert.Zero(t, sess.RemainingKm)

	_, err = h.engine.Accept(ctx, driver, h.readyOrder(t).Ref, driverStart)
	require.NoError(t, err)
	sess, err = h.engine.Heartbeat(ctx, driver, h.restaurant.Location)
	require.NoError(t, err)
	assert.InDelta(t, 0, sess.RemainingKm, 1e-9)
	assert.Equal(t, h.restaurant.Location, *sess.Position)
}
