package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"orderFulfillment/internal/checkout"
	"orderFulfillment/internal/dispatch"
	"orderFulfillment/internal/fulfillment"
	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/notify"
	"orderFulfillment/internal/orders"
	"orderFulfillment/internal/payment"
	"orderFulfillment/internal/reconcile"
	"orderFulfillment/internal/saga"
	"orderFulfillment/internal/scratch"
	"orderFulfillment/internal/testutil"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

const testSecret = "grpc-test-secret"

type stubPayments struct{}

func (stubPayments) CreateSession(_ context.Context, r payment.SessionRequest) (*payment.Session, error) {
	return &payment.Session{ID: "cs_" + r.Reference[:8], URL: "https://pay.example/" + r.Reference}, nil
}

func (stubPayments) GetSession(_ context.Context, id string) (*payment.Session, error) {
	return &payment.Session{ID: id, Status: payment.StatusPaid}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }

type stack struct {
	conn       *grpc.ClientConn
	checkout   *checkout.Coordinator
	users      *repository.UserRepository
	restaurant *models.Restaurant
	customer   *models.User
}

func newStack(t *testing.T) *stack {
	t.Helper()
	d := testutil.OpenInMemoryDB(t, t.Name())
	_, rdb := testutil.StartRedis(t)
	ctx := context.Background()
	log := logger.Discard()

	users := repository.NewUserRepository(d)
	customer, err := users.Create(ctx, "kamala", "Kamala Perera", models.RoleCustomer)
	require.NoError(t, err)
	for _, u := range []struct {
		name string
		role models.Role
	}{{"hela", models.RoleRestaurant}, {"nimal", models.RoleDriver}, {"sunil", models.RoleDriver}, {"root", models.RoleAdmin}} {
		_, err := users.Create(ctx, u.name, u.name, u.role)
		require.NoError(t, err)
	}
	restaurants := repository.NewRestaurantRepository(d)
	rs, err := restaurants.Create(ctx, &models.Restaurant{Name: "Hela Bojun", Owner: "hela", Address: "Kandy Rd", Location: models.Coordinate{Lat: 6.91, Lng: 79.86}})
	require.NoError(t, err)

	sagas := saga.NewRecorder(repository.NewSagaRepository(d), log)
	svc := orders.NewService(repository.NewOrderRepository(d), log)
	store := scratch.NewStore(rdb, time.Hour)
	ledger := repository.NewDeliveryRepository(d)
	co := checkout.NewCoordinator(store, stubPayments{}, restaurants, svc, sagas, log, checkout.Settings{
		DeliveryFee: decimal.RequireFromString("300"),
		SuccessURL:  "http://localhost/api/payments/success",
		CancelURL:   "http://localhost/api/payments/cancel",
	})
	ctrl := fulfillment.NewController(svc, restaurants, users, notify.NewBroadcaster(nopPublisher{}, 4, log), sagas, log)
	engine := dispatch.NewEngine(svc, ledger, store, nil, restaurants, users, sagas, log, dispatch.Settings{
		EarnedFee: decimal.RequireFromString("200"),
		Backoff:   time.Millisecond,
	})

	srv := NewServer(testSecret, log, Services{
		Checkout:   &CheckoutServer{Users: users, Checkout: co},
		Restaurant: &RestaurantServer{Users: users, Restaurants: restaurants, Orders: svc, Fulfillment: ctrl},
		Driver:     &DriverServer{Users: users, Engine: engine},
		Admin: &AdminServer{Users: users, Restaurants: restaurants, Orders: svc, Fulfillment: ctrl,
			Sweeper: reconcile.NewSweeper(ledger, svc, sagas, log, time.Hour), Saga: sagas},
	})
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &stack{conn: conn, checkout: co, users: users, restaurant: rs, customer: customer}
}

func (s *stack) as(t *testing.T, name, role string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return testutil.OutgoingBearer(ctx, testutil.GenerateJWTHS256(t, testSecret, name, role))
}

func invoke[Resp any](ctx context.Context, conn *grpc.ClientConn, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestFullFlowOverGRPC(t *testing.T) {
	s := newStack(t)
	customer := s.as(t, "kamala", "customer")
	owner := s.as(t, "hela", "restaurant")
	nimal := s.as(t, "nimal", "driver")
	sunil := s.as(t, "sunil", "driver")
	root := s.as(t, "root", "admin")

	handoff, err := invoke[checkout.Handoff](customer, s.conn, "/"+checkoutService+"/StartCheckout", checkout.Request{
		RestaurantRef:   s.restaurant.Ref,
		Items:           []models.OrderItem{{ItemRef: "kottu", Name: "Chicken Kottu", Quantity: 2, UnitPrice: decimal.RequireFromString("500")}},
		DeliveryAddress: "12 Galle Rd",
		Delivery:        &models.Coordinate{Lat: 6.9271, Lng: 79.8612},
		ContactPhone:    "+94770000000",
		ContactEmail:    "kamala@example.com",
	})
	require.NoError(t, err)
	assert.Contains(t, handoff.RedirectURL, handoff.Draft.Ref)
	assert.Equal(t, "1380.00", handoff.Draft.Total.StringFixed(2))

	// The payment provider redirects back over HTTP.
	o, err := s.checkout.Confirm(context.Background(), s.customer.ID, handoff.Draft.Ref)
	require.NoError(t, err)
	req := OrderRequest{OrderRef: o.Ref}

	accepted, err := invoke[models.Order](owner, s.conn, "/"+restaurantService+"/AcceptOrder", req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPreparing, accepted.Status)

	dispatched, err := invoke[DispatchOrderResponse](owner, s.conn, "/"+restaurantService+"/DispatchOrder", req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReady, dispatched.Order.Status)
	assert.Equal(t, []string{"nimal", "sunil"}, dispatched.Notified.Delivered)

	position := models.Coordinate{Lat: 6.90, Lng: 79.85}
	sess, err := invoke[models.DriverSession](nimal, s.conn, "/"+driverService+"/AcceptDelivery", AcceptDeliveryRequest{OrderRef: o.Ref, Position: position})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAccepted, sess.Phase)

	_, err = invoke[models.DriverSession](sunil, s.conn, "/"+driverService+"/AcceptDelivery", AcceptDeliveryRequest{OrderRef: o.Ref, Position: position})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = invoke[models.DriverSession](nimal, s.conn, "/"+driverService+"/PickupDelivery", PickupDeliveryRequest{})
	require.NoError(t, err)
	done, err := invoke[dispatch.Completion](nimal, s.conn, "/"+driverService+"/CompleteDelivery", Empty{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, done.Order.Status)
	assert.Equal(t, "200.00", done.Delivery.EarnedFee.StringFixed(2))

	sess, err = invoke[models.DriverSession](nimal, s.conn, "/"+driverService+"/GetSession", Empty{})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, sess.Phase)

	list, err := invoke[ListOrdersResponse](root, s.conn, "/"+adminService+"/ListOrders",
		ListOrdersRequest{Statuses: []models.OrderStatus{models.OrderStatusDelivered}})
	require.NoError(t, err)
	require.Len(t, list.Orders, 1)
	assert.Equal(t, o.Ref, list.Orders[0].Ref)

	report, err := invoke[reconcile.Report](root, s.conn, "/"+adminService+"/Reconcile", Empty{})
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
	assert.Empty(t, report.Flagged)

	_, err = invoke[models.Order](root, s.conn, "/"+adminService+"/CancelOrder", req)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "delivered orders cannot be cancelled")
}

func TestAuthorization(t *testing.T) {
	s := newStack(t)

	_, err := invoke[models.DriverSession](context.Background(), s.conn, "/"+driverService+"/GetSession", Empty{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invoke[models.Order](s.as(t, "nimal", "driver"), s.conn, "/"+restaurantService+"/AcceptOrder", OrderRequest{OrderRef: "x"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	// The token claims a role the account does not hold.
	_, err = invoke[ListOrdersResponse](s.as(t, "nimal", "admin"), s.conn, "/"+adminService+"/ListOrders", ListOrdersRequest{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = invoke[models.Order](s.as(t, "hela", "restaurant"), s.conn, "/"+restaurantService+"/AcceptOrder", OrderRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke[checkout.Handoff](s.as(t, "kamala", "customer"), s.conn, "/"+checkoutService+"/StartCheckout", checkout.Request{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke[checkout.Handoff](s.as(t, "kamala", "customer"), s.conn, "/"+checkoutService+"/ResumeCheckout", Empty{})
	assert.Equal(t, codes.NotFound, status.Code(err))

	resp, err := healthpb.NewHealthClient(s.conn).Check(context.Background(), &healthpb.HealthCheckRequest{},
		grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestAdminProvisioning(t *testing.T) {
	s := newStack(t)
	root := s.as(t, "root", "admin")

	u, err := invoke[models.User](root, s.conn, "/"+adminService+"/CreateUser", CreateUserRequest{Username: "ruwan", Role: models.RoleRestaurant})
	require.NoError(t, err)
	assert.Equal(t, models.RoleRestaurant, u.Role)

	_, err = invoke[models.User](root, s.conn, "/"+adminService+"/CreateUser", CreateUserRequest{Username: "ruwan", Role: models.RoleRestaurant})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	_, err = invoke[models.User](root, s.conn, "/"+adminService+"/CreateUser", CreateUserRequest{Username: "x", Role: models.RoleSystem})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	rs, err := invoke[models.Restaurant](root, s.conn, "/"+adminService+"/CreateRestaurant",
		models.Restaurant{Name: "Ruwan's", Owner: "ruwan", Location: models.Coordinate{Lat: 7.29, Lng: 80.63}})
	require.NoError(t, err)
	assert.NotEmpty(t, rs.Ref)

	_, err = invoke[models.Restaurant](root, s.conn, "/"+adminService+"/CreateRestaurant", models.Restaurant{Name: "Nope", Owner: "kamala"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	u, err = invoke[models.User](root, s.conn, "/"+adminService+"/SetUserRole", SetUserRoleRequest{Username: "ruwan", Role: models.RoleDriver})
	require.NoError(t, err)
	assert.Equal(t, models.RoleDriver, u.Role)
	stored, err := s.users.GetByUsername(context.Background(), "ruwan")
	require.NoError(t, err)
	assert.Equal(t, models.RoleDriver, stored.Role)

	_, err = invoke[SagaStepsResponse](root, s.conn, "/"+adminService+"/GetSaga", GetSagaRequest{SagaRef: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
