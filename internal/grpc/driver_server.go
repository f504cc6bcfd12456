package grpcserver

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderFulfillment/internal/auth"
	"orderFulfillment/internal/dispatch"
	"orderFulfillment/models"
)

const driverService = "orderfulfillment.v1.DriverService"

// DriverServer implements DriverService. Every call acts on the calling
// driver's own session.
type DriverServer struct {
	Users  auth.UserLookup
	Engine *dispatch.Engine
}

type AcceptDeliveryRequest struct {
	OrderRef string            `json:"order_ref"`
	Position models.Coordinate `json:"position"`
}

type PickupDeliveryRequest struct {
	Position *models.Coordinate `json:"position,omitempty"`
}

type HeartbeatRequest struct {
	Position models.Coordinate `json:"position"`
}

type ListDeliveriesRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListDeliveriesResponse struct {
	Deliveries []models.DeliveryRecord `json:"deliveries"`
}

func (s *DriverServer) driver(ctx context.Context) (models.Actor, error) {
	return auth.RequireActor(ctx, s.Users, models.RoleDriver)
}

// AcceptDelivery claims a ready order.
func (s *DriverServer) AcceptDelivery(ctx context.Context, req *AcceptDeliveryRequest) (*models.DriverSession, error) {
	actor, err := s.driver(ctx)
	if err != nil {
		return nil, err
	}
	ref := strings.TrimSpace(req.OrderRef)
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "order_ref is required")
	}
	return s.Engine.Accept(ctx, actor, ref, req.Position)
}

func (s *DriverServer) PickupDelivery(ctx context.Context, req *PickupDeliveryRequest) (*models.DriverSession, error) {
	actor, err := s.driver(ctx)
	if err != nil {
		return nil, err
	}
	return s.Engine.Pickup(ctx, actor, req.Position)
}

// CompleteDelivery closes the delivery and marks the order delivered. On
// Aborted the delivery is recorded and the call should be repeated.
func (s *DriverServer) CompleteDelivery(ctx context.Context, _ *Empty) (*dispatch.Completion, error) {
	actor, err := s.driver(ctx)
	if err != nil {
		return nil, err
	}
	return s.Engine.Complete(ctx, actor)
}

func (s *DriverServer) AbandonDelivery(ctx context.Context, _ *Empty) (*models.DriverSession, error) {
	actor, err := s.driver(ctx)
	if err != nil {
		return nil, err
	}
	return s.Engine.Abandon(ctx, actor)
}

func (s *DriverServer) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*models.DriverSession, error) {
	actor, err := s.driver(ctx)
	if err != nil {
		return nil, err
	}
	return s.Engine.Heartbeat(ctx, actor, req.Position)
}

func (s *DriverServer) GetSession(ctx context.Context, _ *Empty) (*models.DriverSession, error) {
	actor, err := s.driver(ctx)
	if err != nil {
		return nil, err
	}
	return s.Engine.Session(ctx, actor)
}

// ListDeliveries returns the driver's delivery history, newest first.
func (s *DriverServer) ListDeliveries(ctx context.Context, req *ListDeliveriesRequest) (*ListDeliveriesResponse, error) {
	actor, err := s.driver(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.Engine.History(ctx, actor, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListDeliveriesResponse{Deliveries: list}, nil
}

func (s *DriverServer) register(r grpc.ServiceRegistrar) {
	r.RegisterService(serviceDesc(driverService,
		unaryMethod(driverService, "AcceptDelivery", s.AcceptDelivery),
		unaryMethod(driverService, "PickupDelivery", s.PickupDelivery),
		unaryMethod(driverService, "CompleteDelivery", s.CompleteDelivery),
		unaryMethod(driverService, "AbandonDelivery", s.AbandonDelivery),
		unaryMethod(driverService, "Heartbeat", s.Heartbeat),
		unaryMethod(driverService, "GetSession", s.GetSession),
		unaryMethod(driverService, "ListDeliveries", s.ListDeliveries),
	), s)
}
