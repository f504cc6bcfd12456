package grpcserver

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderFulfillment/internal/auth"
	"orderFulfillment/internal/fulfillment"
	"orderFulfillment/internal/notify"
	"orderFulfillment/internal/orders"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

const restaurantService = "orderfulfillment.v1.RestaurantService"

// RestaurantServer implements RestaurantService for restaurant owners.
type RestaurantServer struct {
	Users       auth.UserLookup
	Restaurants repository.RestaurantRepositoryI
	Orders      *orders.Service
	Fulfillment *fulfillment.Controller
}

type OrderRequest struct {
	OrderRef string `json:"order_ref"`
}

type DispatchOrderResponse struct {
	Order    *models.Order `json:"order"`
	Notified notify.Report `json:"notified"`
}

type ListRestaurantOrdersRequest struct {
	RestaurantRef string               `json:"restaurant_ref"`
	Statuses      []models.OrderStatus `json:"statuses,omitempty"`
	PageSize      int                  `json:"page_size,omitempty"`
	PageToken     string               `json:"page_token,omitempty"`
}

type ListOrdersResponse struct {
	Orders        []models.Order `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (r *OrderRequest) ref() (string, error) {
	ref := strings.TrimSpace(r.OrderRef)
	if ref == "" {
		return "", status.Error(codes.InvalidArgument, "order_ref is required")
	}
	return ref, nil
}

// AcceptOrder moves a pending order to preparing.
func (s *RestaurantServer) AcceptOrder(ctx context.Context, req *OrderRequest) (*models.Order, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleRestaurant)
	if err != nil {
		return nil, err
	}
	ref, err := req.ref()
	if err != nil {
		return nil, err
	}
	return s.Fulfillment.Accept(ctx, actor, ref)
}

// DispatchOrder marks the order ready and notifies drivers.
func (s *RestaurantServer) DispatchOrder(ctx context.Context, req *OrderRequest) (*DispatchOrderResponse, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleRestaurant)
	if err != nil {
		return nil, err
	}
	ref, err := req.ref()
	if err != nil {
		return nil, err
	}
	o, report, err := s.Fulfillment.Dispatch(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	return &DispatchOrderResponse{Order: o, Notified: report}, nil
}

// RebroadcastOrder notifies drivers again about a ready order.
func (s *RestaurantServer) RebroadcastOrder(ctx context.Context, req *OrderRequest) (*notify.Report, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleRestaurant)
	if err != nil {
		return nil, err
	}
	ref, err := req.ref()
	if err != nil {
		return nil, err
	}
	report, err := s.Fulfillment.Rebroadcast(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListRestaurantOrders lists orders of a restaurant the caller owns.
func (s *RestaurantServer) ListRestaurantOrders(ctx context.Context, req *ListRestaurantOrdersRequest) (*ListOrdersResponse, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleRestaurant)
	if err != nil {
		return nil, err
	}
	rs, err := s.Restaurants.GetByRef(ctx, req.RestaurantRef)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get restaurant: %v", err)
	}
	if rs == nil {
		return nil, status.Error(codes.NotFound, "restaurant not found")
	}
	if rs.Owner != actor.Username {
		return nil, fulfillment.ErrNotOwner
	}
	list, next, err := s.Orders.Page(ctx, repository.ListOrdersParams{
		RestaurantRef: rs.Ref,
		Statuses:      req.Statuses,
		PageSize:      req.PageSize,
	}, req.PageToken)
	if err != nil {
		return nil, err
	}
	return &ListOrdersResponse{Orders: list, NextPageToken: next}, nil
}

func (s *RestaurantServer) register(r grpc.ServiceRegistrar) {
	r.RegisterService(serviceDesc(restaurantService,
		unaryMethod(restaurantService, "AcceptOrder", s.AcceptOrder),
		unaryMethod(restaurantService, "DispatchOrder", s.DispatchOrder),
		unaryMethod(restaurantService, "RebroadcastOrder", s.RebroadcastOrder),
		unaryMethod(restaurantService, "ListRestaurantOrders", s.ListRestaurantOrders),
	), s)
}
