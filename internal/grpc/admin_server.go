package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderFulfillment/internal/auth"
	"orderFulfillment/internal/fulfillment"
	"orderFulfillment/internal/orders"
	"orderFulfillment/internal/reconcile"
	"orderFulfillment/internal/saga"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

const adminService = "orderfulfillment.v1.AdminService"

// AdminServer implements AdminService: account provisioning, order
// oversight and the repair tools.
type AdminServer struct {
	Users       repository.UserRepositoryI
	Restaurants repository.RestaurantRepositoryI
	Orders      *orders.Service
	Fulfillment *fulfillment.Controller
	Sweeper     *reconcile.Sweeper
	Saga        *saga.Recorder
}

type ListOrdersRequest struct {
	RestaurantRef string               `json:"restaurant_ref,omitempty"`
	CustomerID    *int64               `json:"customer_id,omitempty"`
	Statuses      []models.OrderStatus `json:"statuses,omitempty"`
	CreatedFrom   *time.Time           `json:"created_from,omitempty"`
	CreatedTo     *time.Time           `json:"created_to,omitempty"`
	PageSize      int                  `json:"page_size,omitempty"`
	PageToken     string               `json:"page_token,omitempty"`
}

type ListSagaFailuresRequest struct {
	Since *time.Time `json:"since,omitempty"` // default: last 24 hours
	Limit int        `json:"limit,omitempty"`
}

type SagaStepsResponse struct {
	Steps []models.SagaStep `json:"steps"`
}

type GetSagaRequest struct {
	SagaRef string `json:"saga_ref"`
}

type CreateUserRequest struct {
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
}

type SetUserRoleRequest struct {
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

func (s *AdminServer) admin(ctx context.Context) (models.Actor, error) {
	return auth.RequireActor(ctx, s.Users, models.RoleAdmin)
}

func validRole(r models.Role) bool {
	switch r {
	case models.RoleCustomer, models.RoleRestaurant, models.RoleDriver, models.RoleAdmin:
		return true
	}
	return false
}

// CancelOrder cancels any non-terminal order.
func (s *AdminServer) CancelOrder(ctx context.Context, req *OrderRequest) (*models.Order, error) {
	actor, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	ref, err := req.ref()
	if err != nil {
		return nil, err
	}
	return s.Fulfillment.Cancel(ctx, actor, ref)
}

// ListOrders lists orders with optional filters and cursor pagination.
func (s *AdminServer) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	list, next, err := s.Orders.Page(ctx, repository.ListOrdersParams{
		RestaurantRef: strings.TrimSpace(req.RestaurantRef),
		CustomerID:    req.CustomerID,
		Statuses:      req.Statuses,
		CreatedFrom:   req.CreatedFrom,
		CreatedTo:     req.CreatedTo,
		PageSize:      req.PageSize,
	}, req.PageToken)
	if err != nil {
		return nil, err
	}
	return &ListOrdersResponse{Orders: list, NextPageToken: next}, nil
}

// Reconcile runs one sweep immediately.
func (s *AdminServer) Reconcile(ctx context.Context, _ *Empty) (*reconcile.Report, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	report, err := s.Sweeper.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *AdminServer) ListSagaFailures(ctx context.Context, req *ListSagaFailuresRequest) (*SagaStepsResponse, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	since := time.Now().Add(-24 * time.Hour)
	if req.Since != nil {
		since = *req.Since
	}
	steps, err := s.Saga.Failures(ctx, since, req.Limit)
	if err != nil {
		return nil, err
	}
	return &SagaStepsResponse{Steps: steps}, nil
}

func (s *AdminServer) GetSaga(ctx context.Context, req *GetSagaRequest) (*SagaStepsResponse, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SagaRef) == "" {
		return nil, status.Error(codes.InvalidArgument, "saga_ref is required")
	}
	steps, err := s.Saga.Steps(ctx, req.SagaRef)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, status.Error(codes.NotFound, "saga not found")
	}
	return &SagaStepsResponse{Steps: steps}, nil
}

// CreateUser provisions an account.
func (s *AdminServer) CreateUser(ctx context.Context, req *CreateUserRequest) (*models.User, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Username)
	if name == "" || !validRole(req.Role) {
		return nil, status.Error(codes.InvalidArgument, "username and a valid role are required")
	}
	u, err := s.Users.Create(ctx, name, strings.TrimSpace(req.DisplayName), req.Role)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, status.Error(codes.AlreadyExists, "username taken")
		}
		return nil, status.Errorf(codes.Internal, "create user: %v", err)
	}
	return u, nil
}

func (s *AdminServer) SetUserRole(ctx context.Context, req *SetUserRoleRequest) (*models.User, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	if !validRole(req.Role) {
		return nil, status.Error(codes.InvalidArgument, "invalid role")
	}
	u, err := s.Users.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get user: %v", err)
	}
	if u == nil {
		return nil, status.Error(codes.NotFound, "user not found")
	}
	if err := s.Users.UpdateRoleByUsername(ctx, u.Username, req.Role); err != nil {
		return nil, status.Errorf(codes.Internal, "update role: %v", err)
	}
	u.Role = req.Role
	return u, nil
}

// CreateRestaurant registers a venue owned by an existing restaurant account.
func (s *AdminServer) CreateRestaurant(ctx context.Context, req *models.Restaurant) (*models.Restaurant, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Owner) == "" {
		return nil, status.Error(codes.InvalidArgument, "name and owner are required")
	}
	owner, err := s.Users.GetByUsername(ctx, req.Owner)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get owner: %v", err)
	}
	if owner == nil || owner.Role != models.RoleRestaurant {
		return nil, status.Error(codes.FailedPrecondition, "owner must be a restaurant account")
	}
	rs, err := s.Restaurants.Create(ctx, req)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, status.Error(codes.AlreadyExists, "restaurant exists")
		}
		return nil, status.Errorf(codes.Internal, "create restaurant: %v", err)
	}
	return rs, nil
}

func (s *AdminServer) register(r grpc.ServiceRegistrar) {
	r.RegisterService(serviceDesc(adminService,
		unaryMethod(adminService, "CancelOrder", s.CancelOrder),
		unaryMethod(adminService, "ListOrders", s.ListOrders),
		unaryMethod(adminService, "Reconcile", s.Reconcile),
		unaryMethod(adminService, "ListSagaFailures", s.ListSagaFailures),
		unaryMethod(adminService, "GetSaga", s.GetSaga),
		unaryMethod(adminService, "CreateUser", s.CreateUser),
		unaryMethod(adminService, "SetUserRole", s.SetUserRole),
		unaryMethod(adminService, "CreateRestaurant", s.CreateRestaurant),
	), s)
}
