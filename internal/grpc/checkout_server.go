package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"orderFulfillment/internal/auth"
	"orderFulfillment/internal/checkout"
	"orderFulfillment/models"
)

const checkoutService = "orderfulfillment.v1.CheckoutService"

// CheckoutServer implements CheckoutService for customers.
type CheckoutServer struct {
	Users    auth.UserLookup
	Checkout *checkout.Coordinator
}

type DiscardCheckoutResponse struct {
	Discarded bool `json:"discarded"`
}

// StartCheckout stages the cart and returns the payment redirect.
func (s *CheckoutServer) StartCheckout(ctx context.Context, req *checkout.Request) (*checkout.Handoff, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleCustomer)
	if err != nil {
		return nil, err
	}
	return s.Checkout.Start(ctx, actor, *req)
}

// ResumeCheckout requests a fresh payment session for the staged draft.
func (s *CheckoutServer) ResumeCheckout(ctx context.Context, _ *Empty) (*checkout.Handoff, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleCustomer)
	if err != nil {
		return nil, err
	}
	return s.Checkout.Resume(ctx, actor)
}

// GetPendingCheckout returns the staged draft, if any.
func (s *CheckoutServer) GetPendingCheckout(ctx context.Context, _ *Empty) (*models.OrderDraft, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleCustomer)
	if err != nil {
		return nil, err
	}
	return s.Checkout.Pending(ctx, actor)
}

func (s *CheckoutServer) DiscardCheckout(ctx context.Context, _ *Empty) (*DiscardCheckoutResponse, error) {
	actor, err := auth.RequireActor(ctx, s.Users, models.RoleCustomer)
	if err != nil {
		return nil, err
	}
	if err := s.Checkout.Discard(ctx, actor); err != nil {
		return nil, err
	}
	return &DiscardCheckoutResponse{Discarded: true}, nil
}

func (s *CheckoutServer) register(r grpc.ServiceRegistrar) {
	r.RegisterService(serviceDesc(checkoutService,
		unaryMethod(checkoutService, "StartCheckout", s.StartCheckout),
		unaryMethod(checkoutService, "ResumeCheckout", s.ResumeCheckout),
		unaryMethod(checkoutService, "GetPendingCheckout", s.GetPendingCheckout),
		unaryMethod(checkoutService, "DiscardCheckout", s.DiscardCheckout),
	), s)
}
