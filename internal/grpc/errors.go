package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderFulfillment/internal/checkout"
	"orderFulfillment/internal/dispatch"
	"orderFulfillment/internal/fulfillment"
	"orderFulfillment/internal/geo"
	"orderFulfillment/internal/orders"
	"orderFulfillment/internal/orderstatus"
)

// toStatus maps domain errors to gRPC codes. Errors that already carry a
// status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled

	case errors.Is(err, checkout.ErrIncompletePayload),
		errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, orders.ErrInvalidFilter),
		errors.Is(err, orderstatus.ErrUnknownStatus):
		return codes.InvalidArgument

	case errors.Is(err, orders.ErrNotFound),
		errors.Is(err, checkout.ErrNoPendingDraft),
		errors.Is(err, checkout.ErrUnknownRestaurant):
		return codes.NotFound

	case errors.Is(err, orderstatus.ErrForbidden),
		errors.Is(err, checkout.ErrForbidden),
		errors.Is(err, fulfillment.ErrNotOwner),
		errors.Is(err, dispatch.ErrNotDriver):
		return codes.PermissionDenied

	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		return codes.AlreadyExists

	case errors.Is(err, orderstatus.ErrInvalidTransition),
		errors.Is(err, orderstatus.ErrTerminalState),
		errors.Is(err, fulfillment.ErrNotReady),
		errors.Is(err, fulfillment.ErrNoDrivers),
		errors.Is(err, dispatch.ErrSessionBusy),
		errors.Is(err, dispatch.ErrDriverBusy),
		errors.Is(err, dispatch.ErrNoActiveDelivery),
		errors.Is(err, dispatch.ErrWrongPhase),
		errors.Is(err, dispatch.ErrOrderNotReady),
		errors.Is(err, checkout.ErrDraftPending),
		errors.Is(err, checkout.ErrPaymentNotConfirmed):
		return codes.FailedPrecondition

	// Both are safe to retry.
	case errors.Is(err, orders.ErrConflict),
		errors.Is(err, dispatch.ErrPartialCompletion):
		return codes.Aborted
	case errors.Is(err, checkout.ErrPaymentUnavailable):
		return codes.Unavailable
	}
	return codes.Internal
}
