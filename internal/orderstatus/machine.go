// Package orderstatus holds the order status state machine. It performs no
// I/O; callers apply its decisions through conditional writes.
package orderstatus

import (
	"errors"
	"fmt"

	"orderFulfillment/models"
)

var (
	// ErrInvalidTransition is returned for a target that is not adjacent to
	// the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminalState is returned for any write to a delivered or cancelled order.
	ErrTerminalState = errors.New("order is in a terminal state")
	// ErrForbidden is returned when the actor's role is not the authority
	// for the requested transition.
	ErrForbidden = errors.New("actor may not perform this transition")
	// ErrUnknownStatus is returned for a status outside the model.
	ErrUnknownStatus = errors.New("unknown order status")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From models.OrderStatus
	To   models.OrderStatus
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

var adjacent = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:   {models.OrderStatusPreparing, models.OrderStatusCancelled},
	models.OrderStatusPreparing: {models.OrderStatusReady, models.OrderStatusCancelled},
	models.OrderStatusReady:     {models.OrderStatusDelivered, models.OrderStatusCancelled},
}

// authority lists, for each target status, the roles allowed to move an
// order into it.
var authority = map[models.OrderStatus][]models.Role{
	models.OrderStatusPreparing: {models.RoleRestaurant},
	models.OrderStatusReady:     {models.RoleRestaurant},
	models.OrderStatusDelivered: {models.RoleDriver, models.RoleSystem},
	models.OrderStatusCancelled: {models.RoleAdmin},
}

// Previous returns the only status from which target can be reached by a
// forward step. Cancelled has several predecessors and returns false.
func Previous(target models.OrderStatus) (models.OrderStatus, bool) {
	switch target {
	case models.OrderStatusPreparing:
		return models.OrderStatusPending, true
	case models.OrderStatusReady:
		return models.OrderStatusPreparing, true
	case models.OrderStatusDelivered:
		return models.OrderStatusReady, true
	}
	return "", false
}

// Allowed reports whether role is the authority for moving an order to target.
func Allowed(role models.Role, target models.OrderStatus) bool {
	for _, r := range authority[target] {
		if r == role {
			return true
		}
	}
	return false
}

// Next validates moving an order from its current status to target on
// behalf of role. A request whose target equals the current status succeeds
// with noop set, so retried calls are harmless.
func Next(from, to models.OrderStatus, role models.Role) (noop bool, err error) {
	if !from.Valid() || !to.Valid() {
		return false, &TransitionError{From: from, To: to, Err: ErrUnknownStatus}
	}
	if !Allowed(role, to) {
		return false, &TransitionError{From: from, To: to, Err: ErrForbidden}
	}
	if from == to {
		return true, nil
	}
	if from.Terminal() {
		return false, &TransitionError{From: from, To: to, Err: ErrTerminalState}
	}
	for _, next := range adjacent[from] {
		if next == to {
			return false, nil
		}
	}
	return false, &TransitionError{From: from, To: to, Err: ErrInvalidTransition}
}

// Sources returns every status from which to is one step away. Used to
// build conditional updates.
func Sources(to models.OrderStatus) []models.OrderStatus {
	var out []models.OrderStatus
	for _, from := range []models.OrderStatus{models.OrderStatusPending, models.OrderStatusPreparing, models.OrderStatusReady} {
		for _, next := range adjacent[from] {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}
