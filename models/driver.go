package models

import "time"

// Phase is the driver-side progress through one delivery.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseAccepted Phase = "accepted"  // going to restaurant
	PhasePickedUp Phase = "picked_up" // going to customer
)

// DriverSession is the ephemeral per-driver state. It lives in scratch
// storage, not in the database.
type DriverSession struct {
	DriverID    int64        `json:"driver_id"`
	Position    *Coordinate  `json:"position,omitempty"`
	OrderRef    string       `json:"order_ref,omitempty"`
	DeliveryRef string       `json:"delivery_ref,omitempty"`
	Phase       Phase        `json:"phase"`
	Target      *Coordinate  `json:"target,omitempty"` // restaurant while accepted, customer once picked up
	Route       []Coordinate `json:"route,omitempty"`
	RouteKm     float64      `json:"route_km,omitempty"`
	RemainingKm float64      `json:"remaining_km,omitempty"` // straight-line distance to Target
	AcceptedAt  *time.Time   `json:"accepted_at,omitempty"`
	PickedUpAt  *time.Time   `json:"picked_up_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Active reports whether the driver currently holds an order.
func (s *DriverSession) Active() bool {
	return s != nil && s.OrderRef != ""
}

// Reset returns the session to idle, keeping only identity and position.
func (s *DriverSession) Reset(now time.Time) {
	s.OrderRef = ""
	s.DeliveryRef = ""
	s.Phase = PhaseIdle
	s.Target = nil
	s.Route = nil
	s.RouteKm = 0
	s.RemainingKm = 0
	s.AcceptedAt = nil
	s.PickedUpAt = nil
	s.UpdatedAt = now
}
