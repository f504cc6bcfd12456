package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryStatus is the state of a delivery record in the driver ledger.
type DeliveryStatus string

const (
	DeliveryStatusAssigned  DeliveryStatus = "assigned"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusAbandoned DeliveryStatus = "abandoned"
)

// DeliveryRecord is a denormalized snapshot of one delivery. It is owned by
// the delivery engine and is never the source of truth for order status.
type DeliveryRecord struct {
	ID              int64           `db:"id" json:"-"`
	Ref             string          `db:"ref" json:"ref"`
	OrderRef        string          `db:"order_ref" json:"order_ref"`
	DriverID        int64           `db:"driver_id" json:"driver_id"`
	CustomerName    string          `db:"customer_name" json:"customer_name"`
	CustomerAddress string          `db:"customer_address" json:"customer_address"`
	RestaurantRef   string          `db:"restaurant_ref" json:"restaurant_ref"`
	RestaurantName  string          `db:"restaurant_name" json:"restaurant_name"`
	Status          DeliveryStatus  `db:"status" json:"status"`
	OrderTotal      decimal.Decimal `db:"order_total" json:"order_total"`
	EarnedFee       decimal.Decimal `db:"earned_fee" json:"earned_fee"`
	AssignedAt      time.Time       `db:"assigned_at" json:"assigned_at"`
	PickedUpAt      *time.Time      `db:"picked_up_at" json:"picked_up_at,omitempty"`
	DeliveredAt     *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
}
