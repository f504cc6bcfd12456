package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the current progress of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusReady, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// OrderItem is one line of an order. UnitPrice is in the order currency.
type OrderItem struct {
	ItemRef   string          `json:"item_ref"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is the authoritative order record. Ref is the public identifier;
// ID is only the storage row id.
type Order struct {
	ID              int64           `db:"id" json:"-"`
	Ref             string          `db:"ref" json:"ref"`
	DraftRef        string          `db:"draft_ref" json:"draft_ref"`
	CustomerID      int64           `db:"customer_id" json:"customer_id"`
	RestaurantRef   string          `db:"restaurant_ref" json:"restaurant_ref"`
	Items           []OrderItem     `db:"items" json:"items"`
	DeliveryAddress string          `db:"delivery_address" json:"delivery_address"`
	Delivery        Coordinate      `json:"delivery"`
	ContactPhone    string          `db:"contact_phone" json:"contact_phone"`
	ContactEmail    string          `db:"contact_email" json:"contact_email"`
	DeliveryFee     decimal.Decimal `db:"delivery_fee" json:"delivery_fee"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	Tax             decimal.Decimal `db:"tax" json:"tax"`
	Total           decimal.Decimal `db:"total" json:"total"`
	Currency        string          `db:"currency" json:"currency"`
	Status          OrderStatus     `db:"status" json:"status"`
	PaymentRef      string          `db:"payment_ref" json:"payment_ref,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderDraft is an order payload staged in scratch storage while the
// customer is at the payment provider. It becomes an Order only after
// payment is confirmed.
type OrderDraft struct {
	Ref             string          `json:"ref"`
	CustomerID      int64           `json:"customer_id"`
	RestaurantRef   string          `json:"restaurant_ref"`
	Items           []OrderItem     `json:"items"`
	DeliveryAddress string          `json:"delivery_address"`
	Delivery        Coordinate      `json:"delivery"`
	ContactPhone    string          `json:"contact_phone"`
	ContactEmail    string          `json:"contact_email"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency"`
	SagaRef         string          `json:"saga_ref"`
	PaymentSession  string          `json:"payment_session,omitempty"` // provider session id once requested
	CreatedAt       time.Time       `json:"created_at"`
}
