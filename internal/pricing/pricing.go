// Package pricing derives order totals from line items.
package pricing

import (
	"errors"
	"fmt"

	"orderFulfillment/models"

	"github.com/shopspring/decimal"
)

var (
	// TaxRate is applied to the subtotal at order creation.
	TaxRate = decimal.RequireFromString("0.08")
	// DefaultDeliveryFee is used when configuration does not override it.
	DefaultDeliveryFee = decimal.RequireFromString("300.00")
)

// ErrInvalidItem is returned for a line with quantity below one or a negative price.
var ErrInvalidItem = errors.New("invalid line item")

// Breakdown is the computed price of an order. All values are rounded to two
// decimal places and must be persisted as-is; displays read them back rather
// than recomputing.
type Breakdown struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Total       decimal.Decimal `json:"total"`
}

// Calculate prices items with the given delivery fee.
func Calculate(items []models.OrderItem, deliveryFee decimal.Decimal) (Breakdown, error) {
	if deliveryFee.IsNegative() {
		return Breakdown{}, fmt.Errorf("delivery fee %s: %w", deliveryFee, ErrInvalidItem)
	}
	subtotal := decimal.Zero
	for i, it := range items {
		if it.Quantity < 1 {
			return Breakdown{}, fmt.Errorf("items[%d] quantity %d: %w", i, it.Quantity, ErrInvalidItem)
		}
		if it.UnitPrice.IsNegative() {
			return Breakdown{}, fmt.Errorf("items[%d] unit price %s: %w", i, it.UnitPrice, ErrInvalidItem)
		}
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	subtotal = subtotal.Round(2)
	fee := deliveryFee.Round(2)
	tax := subtotal.Mul(TaxRate).Round(2)
	return Breakdown{
		Subtotal:    subtotal,
		Tax:         tax,
		DeliveryFee: fee,
		Total:       subtotal.Add(fee).Add(tax),
	}, nil
}

// Consistent reports whether total == subtotal + fee + tax.
func (b Breakdown) Consistent() bool {
	return b.Subtotal.Add(b.DeliveryFee).Add(b.Tax).Equal(b.Total)
}
