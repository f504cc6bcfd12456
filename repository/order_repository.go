package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderFulfillment/models"
)

// OrderRepository is the order service's storage. Status changes go through
// UpdateStatusIf only; pricing columns are never updated.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, ref, draft_ref, customer_id, restaurant_ref, items, delivery_address, delivery_lat, delivery_lng, contact_phone, contact_email, delivery_fee, subtotal, tax, total, currency, status, payment_ref, created_at, updated_at`

// Create inserts a new order. Status defaults to 'pending'. A second insert
// for the same draft returns ErrDuplicate.
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) (*models.Order, error) {
	if o == nil {
		return nil, errors.New("order is nil")
	}
	if o.Status == "" {
		o.Status = models.OrderStatusPending
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO orders (ref, draft_ref, customer_id, restaurant_ref, items, delivery_address, delivery_lat, delivery_lng, contact_phone, contact_email, delivery_fee, subtotal, tax, total, currency, status, payment_ref, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.Ref, o.DraftRef, o.CustomerID, o.RestaurantRef, string(items), o.DeliveryAddress, o.Delivery.Lat, o.Delivery.Lng,
		o.ContactPhone, o.ContactEmail, o.DeliveryFee.StringFixed(2), o.Subtotal.StringFixed(2), o.Tax.StringFixed(2), o.Total.StringFixed(2),
		o.Currency, string(o.Status), o.PaymentRef, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("order for draft %s: %w", o.DraftRef, ErrDuplicate)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	o.ID = id
	return o, nil
}

// GetByRef fetches an order by its public reference.
func (r *OrderRepository) GetByRef(ctx context.Context, ref string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE ref = ?`, ref))
}

// GetByDraftRef fetches the order materialized from the given draft.
func (r *OrderRepository) GetByDraftRef(ctx context.Context, draftRef string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE draft_ref = ?`, draftRef))
}

// UpdateStatusIf moves an order to status `to` only if its current status is
// one of `from`. It reports whether a row changed.
func (r *OrderRepository) UpdateStatusIf(ctx context.Context, ref string, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("no source statuses")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	placeholders := make([]string, len(from))
	args := []any{string(to), time.Now().UTC(), ref}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE ref = ? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o, err := scanOrderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func scanOrderRow(row rowScanner) (*models.Order, error) {
	var o models.Order
	var items, status string
	if err := row.Scan(&o.ID, &o.Ref, &o.DraftRef, &o.CustomerID, &o.RestaurantRef, &items, &o.DeliveryAddress,
		&o.Delivery.Lat, &o.Delivery.Lng, &o.ContactPhone, &o.ContactEmail, &o.DeliveryFee, &o.Subtotal, &o.Tax, &o.Total,
		&o.Currency, &status, &o.PaymentRef, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", o.Ref, err)
	}
	o.Status = models.OrderStatus(status)
	return &o, nil
}
