package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderFulfillment/models"
)

// DeliveryRepository stores the driver delivery ledger. Inserting an
// 'assigned' row is the claim on an order: the partial unique indexes on
// deliveries make the first insert win.
type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `id, ref, order_ref, driver_id, customer_name, customer_address, restaurant_ref, restaurant_name, status, order_total, earned_fee, assigned_at, picked_up_at, delivered_at`

// Claim inserts an assigned delivery for d.OrderRef held by d.DriverID.
// It returns ErrAlreadyAssigned when another live delivery exists for the
// order and ErrDriverBusy when the driver already holds one.
func (r *DeliveryRepository) Claim(ctx context.Context, d *models.DeliveryRecord) (*models.DeliveryRecord, error) {
	if d == nil {
		return nil, errors.New("delivery is nil")
	}
	if d.Ref == "" {
		d.Ref = uuid.NewString()
	}
	if d.AssignedAt.IsZero() {
		d.AssignedAt = time.Now().UTC()
	}
	d.Status = models.DeliveryStatusAssigned

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO deliveries (ref, order_ref, driver_id, customer_name, customer_address, restaurant_ref, restaurant_name, status, order_total, earned_fee, assigned_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.Ref, d.OrderRef, d.DriverID, d.CustomerName, d.CustomerAddress, d.RestaurantRef, d.RestaurantName,
		string(d.Status), d.OrderTotal.StringFixed(2), d.EarnedFee.StringFixed(2), d.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			switch col := uniqueColumn(err); {
			case strings.HasSuffix(col, "driver_id"):
				return nil, ErrDriverBusy
			default:
				return nil, ErrAlreadyAssigned
			}
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	d.ID = id
	return d, nil
}

func (r *DeliveryRepository) GetByRef(ctx context.Context, ref string) (*models.DeliveryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return scanDelivery(r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE ref = ?`, ref))
}

// GetActiveByDriver returns the driver's assigned delivery, if any.
func (r *DeliveryRepository) GetActiveByDriver(ctx context.Context, driverID int64) (*models.DeliveryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return scanDelivery(r.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE driver_id = ? AND status = 'assigned'`, driverID))
}

// GetLiveByOrder returns the assigned or delivered record holding the order's claim.
func (r *DeliveryRepository) GetLiveByOrder(ctx context.Context, orderRef string) (*models.DeliveryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return scanDelivery(r.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE order_ref = ? AND status IN ('assigned', 'delivered')`, orderRef))
}

// MarkPickedUp stamps the pickup time once; later calls keep the first value.
func (r *DeliveryRepository) MarkPickedUp(ctx context.Context, ref string, driverID int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE deliveries SET picked_up_at = COALESCE(picked_up_at, ?) WHERE ref = ? AND driver_id = ? AND status = 'assigned'`,
		at.UTC(), ref, driverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delivery %s is not assigned to driver %d", ref, driverID)
	}
	return nil
}

// Close marks the delivery delivered. Closing an already delivered record
// held by the same driver succeeds without changes.
func (r *DeliveryRepository) Close(ctx context.Context, ref string, driverID int64, earnedFee decimal.Decimal, at time.Time) (*models.DeliveryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	at = at.UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'delivered', earned_fee = ?, picked_up_at = COALESCE(picked_up_at, ?), delivered_at = ?
WHERE ref = ? AND driver_id = ? AND status = 'assigned'`,
		earnedFee.StringFixed(2), at, at, ref, driverID)
	if err != nil {
		return nil, err
	}
	d, err := scanDelivery(r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE ref = ?`, ref))
	if err != nil {
		return nil, err
	}
	if d == nil || d.DriverID != driverID || d.Status != models.DeliveryStatusDelivered {
		return nil, fmt.Errorf("delivery %s cannot be closed by driver %d", ref, driverID)
	}
	return d, nil
}

// Release abandons an assigned delivery, freeing both the order and the driver.
func (r *DeliveryRepository) Release(ctx context.Context, ref string, driverID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'abandoned' WHERE ref = ? AND driver_id = ? AND status = 'assigned'`, ref, driverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByDriver returns a driver's delivery history, newest first.
func (r *DeliveryRepository) ListByDriver(ctx context.Context, driverID int64, limit int) ([]models.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE driver_id = ? ORDER BY id DESC LIMIT ?`, driverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveryRows(rows)
}

// Divergence is a delivered record whose order has not reached delivered.
type Divergence struct {
	Delivery    models.DeliveryRecord
	OrderStatus models.OrderStatus
}

// ListDivergent returns delivered records whose order status differs from
// delivered, oldest first.
func (r *DeliveryRepository) ListDivergent(ctx context.Context, limit int) ([]Divergence, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT d.id, d.ref, d.order_ref, d.driver_id, d.customer_name, d.customer_address, d.restaurant_ref, d.restaurant_name,
d.status, d.order_total, d.earned_fee, d.assigned_at, d.picked_up_at, d.delivered_at, o.status
FROM deliveries d JOIN orders o ON o.ref = d.order_ref
WHERE d.status = 'delivered' AND o.status <> 'delivered'
ORDER BY d.delivered_at, d.id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Divergence
	for rows.Next() {
		var dv Divergence
		var orderStatus string
		if err := scanDeliveryInto(rows, &dv.Delivery, &orderStatus); err != nil {
			return nil, err
		}
		dv.OrderStatus = models.OrderStatus(orderStatus)
		out = append(out, dv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanDelivery(row rowScanner) (*models.DeliveryRecord, error) {
	var d models.DeliveryRecord
	if err := scanDeliveryInto(row, &d); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func scanDeliveryInto(row rowScanner, d *models.DeliveryRecord, extra ...any) error {
	var status string
	var pickedUp, delivered sql.NullTime
	dest := []any{&d.ID, &d.Ref, &d.OrderRef, &d.DriverID, &d.CustomerName, &d.CustomerAddress, &d.RestaurantRef,
		&d.RestaurantName, &status, &d.OrderTotal, &d.EarnedFee, &d.AssignedAt, &pickedUp, &delivered}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	d.Status = models.DeliveryStatus(status)
	if pickedUp.Valid {
		t := pickedUp.Time
		d.PickedUpAt = &t
	}
	if delivered.Valid {
		t := delivered.Time
		d.DeliveredAt = &t
	}
	return nil
}

func scanDeliveryRows(rows *sql.Rows) ([]models.DeliveryRecord, error) {
	var out []models.DeliveryRecord
	for rows.Next() {
		var d models.DeliveryRecord
		if err := scanDeliveryInto(rows, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
