package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"orderFulfillment/models"
)

// ListOrdersParams represents filters and pagination for List.
// Nil or empty fields do not filter.
type ListOrdersParams struct {
	RestaurantRef string
	CustomerID    *int64
	Statuses      []models.OrderStatus
	CreatedFrom   *time.Time // inclusive
	CreatedTo     *time.Time // inclusive
	PageSize      int
	AfterID       int64 // keyset cursor: rows with id < AfterID
}

// List returns orders matching filters, newest first, with keyset pagination by id.
func (r *OrderRepository) List(ctx context.Context, p ListOrdersParams) ([]models.Order, error) {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var where []string
	var args []any

	if p.RestaurantRef != "" {
		where = append(where, "restaurant_ref = ?")
		args = append(args, p.RestaurantRef)
	}
	if p.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, *p.CustomerID)
	}
	if len(p.Statuses) > 0 {
		placeholders := make([]string, len(p.Statuses))
		for i, s := range p.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if p.CreatedFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, p.CreatedFrom.UTC())
	}
	if p.CreatedTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, p.CreatedTo.UTC())
	}
	if p.AfterID > 0 {
		where = append(where, "id < ?")
		args = append(args, p.AfterID)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, p.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

// ListStatusByRefs returns the current status of each known ref.
func (r *OrderRepository) ListStatusByRefs(ctx context.Context, refs []string) (map[string]models.OrderStatus, error) {
	out := make(map[string]models.OrderStatus, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	placeholders := make([]string, len(refs))
	args := make([]any, len(refs))
	for i, ref := range refs {
		placeholders[i] = "?"
		args[i] = ref
	}
	rows, err := r.db.QueryContext(ctx, `SELECT ref, status FROM orders WHERE ref IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref, status string
		if err := rows.Scan(&ref, &status); err != nil {
			return nil, err
		}
		out[ref] = models.OrderStatus(status)
	}
	return out, rows.Err()
}

func scanOrderRows(rows *sql.Rows) ([]models.Order, error) {
	var out []models.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
