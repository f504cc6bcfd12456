package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderFulfillment/models"
)

type RestaurantRepository struct {
	db *sql.DB
}

func NewRestaurantRepository(db *sql.DB) *RestaurantRepository {
	return &RestaurantRepository{db: db}
}

// Create inserts a restaurant, assigning a ref when none is set.
func (r *RestaurantRepository) Create(ctx context.Context, rs *models.Restaurant) (*models.Restaurant, error) {
	if rs == nil {
		return nil, errors.New("restaurant is nil")
	}
	if rs.Ref == "" {
		rs.Ref = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO restaurants (ref, name, owner, address, lat, lng) VALUES (?, ?, ?, ?, ?, ?)`,
		rs.Ref, rs.Name, rs.Owner, rs.Address, rs.Location.Lat, rs.Location.Lng)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("restaurant %s: %w", rs.Ref, ErrDuplicate)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	rs.ID = id
	return rs, nil
}

func (r *RestaurantRepository) GetByRef(ctx context.Context, ref string) (*models.Restaurant, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var rs models.Restaurant
	err := r.db.QueryRowContext(ctx, `SELECT id, ref, name, owner, address, lat, lng FROM restaurants WHERE ref = ?`, ref).
		Scan(&rs.ID, &rs.Ref, &rs.Name, &rs.Owner, &rs.Address, &rs.Location.Lat, &rs.Location.Lng)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rs, nil
}

// ListByOwner returns the restaurants managed by the given username.
func (r *RestaurantRepository) ListByOwner(ctx context.Context, owner string) ([]models.Restaurant, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT id, ref, name, owner, address, lat, lng FROM restaurants WHERE owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Restaurant
	for rows.Next() {
		var rs models.Restaurant
		if err := rows.Scan(&rs.ID, &rs.Ref, &rs.Name, &rs.Owner, &rs.Address, &rs.Location.Lat, &rs.Location.Lng); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
