package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"orderFulfillment/models"
)

// UserRepositoryI defines operations on User entities.
type UserRepositoryI interface {
	Create(ctx context.Context, username, displayName string, role models.Role) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	ListByRole(ctx context.Context, role models.Role) ([]models.User, error)
	UpdateRoleByUsername(ctx context.Context, username string, role models.Role) error
}

// RestaurantRepositoryI defines operations on Restaurant entities.
type RestaurantRepositoryI interface {
	Create(ctx context.Context, rs *models.Restaurant) (*models.Restaurant, error)
	GetByRef(ctx context.Context, ref string) (*models.Restaurant, error)
	ListByOwner(ctx context.Context, owner string) ([]models.Restaurant, error)
}

// OrderRepositoryI defines operations on Order entities.
type OrderRepositoryI interface {
	Create(ctx context.Context, o *models.Order) (*models.Order, error)
	GetByRef(ctx context.Context, ref string) (*models.Order, error)
	GetByDraftRef(ctx context.Context, draftRef string) (*models.Order, error)
	UpdateStatusIf(ctx context.Context, ref string, from []models.OrderStatus, to models.OrderStatus) (bool, error)
	List(ctx context.Context, p ListOrdersParams) ([]models.Order, error)
	ListStatusByRefs(ctx context.Context, refs []string) (map[string]models.OrderStatus, error)
}

// DeliveryRepositoryI defines operations on the delivery ledger.
type DeliveryRepositoryI interface {
	Claim(ctx context.Context, d *models.DeliveryRecord) (*models.DeliveryRecord, error)
	GetByRef(ctx context.Context, ref string) (*models.DeliveryRecord, error)
	GetActiveByDriver(ctx context.Context, driverID int64) (*models.DeliveryRecord, error)
	GetLiveByOrder(ctx context.Context, orderRef string) (*models.DeliveryRecord, error)
	MarkPickedUp(ctx context.Context, ref string, driverID int64, at time.Time) error
	Close(ctx context.Context, ref string, driverID int64, earnedFee decimal.Decimal, at time.Time) (*models.DeliveryRecord, error)
	Release(ctx context.Context, ref string, driverID int64) (bool, error)
	ListByDriver(ctx context.Context, driverID int64, limit int) ([]models.DeliveryRecord, error)
	ListDivergent(ctx context.Context, limit int) ([]Divergence, error)
}

// SagaRepositoryI defines operations on the saga log.
type SagaRepositoryI interface {
	Append(ctx context.Context, s *models.SagaStep) error
	ListBySaga(ctx context.Context, sagaRef string) ([]models.SagaStep, error)
	ListBySubject(ctx context.Context, subject string) ([]models.SagaStep, error)
	ListFailed(ctx context.Context, since time.Time, limit int) ([]models.SagaStep, error)
	ListStalled(ctx context.Context, kind models.SagaKind, step string, cutoff time.Time) ([]models.SagaStep, error)
}

var (
	_ UserRepositoryI       = (*UserRepository)(nil)
	_ RestaurantRepositoryI = (*RestaurantRepository)(nil)
	_ OrderRepositoryI      = (*OrderRepository)(nil)
	_ DeliveryRepositoryI   = (*DeliveryRepository)(nil)
	_ SagaRepositoryI       = (*SagaRepository)(nil)
)
