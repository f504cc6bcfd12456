package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderFulfillment/internal/testutil"
	"orderFulfillment/models"
)

func newTestOrder(customerID int64, restaurantRef string) *models.Order {
	return &models.Order{
		Ref:             uuid.NewString(),
		DraftRef:        uuid.NewString(),
		CustomerID:      customerID,
		RestaurantRef:   restaurantRef,
		Items:           []models.OrderItem{{ItemRef: "kottu", Name: "Chicken Kottu", Quantity: 2, UnitPrice: decimal.RequireFromString("500")}},
		DeliveryAddress: "12 Galle Rd",
		Delivery:        models.Coordinate{Lat: 6.9271, Lng: 79.8612},
		ContactPhone:    "+94770000000",
		ContactEmail:    "c@example.com",
		DeliveryFee:     decimal.RequireFromString("300"),
		Subtotal:        decimal.RequireFromString("1000"),
		Tax:             decimal.RequireFromString("80"),
		Total:           decimal.RequireFromString("1380"),
		Currency:        "LKR",
	}
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "orderrepo")
	repo := NewOrderRepository(d)
	ctx := context.Background()

	in := newTestOrder(7, "r-1")
	o, err := repo.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID == 0 || o.Status != models.OrderStatusPending {
		t.Fatalf("unexpected created order: %+v", o)
	}

	got, err := repo.GetByRef(ctx, o.Ref)
	if err != nil || got == nil {
		t.Fatalf("get by ref: %v %+v", err, got)
	}
	if !got.Total.Equal(decimal.RequireFromString("1380")) || got.Tax.StringFixed(2) != "80.00" {
		t.Fatalf("money round trip: total=%s tax=%s", got.Total, got.Tax)
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != 2 || got.Delivery.Lat != 6.9271 {
		t.Fatalf("payload round trip: %+v", got)
	}

	byDraft, err := repo.GetByDraftRef(ctx, in.DraftRef)
	if err != nil || byDraft == nil || byDraft.Ref != o.Ref {
		t.Fatalf("get by draft: %v %+v", err, byDraft)
	}

	missing, err := repo.GetByRef(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing order should be (nil, nil), got %v %+v", err, missing)
	}
}

func TestOrderRepository_CreateDuplicateDraft(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "orderdup")
	repo := NewOrderRepository(d)
	ctx := context.Background()

	first := newTestOrder(1, "r-1")
	if _, err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := newTestOrder(1, "r-1")
	second.DraftRef = first.DraftRef
	if _, err := repo.Create(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestOrderRepository_UpdateStatusIf(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "orderstatus")
	repo := NewOrderRepository(d)
	ctx := context.Background()

	o, err := repo.Create(ctx, newTestOrder(1, "r-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	changed, err := repo.UpdateStatusIf(ctx, o.Ref, []models.OrderStatus{models.OrderStatusPreparing}, models.OrderStatusReady)
	if err != nil || changed {
		t.Fatalf("guard should reject pending->ready: changed=%v err=%v", changed, err)
	}
	changed, err = repo.UpdateStatusIf(ctx, o.Ref, []models.OrderStatus{models.OrderStatusPending}, models.OrderStatusPreparing)
	if err != nil || !changed {
		t.Fatalf("pending->preparing: changed=%v err=%v", changed, err)
	}
	got, _ := repo.GetByRef(ctx, o.Ref)
	if got.Status != models.OrderStatusPreparing {
		t.Fatalf("status not updated: %s", got.Status)
	}
}

func TestOrderRepository_PricingImmutable(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "orderimmutable")
	repo := NewOrderRepository(d)
	ctx := context.Background()

	o, err := repo.Create(ctx, newTestOrder(1, "r-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.ExecContext(ctx, `UPDATE orders SET total = '1.00' WHERE ref = ?`, o.Ref); err == nil {
		t.Fatalf("expected trigger to reject pricing update")
	}
}

func TestOrderRepository_ListFiltersAndPaging(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "orderlist")
	repo := NewOrderRepository(d)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := newTestOrder(int64(1+i%2), "r-a")
		if i == 4 {
			o.RestaurantRef = "r-b"
		}
		o.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if _, err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	all, err := repo.List(ctx, ListOrdersParams{RestaurantRef: "r-a"})
	if err != nil || len(all) != 4 {
		t.Fatalf("list by restaurant: %v len=%d", err, len(all))
	}
	if all[0].ID < all[1].ID {
		t.Fatalf("expected newest first")
	}

	customer := int64(1)
	mine, err := repo.List(ctx, ListOrdersParams{CustomerID: &customer})
	if err != nil || len(mine) != 3 {
		t.Fatalf("list by customer: %v len=%d", err, len(mine))
	}

	from := base.Add(time.Hour)
	to := base.Add(3 * time.Hour)
	window, err := repo.List(ctx, ListOrdersParams{CreatedFrom: &from, CreatedTo: &to})
	if err != nil || len(window) != 3 {
		t.Fatalf("list by date range: %v len=%d", err, len(window))
	}

	page1, err := repo.List(ctx, ListOrdersParams{PageSize: 2})
	if err != nil || len(page1) != 2 {
		t.Fatalf("page1: %v len=%d", err, len(page1))
	}
	page2, err := repo.List(ctx, ListOrdersParams{PageSize: 2, AfterID: page1[1].ID})
	if err != nil || len(page2) != 2 || page2[0].ID >= page1[1].ID {
		t.Fatalf("page2: %v %+v", err, page2)
	}

	none, err := repo.List(ctx, ListOrdersParams{Statuses: []models.OrderStatus{models.OrderStatusDelivered}})
	if err != nil || len(none) != 0 {
		t.Fatalf("list by status: %v len=%d", err, len(none))
	}

	statuses, err := repo.ListStatusByRefs(ctx, []string{page1[0].Ref, "missing"})
	if err != nil || len(statuses) != 1 || statuses[page1[0].Ref] != models.OrderStatusPending {
		t.Fatalf("status by refs: %v %+v", err, statuses)
	}
}

func TestOrderRepository_UpdateStatusIfDBError(t *testing.T) {
	d, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer d.Close()

	mock.ExpectExec("UPDATE orders SET status").WillReturnError(errors.New("disk I/O error"))
	repo := NewOrderRepository(d)
	changed, err := repo.UpdateStatusIf(context.Background(), "o-1", []models.OrderStatus{models.OrderStatusReady}, models.OrderStatusDelivered)
	if err == nil || changed {
		t.Fatalf("expected error to propagate, changed=%v err=%v", changed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOrderRepository_GetByRefScanError(t *testing.T) {
	d, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer d.Close()

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE ref").
		WillReturnError(errors.New("database is locked"))
	repo := NewOrderRepository(d)
	if o, err := repo.GetByRef(context.Background(), "o-1"); err == nil || o != nil {
		t.Fatalf("expected error, got %v %+v", err, o)
	}
}
