// Package fulfillment is the restaurant side of an order: accept, mark
// ready, and tell drivers about it.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/notify"
	"orderFulfillment/internal/saga"
	"orderFulfillment/models"
)

const (
	StepMarkReady = "mark_ready"
	StepBroadcast = "broadcast"
)

var (
	// ErrNotOwner is returned when a restaurant account acts on another restaurant's order.
	ErrNotOwner = errors.New("order belongs to another restaurant")
	// ErrNotReady is returned when rebroadcasting an order that is not ready.
	ErrNotReady = errors.New("order is not ready for pickup")
	// ErrNoDrivers is recorded when nobody is registered to receive a broadcast.
	ErrNoDrivers = errors.New("no registered drivers")
)

type OrderService interface {
	Get(ctx context.Context, ref string) (*models.Order, error)
	Transition(ctx context.Context, actor models.Actor, ref string, target models.OrderStatus) (*models.Order, error)
}

type RestaurantLookup interface {
	GetByRef(ctx context.Context, ref string) (*models.Restaurant, error)
}

type DriverDirectory interface {
	ListByRole(ctx context.Context, role models.Role) ([]models.User, error)
}

type Notifier interface {
	Broadcast(ctx context.Context, s notify.Summary, recipients []string) notify.Report
}

type Controller struct {
	orders      OrderService
	restaurants RestaurantLookup
	drivers     DriverDirectory
	notifier    Notifier
	saga        *saga.Recorder
	log         *logger.Logger
}

func NewController(orders OrderService, restaurants RestaurantLookup, drivers DriverDirectory, notifier Notifier,
	rec *saga.Recorder, log *logger.Logger) *Controller {
	return &Controller{orders: orders, restaurants: restaurants, drivers: drivers, notifier: notifier, saga: rec, log: log}
}

// Accept moves a pending order to preparing.
func (c *Controller) Accept(ctx context.Context, actor models.Actor, ref string) (*models.Order, error) {
	if _, _, err := c.load(ctx, actor, ref); err != nil {
		return nil, err
	}
	return c.orders.Transition(ctx, actor, ref, models.OrderStatusPreparing)
}

// Dispatch marks the order ready and broadcasts it to drivers. A failed
// broadcast is logged and recorded but never undoes ready.
func (c *Controller) Dispatch(ctx context.Context, actor models.Actor, ref string) (*models.Order, notify.Report, error) {
	_, rs, err := c.load(ctx, actor, ref)
	if err != nil {
		return nil, notify.Report{}, err
	}
	o, err := c.orders.Transition(ctx, actor, ref, models.OrderStatusReady)
	if err != nil {
		return nil, notify.Report{}, err
	}
	s := c.saga.Start(models.SagaDispatch, o.Ref)
	s.Done(ctx, StepMarkReady, actor.Username)
	return o, c.broadcast(ctx, s, o, rs), nil
}

// Rebroadcast repeats the driver notification for a ready order.
func (c *Controller) Rebroadcast(ctx context.Context, actor models.Actor, ref string) (notify.Report, error) {
	o, rs, err := c.load(ctx, actor, ref)
	if err != nil {
		return notify.Report{}, err
	}
	if o.Status != models.OrderStatusReady {
		return notify.Report{}, fmt.Errorf("%s is %s: %w", ref, o.Status, ErrNotReady)
	}
	return c.broadcast(ctx, c.saga.Start(models.SagaDispatch, o.Ref), o, rs), nil
}

// Cancel cancels a non-terminal order. Only admins hold that authority.
func (c *Controller) Cancel(ctx context.Context, actor models.Actor, ref string) (*models.Order, error) {
	o, err := c.orders.Transition(ctx, actor, ref, models.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}
	c.log.Info("order_cancelled", ref, "order cancelled", slog.String("actor", actor.Username))
	return o, nil
}

// load fetches the order and its restaurant and checks that a restaurant
// actor owns it. Other roles are left to the status machine's authority rules.
func (c *Controller) load(ctx context.Context, actor models.Actor, ref string) (*models.Order, *models.Restaurant, error) {
	o, err := c.orders.Get(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	rs, err := c.restaurants.GetByRef(ctx, o.RestaurantRef)
	if err != nil {
		return nil, nil, err
	}
	if rs == nil {
		return nil, nil, fmt.Errorf("restaurant %s of order %s not found", o.RestaurantRef, ref)
	}
	if actor.Role == models.RoleRestaurant && rs.Owner != actor.Username {
		return nil, nil, ErrNotOwner
	}
	return o, rs, nil
}

func (c *Controller) broadcast(ctx context.Context, s *saga.Saga, o *models.Order, rs *models.Restaurant) notify.Report {
	drivers, err := c.drivers.ListByRole(ctx, models.RoleDriver)
	if err != nil {
		s.Fail(ctx, StepBroadcast, fmt.Errorf("list drivers: %w", err))
		return notify.Report{}
	}
	if len(drivers) == 0 {
		s.Fail(ctx, StepBroadcast, ErrNoDrivers)
		return notify.Report{}
	}
	recipients := make([]string, 0, len(drivers))
	for _, d := range drivers {
		recipients = append(recipients, d.Username)
	}

	report := c.notifier.Broadcast(ctx, notify.Summary{
		OrderRef:          o.Ref,
		RestaurantRef:     rs.Ref,
		RestaurantName:    rs.Name,
		RestaurantAddress: rs.Address,
		Pickup:            rs.Location,
		DeliveryAddress:   o.DeliveryAddress,
		Dropoff:           o.Delivery,
		Total:             o.Total,
		Currency:          o.Currency,
		ReadyAt:           time.Now().UTC(),
	}, recipients)

	if len(report.Failed) > 0 {
		failed := make([]string, 0, len(report.Failed))
		for r := range report.Failed {
			failed = append(failed, r)
		}
		sort.Strings(failed)
		s.Fail(ctx, StepBroadcast, fmt.Errorf("%d of %d recipients failed: %s",
			len(failed), len(recipients), strings.Join(failed, ",")))
	} else {
		s.Done(ctx, StepBroadcast, fmt.Sprintf("%d recipients", len(report.Delivered)))
	}
	c.log.Info("broadcast", o.Ref, "ready order broadcast",
		slog.Int("delivered", len(report.Delivered)), slog.Int("failed", len(report.Failed)))
	return report
}
