package orderstatus

import (
	"errors"
	"testing"

	"orderFulfillment/models"
)

func TestNext_ForwardPath(t *testing.T) {
	steps := []struct {
		from, to models.OrderStatus
		role     models.Role
	}{
		{models.OrderStatusPending, models.OrderStatusPreparing, models.RoleRestaurant},
		{models.OrderStatusPreparing, models.OrderStatusReady, models.RoleRestaurant},
		{models.OrderStatusReady, models.OrderStatusDelivered, models.RoleDriver},
	}
	for _, s := range steps {
		noop, err := Next(s.from, s.to, s.role)
		if err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", s.from, s.to, err)
		}
		if noop {
			t.Fatalf("%s -> %s: unexpected noop", s.from, s.to)
		}
	}
}

func TestNext_SameTargetIsNoop(t *testing.T) {
	noop, err := Next(models.OrderStatusReady, models.OrderStatusReady, models.RoleRestaurant)
	if err != nil || !noop {
		t.Fatalf("expected noop, got noop=%v err=%v", noop, err)
	}
	noop, err = Next(models.OrderStatusDelivered, models.OrderStatusDelivered, models.RoleDriver)
	if err != nil || !noop {
		t.Fatalf("re-delivering should be a noop, got noop=%v err=%v", noop, err)
	}
}

func TestNext_RejectsNonAdjacent(t *testing.T) {
	cases := []struct {
		from, to models.OrderStatus
		role     models.Role
	}{
		{models.OrderStatusPending, models.OrderStatusReady, models.RoleRestaurant},
		{models.OrderStatusPending, models.OrderStatusDelivered, models.RoleDriver},
		{models.OrderStatusPreparing, models.OrderStatusDelivered, models.RoleDriver},
		{models.OrderStatusReady, models.OrderStatusPreparing, models.RoleRestaurant},
	}
	for _, c := range cases {
		_, err := Next(c.from, c.to, c.role)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: want ErrInvalidTransition, got %v", c.from, c.to, err)
		}
	}
}

func TestNext_TerminalStates(t *testing.T) {
	if _, err := Next(models.OrderStatusDelivered, models.OrderStatusCancelled, models.RoleAdmin); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("want ErrTerminalState, got %v", err)
	}
	if _, err := Next(models.OrderStatusCancelled, models.OrderStatusPreparing, models.RoleRestaurant); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("want ErrTerminalState, got %v", err)
	}
}

func TestNext_CancelFromAnyOpenState(t *testing.T) {
	for _, from := range []models.OrderStatus{models.OrderStatusPending, models.OrderStatusPreparing, models.OrderStatusReady} {
		if _, err := Next(from, models.OrderStatusCancelled, models.RoleAdmin); err != nil {
			t.Errorf("cancel from %s: %v", from, err)
		}
	}
}

func TestNext_Authority(t *testing.T) {
	if _, err := Next(models.OrderStatusPending, models.OrderStatusPreparing, models.RoleDriver); !errors.Is(err, ErrForbidden) {
		t.Fatalf("driver accepting for kitchen: want ErrForbidden, got %v", err)
	}
	if _, err := Next(models.OrderStatusReady, models.OrderStatusCancelled, models.RoleRestaurant); !errors.Is(err, ErrForbidden) {
		t.Fatalf("restaurant cancelling: want ErrForbidden, got %v", err)
	}
	if _, err := Next(models.OrderStatusReady, models.OrderStatusDelivered, models.RoleSystem); err != nil {
		t.Fatalf("reconciler delivering: %v", err)
	}
}

func TestSourcesAndPrevious(t *testing.T) {
	if got := Sources(models.OrderStatusCancelled); len(got) != 3 {
		t.Fatalf("cancelled sources = %v", got)
	}
	prev, ok := Previous(models.OrderStatusDelivered)
	if !ok || prev != models.OrderStatusReady {
		t.Fatalf("Previous(delivered) = %v, %v", prev, ok)
	}
	if _, ok := Previous(models.OrderStatusCancelled); ok {
		t.Fatalf("cancelled has no single predecessor")
	}
}

// Every walk through the machine observes a subsequence of the forward path,
// optionally ending in cancelled.
func TestObservedSequences(t *testing.T) {
	roleFor := map[models.OrderStatus]models.Role{
		models.OrderStatusPreparing: models.RoleRestaurant,
		models.OrderStatusReady:     models.RoleRestaurant,
		models.OrderStatusDelivered: models.RoleDriver,
		models.OrderStatusCancelled: models.RoleAdmin,
	}
	all := []models.OrderStatus{models.OrderStatusPending, models.OrderStatusPreparing, models.OrderStatusReady, models.OrderStatusDelivered, models.OrderStatusCancelled}
	rank := map[models.OrderStatus]int{models.OrderStatusPending: 0, models.OrderStatusPreparing: 1, models.OrderStatusReady: 2, models.OrderStatusDelivered: 3}
	for _, from := range all {
		for _, to := range all {
			if to == models.OrderStatusPending {
				continue
			}
			noop, err := Next(from, to, roleFor[to])
			if err != nil || noop {
				continue
			}
			if to == models.OrderStatusCancelled {
				if from.Terminal() {
					t.Errorf("cancel accepted from terminal %s", from)
				}
				continue
			}
			if rank[to] != rank[from]+1 {
				t.Errorf("accepted non-forward step %s -> %s", from, to)
			}
		}
	}
}
