// Package httpapi serves the browser-facing endpoints: payment returns,
// order lookups and geocoding.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"orderFulfillment/internal/auth"
	"orderFulfillment/internal/checkout"
	"orderFulfillment/internal/geo"
	"orderFulfillment/internal/geocode"
	"orderFulfillment/internal/logger"
	"orderFulfillment/internal/orders"
	"orderFulfillment/internal/orderstatus"
	"orderFulfillment/models"
	"orderFulfillment/repository"
)

// PaymentReturns completes or abandons a checkout when the provider sends the
// customer back.
type PaymentReturns interface {
	Confirm(ctx context.Context, customerID int64, draftRef string) (*models.Order, error)
	Cancelled(ctx context.Context, customerID int64) (*models.OrderDraft, error)
}

type OrderReader interface {
	Get(ctx context.Context, ref string) (*models.Order, error)
	Page(ctx context.Context, p repository.ListOrdersParams, pageToken string) ([]models.Order, string, error)
}

type Geocoder interface {
	Search(ctx context.Context, query string, limit int) ([]geocode.Place, error)
	Reverse(ctx context.Context, at models.Coordinate) (geocode.Place, error)
}

type RestaurantLookup interface {
	GetByRef(ctx context.Context, ref string) (*models.Restaurant, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	Payments    PaymentReturns
	Orders      OrderReader
	Restaurants RestaurantLookup
	Geocoder    Geocoder
	Users       auth.UserLookup
	Secret      string
	Checks      map[string]Pinger
	Log         *logger.Logger
}

type ordersPage struct {
	Orders        []models.Order `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/api/payments/success", h.paymentSuccess).Methods(http.MethodGet)
	r.HandleFunc("/api/payments/cancel", h.paymentCancel).Methods(http.MethodGet)
	r.HandleFunc("/api/orders", h.authed(h.listOrders)).Methods(http.MethodGet)
	r.HandleFunc("/api/orders/{ref}", h.authed(h.getOrder)).Methods(http.MethodGet)
	r.HandleFunc("/api/geocode/search", h.geocodeSearch).Methods(http.MethodGet)
	r.HandleFunc("/api/geocode/reverse", h.geocodeReverse).Methods(http.MethodGet)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	out := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, p := range h.Checks {
		if err := p.Ping(ctx); err != nil {
			out[name] = err.Error()
			out["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, code, out)
}

func (h *Handler) paymentSuccess(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerParam(w, r)
	if !ok {
		return
	}
	draftRef := strings.TrimSpace(r.URL.Query().Get("draft"))
	if draftRef == "" {
		writeError(w, http.StatusBadRequest, "draft is required")
		return
	}
	o, err := h.Payments.Confirm(r.Context(), customerID, draftRef)
	if err != nil {
		h.fail(w, "payment_success", draftRef, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// paymentCancel leaves the draft staged so the customer can retry payment.
func (h *Handler) paymentCancel(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerParam(w, r)
	if !ok {
		return
	}
	draft, err := h.Payments.Cancelled(r.Context(), customerID)
	if err != nil {
		h.fail(w, "payment_cancel", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "payment_cancelled", "draft": draft})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	q := r.URL.Query()
	p := repository.ListOrdersParams{RestaurantRef: strings.TrimSpace(q.Get("restaurant"))}
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				p.Statuses = append(p.Statuses, models.OrderStatus(st))
			}
		}
	}
	var err error
	if p.CreatedFrom, err = timeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	if p.CreatedTo, err = timeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC3339")
		return
	}
	if v := q.Get("page_size"); v != "" {
		if p.PageSize, err = strconv.Atoi(v); err != nil || p.PageSize < 0 {
			writeError(w, http.StatusBadRequest, "page_size must be a positive integer")
			return
		}
	}

	switch actor.Role {
	case models.RoleCustomer:
		id := actor.UserID
		p.CustomerID = &id
	case models.RoleRestaurant:
		if p.RestaurantRef == "" {
			writeError(w, http.StatusBadRequest, "restaurant is required")
			return
		}
		if !h.owns(w, r, actor, p.RestaurantRef) {
			return
		}
	case models.RoleAdmin:
		if v := q.Get("customer"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "customer must be an id")
				return
			}
			p.CustomerID = &id
		}
	default:
		writeError(w, http.StatusForbidden, "role cannot list orders")
		return
	}

	list, next, err := h.Orders.Page(r.Context(), p, q.Get("page_token"))
	if err != nil {
		h.fail(w, "list_orders", "", err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}
	writeJSON(w, http.StatusOK, ordersPage{Orders: list, NextPageToken: next})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	ref := mux.Vars(r)["ref"]
	o, err := h.Orders.Get(r.Context(), ref)
	if err != nil {
		h.fail(w, "get_order", ref, err)
		return
	}
	switch actor.Role {
	case models.RoleCustomer:
		if o.CustomerID != actor.UserID {
			// Not revealing that the order exists.
			writeError(w, http.StatusNotFound, orders.ErrNotFound.Error())
			return
		}
	case models.RoleRestaurant:
		if !h.owns(w, r, actor, o.RestaurantRef) {
			return
		}
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) geocodeSearch(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	places, err := h.Geocoder.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.fail(w, "geocode_search", "", err)
		return
	}
	writeJSON(w, http.StatusOK, places)
}

func (h *Handler) geocodeReverse(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	at := models.Coordinate{Lat: lat, Lng: lng}
	if err := geo.ValidateCoordinate(at); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	place, err := h.Geocoder.Reverse(r.Context(), at)
	if err != nil {
		h.fail(w, "geocode_reverse", "", err)
		return
	}
	writeJSON(w, http.StatusOK, place)
}

// authed resolves the bearer token into an actor before calling next.
func (h *Handler) authed(next func(http.ResponseWriter, *http.Request, models.Actor)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.ParseBearer(r.Header.Get("Authorization"), h.Secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		u, err := h.Users.GetByUsername(r.Context(), p.Name)
		if err != nil {
			h.fail(w, "auth", "", err)
			return
		}
		if u == nil || u.Role != models.Role(p.Role) {
			writeError(w, http.StatusForbidden, "token does not match an account")
			return
		}
		next(w, r, models.Actor{UserID: u.ID, Username: u.Username, Role: u.Role})
	}
}

func (h *Handler) owns(w http.ResponseWriter, r *http.Request, actor models.Actor, restaurantRef string) bool {
	rs, err := h.Restaurants.GetByRef(r.Context(), restaurantRef)
	if err != nil {
		h.fail(w, "restaurant_lookup", restaurantRef, err)
		return false
	}
	if rs == nil || rs.Owner != actor.Username {
		writeError(w, http.StatusForbidden, "restaurant belongs to another account")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, action, ref string, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.Log.Error(action, ref, "request failed", err, slog.Int("status", code))
	} else {
		h.Log.Debug(action, ref, "request rejected", slog.String("error", err.Error()), slog.Int("status", code))
	}
	writeError(w, code, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, orders.ErrNotFound),
		errors.Is(err, checkout.ErrNoPendingDraft),
		errors.Is(err, geocode.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired
	case errors.Is(err, checkout.ErrIncompletePayload),
		errors.Is(err, orders.ErrInvalidFilter),
		errors.Is(err, orderstatus.ErrUnknownStatus),
		errors.Is(err, geocode.ErrEmptyQuery),
		errors.Is(err, geo.ErrInvalidCoordinate):
		return http.StatusBadRequest
	case errors.Is(err, geocode.ErrUnavailable),
		errors.Is(err, checkout.ErrPaymentUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func customerParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("customer"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "customer is required")
		return 0, false
	}
	return id, true
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
