// Package scratch holds short-lived state in Redis: checkout drafts waiting
// for payment and per-driver delivery sessions.
package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"orderFulfillment/models"
)

// DefaultDraftTTL bounds how long an unpaid draft is kept.
const DefaultDraftTTL = 24 * time.Hour

type Store struct {
	Client   *redis.Client
	DraftTTL time.Duration
}

func NewStore(client *redis.Client, draftTTL time.Duration) *Store {
	if draftTTL <= 0 {
		draftTTL = DefaultDraftTTL
	}
	return &Store{Client: client, DraftTTL: draftTTL}
}

func (s *Store) DraftKey(customerID int64) string {
	return "pending_order:" + strconv.FormatInt(customerID, 10)
}

func (s *Store) SessionKey(driverID int64) string {
	return "active_delivery:" + strconv.FormatInt(driverID, 10)
}

// SaveDraft stages d for its customer, replacing any previous draft.
func (s *Store) SaveDraft(ctx context.Context, d *models.OrderDraft) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	return s.Client.Set(ctx, s.DraftKey(d.CustomerID), payload, s.DraftTTL).Err()
}

// StageDraft stages d unless the customer already holds a draft with a
// payment session. That draft may be paid and not yet materialized, so it is
// returned untouched and nothing is written. A draft that never reached the
// provider is replaced.
func (s *Store) StageDraft(ctx context.Context, d *models.OrderDraft) (*models.OrderDraft, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	key := s.DraftKey(d.CustomerID)
	for attempt := 0; attempt < 3; attempt++ {
		var held *models.OrderDraft
		err = s.Client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				var cur models.OrderDraft
				if err := json.Unmarshal(raw, &cur); err != nil {
					return fmt.Errorf("decode draft for customer %d: %w", d.CustomerID, err)
				}
				if cur.PaymentSession != "" {
					held = &cur
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, payload, s.DraftTTL)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return held, err
	}
	return nil, fmt.Errorf("stage draft for customer %d: %w", d.CustomerID, err)
}

// GetDraft returns the customer's staged draft, or nil when none exists.
func (s *Store) GetDraft(ctx context.Context, customerID int64) (*models.OrderDraft, error) {
	raw, err := s.Client.Get(ctx, s.DraftKey(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d models.OrderDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode draft for customer %d: %w", customerID, err)
	}
	return &d, nil
}

// DeleteDraft removes the customer's draft only while it is still draftRef,
// so a newer draft staged in the meantime survives. It reports whether a
// draft was removed.
func (s *Store) DeleteDraft(ctx context.Context, customerID int64, draftRef string) (bool, error) {
	key := s.DraftKey(customerID)
	deleted := false
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var d models.OrderDraft
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decode draft for customer %d: %w", customerID, err)
		}
		if draftRef != "" && d.Ref != draftRef {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		deleted = err == nil
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return deleted, err
}

// GetSession returns the driver's session, or nil when none exists.
func (s *Store) GetSession(ctx context.Context, driverID int64) (*models.DriverSession, error) {
	raw, err := s.Client.Get(ctx, s.SessionKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess models.DriverSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session for driver %d: %w", driverID, err)
	}
	return &sess, nil
}

// SaveSession writes the driver's session. Sessions do not expire.
func (s *Store) SaveSession(ctx context.Context, sess *models.DriverSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.Client.Set(ctx, s.SessionKey(sess.DriverID), payload, 0).Err()
}

func (s *Store) DeleteSession(ctx context.Context, driverID int64) error {
	return s.Client.Del(ctx, s.SessionKey(driverID)).Err()
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}
