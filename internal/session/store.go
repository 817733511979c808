package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-paysync/internal/order"
)

// SnapshotStore persists checkout session snapshots. A snapshot lives in
// exactly one home at a time: the visitor-scoped redis entry before an order
// exists, or the order row afterwards.
type SnapshotStore interface {
	Load(ctx context.Context, scope Scope) (*Snapshot, error)
	Save(ctx context.Context, scope Scope, snap *Snapshot) error
	Clear(ctx context.Context, scope Scope) error
}

// Stores routes snapshot persistence by scope.
type Stores struct {
	rdb    redis.UniversalClient
	orders order.Store
	prefix string
	ttl    time.Duration
}

// NewStores builds the scope-routing snapshot store. The prefix namespaces
// redis keys, the ttl applies to visitor snapshots only; order snapshots live
// as long as the order row.
func NewStores(rdb redis.UniversalClient, orders order.Store, prefix string, ttl time.Duration) *Stores {
	if prefix == "" {
		prefix = "paysync"
	}
	return &Stores{rdb: rdb, orders: orders, prefix: prefix, ttl: ttl}
}

func (s *Stores) visitorKey(visitorID string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, visitorID)
}

func (s *Stores) Load(ctx context.Context, scope Scope) (*Snapshot, error) {
	switch sc := scope.(type) {
	case Anonymous:
		raw, err := s.rdb.Get(ctx, s.visitorKey(sc.VisitorID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return decodeSnapshot(raw)
	case Attached:
		// re-read the row so concurrent synchronizations observe the
		// latest persisted snapshot
		current, err := s.orders.GetByID(ctx, sc.Order.ID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if len(current.SessionSnapshot) == 0 {
			return nil, nil
		}
		return decodeSnapshot(current.SessionSnapshot)
	default:
		return nil, fmt.Errorf("session: unsupported scope %q", scope.scopeKind())
	}
}

func (s *Stores) Save(ctx context.Context, scope Scope, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	switch sc := scope.(type) {
	case Anonymous:
		return s.rdb.Set(ctx, s.visitorKey(sc.VisitorID), raw, s.ttl).Err()
	case Attached:
		return s.orders.SetRemoteSession(ctx, sc.Order.ID, snap.SessionID(), raw)
	default:
		return fmt.Errorf("session: unsupported scope %q", scope.scopeKind())
	}
}

func (s *Stores) Clear(ctx context.Context, scope Scope) error {
	switch sc := scope.(type) {
	case Anonymous:
		return s.rdb.Del(ctx, s.visitorKey(sc.VisitorID)).Err()
	case Attached:
		return s.orders.ClearRemoteSession(ctx, sc.Order.ID)
	default:
		return fmt.Errorf("session: unsupported scope %q", scope.scopeKind())
	}
}

func decodeSnapshot(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("session: decode snapshot: %w", err)
	}
	return &snap, nil
}
