package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ChangeChannel is the Postgres notification channel raised after a
// raw-to-master transform. The payload is "<tenant>:<entity>".
const ChangeChannel = "fieldsync_master_changed"

// NotifyMasterChanged raises a change notification. It is a no-op on SQLite.
func (s *Store) NotifyMasterChanged(ctx context.Context, tenantID, entity string) error {
	if s.dialect != Postgres {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, tenantID+":"+entity); err != nil {
		return fmt.Errorf("notify master changed: %w", err)
	}
	return nil
}

// ListenMasterChanges subscribes to change notifications. The returned
// channel is closed when ctx ends. On SQLite it returns a nil channel,
// which blocks forever in a select.
//
// Notifications are coalesced: a slow reader sees at least one payload
// after a burst, not every payload.
func (s *Store) ListenMasterChanges(ctx context.Context) (<-chan string, error) {
	if s.dialect != Postgres {
		return nil, nil
	}

	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Warn("change listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(ChangeChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer listener.Close()

		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil after a reconnect; deliver a wakeup anyway
				payload := ""
				if n != nil {
					payload = n.Extra
				}
				select {
				case out <- payload:
				default:
				}
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					s.log.Warn("change listener ping failed", "error", err)
				}
			}
		}
	}()
	return out, nil
}
