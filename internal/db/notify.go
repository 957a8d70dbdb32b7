package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Notifier publishes escalation events over Postgres LISTEN/NOTIFY so the
// clinician review dashboard learns about turns that need human attention
// without polling.
type Notifier struct {
	DB      *sql.DB
	Channel string
	connStr string
}

// Escalation is the payload delivered to listeners.
type Escalation struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Reason    string    `json:"reason"` // "emergency", "low_confidence", "degraded", ...
	At        time.Time `json:"at"`
}

// NewNotifier constructs a Notifier. connStr is the same DSN used for the
// main pool; listeners need their own connection.
func NewNotifier(db *sql.DB, connStr, channel string) *Notifier {
	return &Notifier{DB: db, Channel: channel, connStr: connStr}
}

// Notify publishes one escalation event. Failures here must not fail the
// turn, so callers treat the returned error as best-effort.
func (n *Notifier) Notify(ctx context.Context, e Escalation) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode escalation: %w", err)
	}
	_, err = n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, string(payload))
	return err
}

// Listen yields escalation events as they arrive on the channel until the
// context is cancelled. The listener connection is closed on return.
func (n *Notifier) Listen(ctx context.Context) (<-chan Escalation, error) {
	listener := pq.NewListener(n.connStr, time.Second, time.Minute, nil)
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", n.Channel, err)
	}

	ch := make(chan Escalation)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case note, ok := <-listener.Notify:
				if !ok {
					return
				}
				if note == nil {
					// Reconnect marker; nothing to deliver.
					continue
				}
				var e Escalation
				if err := json.Unmarshal([]byte(note.Extra), &e); err != nil {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
