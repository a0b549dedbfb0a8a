package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Channels the SSE broker relays. AppendEvent publishes each new ledger entry
// on ChannelEvents; RecordGamification publishes each coach message on ChannelCoach.
const (
	ChannelEvents = "kiai_events"
	ChannelCoach  = "kiai_coach"
)

// NotifyChannels lists every channel the store publishes on.
var NotifyChannels = []string{ChannelEvents, ChannelCoach}

// maxNotifyPayload stays under Postgres's 8000-byte pg_notify limit.
const maxNotifyPayload = 7900

// notifyPayload renders v for pg_notify. Observation text is unbounded, so
// when v does not fit, ref (a small identifying record) is sent instead and
// listeners fetch the row through the API.
func notifyPayload(v, ref any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: marshal notify payload: %w", err)
	}
	if len(data) <= maxNotifyPayload {
		return string(data), nil
	}
	data, err = json.Marshal(ref)
	if err != nil {
		return "", fmt.Errorf("storage: marshal notify ref: %w", err)
	}
	return string(data), nil
}

// notifyTx queues a notification inside tx; Postgres delivers it on commit
// and drops it on rollback.
func notifyTx(ctx context.Context, tx pgx.Tx, channel string, v, ref any) error {
	payload, err := notifyPayload(v, ref)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// Listen subscribes the dedicated notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes outside any transaction.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
