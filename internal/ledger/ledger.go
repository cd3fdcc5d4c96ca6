// Package ledger is the dispatch log: one durable row per delivered slot.
// A recorded slot is never fanned out again, across restarts included. The
// table is the single source of delivery idempotence; no in-memory flag
// stands in for it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"dripbot/pkg/logx"
)

// ErrAlreadyRecorded: the slot was recorded twice. The dispatcher checks
// IsDelivered before recording, so hitting this means a logic bug upstream.
var ErrAlreadyRecorded = errors.New("dispatch already recorded")

type Ledger struct {
	db  *sql.DB
	log logx.Logger

	mu  sync.Mutex
	now func() time.Time
}

func New(db *sql.DB, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{db: db, log: log, now: time.Now}
}

// SlotKey maps a due time to its ledger key. Slots have minute resolution;
// anything finer is truncated away so a re-read of the same post always lands
// on the same row.
func SlotKey(dueAt time.Time) int64 { return dueAt.Truncate(time.Minute).Unix() }

// IsDelivered reports whether the slot already has a dispatch record.
func (l *Ledger) IsDelivered(ctx context.Context, dueAt time.Time) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dispatch_log WHERE due_at = ?`, SlotKey(dueAt)).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Record marks the slot delivered. The row is committed before Record
// returns; a second Record for the same slot fails with ErrAlreadyRecorded.
func (l *Ledger) Record(ctx context.Context, dueAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := SlotKey(dueAt)
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dispatch_log WHERE due_at = ?`, key).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, dueAt.Format(time.RFC3339))
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO dispatch_log(due_at, recorded_at) VALUES(?,?)`,
		key, l.now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeliveredSet returns every recorded slot keyed by unix seconds. The
// dispatcher subtracts it from the due set each tick.
func (l *Ledger) DeliveredSet(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT due_at FROM dispatch_log`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[int64]struct{})
	for rows.Next() {
		var sec int64
		if err := rows.Scan(&sec); err != nil {
			return nil, err
		}
		set[sec] = struct{}{}
	}
	return set, rows.Err()
}
