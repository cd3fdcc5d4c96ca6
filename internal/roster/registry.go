// Package roster owns subscriber records and the subscription state machine.
// Every inbound event goes through Registry.Apply: read current state,
// run the pure transition, commit the successor, and only then let the
// caller send the owed reply. A crash between commit and send therefore
// leaves a consistent state whose re-delivered event reproduces the same
// message.
package roster

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"dripbot/pkg/logx"
)

type Registry struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	// locks stripe the per-subscriber critical sections: events for one
	// subscriber serialize, events for different subscribers proceed
	// independently (modulo stripe collisions).
	locks [64]sync.Mutex
}

func New(db *sql.DB, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{db: db, log: log, now: time.Now}
}

func (r *Registry) lockFor(id int64) *sync.Mutex {
	return &r.locks[uint64(id)%uint64(len(r.locks))]
}

// Decision is what one applied event owes the caller: the post-transition
// subscriber row and the reply kind to deliver (after Apply returned, never
// before).
type Decision struct {
	Subscriber Subscriber
	Message    MessageKind
	Changed    bool
}

// Apply runs one event through the state machine. Read-compute-write is a
// single critical section per subscriber; the row is committed before Apply
// returns. Unknown subscribers are created as unengaged on first contact.
func (r *Registry) Apply(ctx context.Context, id int64, displayName string, ev Event) (Decision, error) {
	if id == 0 {
		return Decision{}, errors.New("subscriber id is empty")
	}
	displayName = strings.TrimSpace(displayName)

	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	sub, found, err := r.get(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	now := r.now()
	if !found {
		sub = Subscriber{
			ID:          id,
			DisplayName: displayName,
			Status:      StatusUnengaged,
			Funnel:      FunnelNone,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO subscribers(subscriber_id, display_name, status, funnel_step, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
			sub.ID, sub.DisplayName, string(sub.Status), string(sub.Funnel),
			now.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return Decision{}, err
		}
	}

	cur := sub.State()
	next, kind := Transition(cur, ev)
	changed := next != cur

	if changed || (displayName != "" && displayName != sub.DisplayName) {
		if displayName == "" {
			displayName = sub.DisplayName
		}
		if _, err := r.db.ExecContext(ctx,
			`UPDATE subscribers SET display_name = ?, status = ?, funnel_step = ?, updated_at = ? WHERE subscriber_id = ?`,
			displayName, string(next.Status), string(next.Funnel), now.UTC().Format(time.RFC3339Nano), id,
		); err != nil {
			return Decision{}, err
		}
		sub.DisplayName = displayName
		sub.Status = next.Status
		sub.Funnel = next.Funnel
		sub.UpdatedAt = now
	}

	if changed {
		r.log.Debug("subscriber transition",
			logx.Int64("subscriber", id),
			logx.String("event", ev.String()),
			logx.String("from", string(cur.Status)+"/"+string(cur.Funnel)),
			logx.String("to", string(next.Status)+"/"+string(next.Funnel)),
			logx.String("reply", kind.String()),
		)
	}

	return Decision{Subscriber: sub, Message: kind, Changed: changed}, nil
}

// Get returns the subscriber row, ok=false when the id was never seen.
func (r *Registry) Get(ctx context.Context, id int64) (Subscriber, bool, error) {
	return r.get(ctx, id)
}

func (r *Registry) get(ctx context.Context, id int64) (Subscriber, bool, error) {
	var (
		sub       Subscriber
		status    string
		funnel    string
		createdAt string
		updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT subscriber_id, display_name, status, funnel_step, created_at, updated_at FROM subscribers WHERE subscriber_id = ?`, id,
	).Scan(&sub.ID, &sub.DisplayName, &status, &funnel, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if err != nil {
		return Subscriber{}, false, err
	}
	sub.Status = Status(status)
	sub.Funnel = FunnelStep(funnel)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sub.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sub.UpdatedAt = t
	}
	return sub, true, nil
}

// ActiveIDs snapshots the fan-out audience: every active subscriber id,
// ascending for deterministic delivery order within a post.
func (r *Registry) ActiveIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT subscriber_id FROM subscribers WHERE status = ? ORDER BY subscriber_id ASC`, string(StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByStatus reports roster sizes for the admin /stats command.
func (r *Registry) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM subscribers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}
