// Package calendar is the durable post queue: one post per minute-resolution
// slot, append-only, read back in due order by the dispatcher.
package calendar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	kit "dripbot/internal/transport"
	"dripbot/pkg/logx"
)

type Store struct {
	db  *sql.DB
	log logx.Logger

	// mu serializes read-modify-write sequences (duplicate check + insert,
	// slot pick + insert) and config swaps. Plain reads don't take it, so an
	// in-flight dispatch tick never waits on an admin enqueue or vice versa
	// beyond a single statement.
	mu  sync.Mutex
	cfg Config
}

func New(db *sql.DB, cfg Config, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, cfg: cfg.withDefaults(), log: log}
}

// Apply swaps the planning window and tolerances at runtime.
func (s *Store) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Store) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enqueue stores a post at its slot. The row is committed before Enqueue
// returns. Duplicate slots are rejected, never overwritten.
func (s *Store) Enqueue(ctx context.Context, p Post) error {
	if p.Ref.ChatID == 0 || p.Ref.MessageID == 0 {
		return errors.New("post ref is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	due := p.DueAt.Truncate(time.Minute)
	now := cfg.Now()
	if p.DueAt.IsZero() || due.Before(now.Add(-cfg.PastTolerance)) {
		return fmt.Errorf("%w: %s", ErrPastDue, due.In(cfg.Location).Format(time.RFC3339))
	}
	return s.insertLocked(ctx, due, p.Ref, p.Caption, now)
}

// EnqueueNextFree picks the earliest free day in the configured window and
// stores the post there. Pick and insert run under one lock so two captures
// racing for the same day cannot collide.
func (s *Store) EnqueueNextFree(ctx context.Context, ref kit.MessageRef, caption string) (Post, error) {
	if ref.ChatID == 0 || ref.MessageID == 0 {
		return Post{}, errors.New("post ref is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.nextFreeSlotLocked(ctx)
	if err != nil {
		return Post{}, err
	}
	now := s.cfg.Now()
	if err := s.insertLocked(ctx, slot, ref, caption, now); err != nil {
		return Post{}, err
	}
	return Post{DueAt: slot, Ref: ref, Caption: caption, CreatedAt: now}, nil
}

// NextFreeSlot reports where EnqueueNextFree would place the next post.
// ErrWindowFull when the calendar is complete.
func (s *Store) NextFreeSlot(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFreeSlotLocked(ctx)
}

// WindowFull reports whether every remaining day in the window has a post.
func (s *Store) WindowFull(ctx context.Context) (bool, error) {
	_, err := s.NextFreeSlot(ctx)
	if errors.Is(err, ErrWindowFull) {
		return true, nil
	}
	return false, err
}

func (s *Store) insertLocked(ctx context.Context, due time.Time, ref kit.MessageRef, caption string, now time.Time) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM posts WHERE due_at = ?`, due.Unix()).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSlot, due.In(s.cfg.Location).Format(time.RFC3339))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(due_at, from_chat_id, message_id, caption, created_at) VALUES(?,?,?,?,?)`,
		due.Unix(), ref.ChatID, ref.MessageID, caption, now.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) nextFreeSlotLocked(ctx context.Context) (time.Time, error) {
	cfg := s.cfg
	if cfg.WindowStart.IsZero() || cfg.WindowEnd.IsZero() {
		return time.Time{}, errors.New("calendar window is not configured")
	}

	used, err := s.usedSlots(ctx)
	if err != nil {
		return time.Time{}, err
	}

	now := cfg.Now()
	start := cfg.WindowStart.In(cfg.Location)
	end := cfg.WindowEnd.In(cfg.Location)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		slot := time.Date(day.Year(), day.Month(), day.Day(), cfg.PublishHour, cfg.PublishMinute, 0, 0, cfg.Location)
		if slot.Before(now.Add(-cfg.PastTolerance)) {
			continue
		}
		if _, taken := used[slot.Unix()]; !taken {
			return slot, nil
		}
	}
	return time.Time{}, ErrWindowFull
}

func (s *Store) usedSlots(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT due_at FROM posts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := make(map[int64]struct{})
	for rows.Next() {
		var sec int64
		if err := rows.Scan(&sec); err != nil {
			return nil, err
		}
		used[sec] = struct{}{}
	}
	return used, rows.Err()
}

// DuePosts returns every post with due_at <= asOf, ascending. The result is
// a snapshot; posts are never deleted, so two reads with the same asOf and
// no interleaved enqueue return the same slice.
func (s *Store) DuePosts(ctx context.Context, asOf time.Time) ([]Post, error) {
	return s.queryPosts(ctx,
		`SELECT due_at, from_chat_id, message_id, caption, created_at FROM posts WHERE due_at <= ? ORDER BY due_at ASC`,
		asOf.Unix())
}

// All returns the full queue ascending, for admin inspection.
func (s *Store) All(ctx context.Context) ([]Post, error) {
	return s.queryPosts(ctx,
		`SELECT due_at, from_chat_id, message_id, caption, created_at FROM posts ORDER BY due_at ASC`)
}

func (s *Store) queryPosts(ctx context.Context, q string, args ...any) ([]Post, error) {
	loc := s.config().Location

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var (
			sec       int64
			chatID    int64
			messageID int
			caption   string
			createdAt string
		)
		if err := rows.Scan(&sec, &chatID, &messageID, &caption, &createdAt); err != nil {
			return nil, err
		}
		p := Post{
			DueAt:   time.Unix(sec, 0).In(loc),
			Ref:     kit.MessageRef{ChatID: chatID, MessageID: messageID},
			Caption: caption,
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			p.CreatedAt = t.In(loc)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetInitial stores or replaces the onboarding post.
func (s *Store) SetInitial(ctx context.Context, p InitialPost) error {
	if p.Ref.ChatID == 0 || p.Ref.MessageID == 0 {
		return errors.New("initial post ref is empty")
	}
	now := s.config().Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO initial_post(id, from_chat_id, message_id, caption, updated_at) VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET from_chat_id=excluded.from_chat_id, message_id=excluded.message_id, caption=excluded.caption, updated_at=excluded.updated_at`,
		p.Ref.ChatID, p.Ref.MessageID, p.Caption, now.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Initial returns the onboarding post, ok=false when none was captured yet.
func (s *Store) Initial(ctx context.Context) (InitialPost, bool, error) {
	var (
		chatID    int64
		messageID int
		caption   string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT from_chat_id, message_id, caption, updated_at FROM initial_post WHERE id = 1`,
	).Scan(&chatID, &messageID, &caption, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return InitialPost{}, false, nil
	}
	if err != nil {
		return InitialPost{}, false, err
	}
	p := InitialPost{Ref: kit.MessageRef{ChatID: chatID, MessageID: messageID}, Caption: caption}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		p.UpdatedAt = t.In(s.config().Location)
	}
	return p, true, nil
}
