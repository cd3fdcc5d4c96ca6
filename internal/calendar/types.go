package calendar

import (
	"errors"
	"time"

	kit "dripbot/internal/transport"
)

var (
	// ErrDuplicateSlot: a post already occupies the requested due time.
	// Slots are never silently overwritten; the admin replaces content by
	// picking another slot.
	ErrDuplicateSlot = errors.New("slot already scheduled")

	// ErrPastDue: the requested due time is malformed or further in the
	// past than the configured tolerance.
	ErrPastDue = errors.New("due time is in the past")

	// ErrWindowFull: every day of the calendar window already has a post.
	ErrWindowFull = errors.New("no free slot left in the calendar window")
)

// Post is one scheduled delivery: at DueAt, copy the message Ref points at
// to every active subscriber. Caption is audit metadata; the copy carries
// the original media and caption.
type Post struct {
	DueAt     time.Time
	Ref       kit.MessageRef
	Caption   string
	CreatedAt time.Time
}

// InitialPost is the distinguished onboarding post replayed to every new
// subscriber during the funnel. It never rides the dispatch timer.
type InitialPost struct {
	Ref       kit.MessageRef
	Caption   string
	UpdatedAt time.Time
}

type Config struct {
	// WindowStart/WindowEnd bound the plannable calendar (inclusive dates,
	// in Location). EnqueueNextFree picks the first free day in this range.
	WindowStart time.Time
	WindowEnd   time.Time

	// PublishHour/PublishMinute is the time of day auto-picked slots get.
	PublishHour   int
	PublishMinute int

	// PastTolerance accepts slightly-past due times on enqueue (clock skew,
	// slow admin round-trips). Default 1 minute.
	PastTolerance time.Duration

	// Location renders due times and anchors day iteration. Default UTC.
	Location *time.Location

	// Now is the clock; tests inject a fixed one. Default time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PastTolerance <= 0 {
		c.PastTolerance = time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
