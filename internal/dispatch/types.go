package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dripbot/internal/calendar"
	"dripbot/internal/eventbus"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Config controls the delivery pass.
type Config struct {
	Enabled     bool
	Schedule    string        // cron spec for the pass trigger (default "* * * * *")
	Timezone    string        // IANA TZ for the trigger, e.g. "Europe/Berlin"
	SendTimeout time.Duration // per-recipient send budget (default 10s)
	RetryMax    int           // immediate retries on transient send errors
	RatePerSec  int           // outbound copies per second (default 10)
}

// The dispatcher sees its stores through narrow surfaces so tests can
// substitute fakes without a database.

type Calendar interface {
	DuePosts(ctx context.Context, asOf time.Time) ([]calendar.Post, error)
}

type Ledger interface {
	IsDelivered(ctx context.Context, dueAt time.Time) (bool, error)
	Record(ctx context.Context, dueAt time.Time) error
	DeliveredSet(ctx context.Context) (map[int64]struct{}, error)
}

type Roster interface {
	ActiveIDs(ctx context.Context) ([]int64, error)
}

type Sender interface {
	CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef, caption string) (kit.MessageRef, error)
}

type Service struct {
	// mu guards cfg, limiter and the in-flight flag. Never held across a
	// pass; the pass snapshots what it needs.
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	inFlight bool

	log logx.Logger
	bus eventbus.Bus

	cal Calendar
	led Ledger
	ros Roster
	out Sender

	parser cron.Parser

	// cronMu guards trigger lifecycle (c, loc, runCtx). Separate from mu so
	// a restart can wait for a running pass without deadlocking it.
	cronMu    sync.Mutex
	c         *cron.Cron
	loc       *time.Location
	runCtx    context.Context
	runCancel context.CancelFunc

	now func() time.Time
}

// TickEvent is the payload for "dispatch.tick" and "dispatch.skipped" bus
// events: one delivery pass, finished or aborted.
type TickEvent struct {
	At      time.Time
	Due     int
	Pending int
	Posts   int    // posts recorded this pass
	Error   string // set when the pass aborted early
}

// PostEvent is the payload for "dispatch.post" bus events: one fully
// attempted fan-out, recorded in the dispatch log.
type PostEvent struct {
	DueAt      time.Time
	Recipients int
	Sent       int
	Failed     int
	At         time.Time
}
