package router

import (
	"context"
	"sync"
	"time"

	"dripbot/internal/calendar"
	"dripbot/internal/eventbus"
	"dripbot/internal/roster"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Config controls the intake side: who the admin is and how handlers run.
type Config struct {
	AdminChatID    int64
	Workers        int            // handler pool size (default 4)
	CommandTimeout time.Duration  // per-handler budget (default 15s)
	Location       *time.Location // slot parsing/formatting (default UTC)
}

// The router sees its stores through narrow surfaces so tests can substitute
// fakes where the sqlite-backed ones are inconvenient.

type CalendarPort interface {
	Enqueue(ctx context.Context, p calendar.Post) error
	EnqueueNextFree(ctx context.Context, ref kit.MessageRef, caption string) (calendar.Post, error)
	NextFreeSlot(ctx context.Context) (time.Time, error)
	WindowFull(ctx context.Context) (bool, error)
	All(ctx context.Context) ([]calendar.Post, error)
	SetInitial(ctx context.Context, p calendar.InitialPost) error
	Initial(ctx context.Context) (calendar.InitialPost, bool, error)
}

type RosterPort interface {
	Apply(ctx context.Context, id int64, displayName string, ev roster.Event) (roster.Decision, error)
	CountByStatus(ctx context.Context) (map[roster.Status]int, error)
}

type LedgerPort interface {
	DeliveredSet(ctx context.Context) (map[int64]struct{}, error)
}

type Services struct {
	Calendar CalendarPort
	Roster   RosterPort
	Ledger   LedgerPort
}

type handlerFunc func(ctx context.Context, msg *kit.Message, args []string) error

type command struct {
	handle    handlerFunc
	adminOnly bool
	desc      string
}

// promptKind says what an admin reply to one of our prompt messages becomes.
type promptKind int

const (
	promptSlot promptKind = iota + 1 // a scheduled post
	promptInitial                    // the onboarding post
)

type prompt struct {
	kind promptKind
	due  time.Time // promptSlot only; zero means "next free slot"
	at   time.Time // tracked-at, for pruning
}

const (
	maxPrompts = 16
	promptTTL  = 30 * time.Minute
)

type Router struct {
	mu  sync.RWMutex // guards cfg
	cfg Config

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	serv    Services

	commands    map[string]command
	publicOrder []string
	adminOrder  []string

	pmu     sync.Mutex
	prompts map[int]prompt

	jobs chan func()

	now func() time.Time
}

// TransitionEvent is the payload for "roster.transition" bus events.
type TransitionEvent struct {
	SubscriberID int64
	Event        string
	Status       string
	Changed      bool
	At           time.Time
}
