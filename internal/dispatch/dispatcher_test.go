package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dripbot/internal/calendar"
	"dripbot/internal/eventbus"
	"dripbot/internal/ledger"
	"dripbot/internal/roster"
	"dripbot/internal/storage"
	kit "dripbot/internal/transport"
	"dripbot/pkg/logx"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type copyCall struct {
	chatID  int64
	from    kit.MessageRef
	caption string
}

// fakeSender counts copies per chat and can fail permanently (gone) or for
// the first N attempts (flaky). onCopy runs outside the lock, after the call
// was counted.
type fakeSender struct {
	mu     sync.Mutex
	calls  []copyCall
	gone   map[int64]bool
	flaky  map[int64]int
	onCopy func(chatID int64)
}

func (f *fakeSender) CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef, caption string) (kit.MessageRef, error) {
	f.mu.Lock()
	f.calls = append(f.calls, copyCall{chatID: to.ChatID, from: from, caption: caption})
	n := len(f.calls)
	hook := f.onCopy
	var err error
	if f.gone[to.ChatID] {
		err = fmt.Errorf("%w: chat %d", kit.ErrRecipientGone, to.ChatID)
	} else if f.flaky[to.ChatID] > 0 {
		f.flaky[to.ChatID]--
		err = errors.New("telegram: 502 bad gateway")
	}
	f.mu.Unlock()

	if hook != nil {
		hook(to.ChatID)
	}
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: n}, nil
}

func (f *fakeSender) callsTo(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.chatID == chatID {
			n++
		}
	}
	return n
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// sources returns the origin message ids in send order.
func (f *fakeSender) sources() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.from.MessageID)
	}
	return out
}

type tickEnv struct {
	svc    *Service
	cal    *calendar.Store
	led    *ledger.Ledger
	ros    *roster.Registry
	out    *fakeSender
	clk    *testClock
	events <-chan eventbus.Event
}

func newTickEnv(t *testing.T, start time.Time) *tickEnv {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dripbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clk := &testClock{t: start}
	cal := calendar.New(db.SQL(), calendar.Config{Now: clk.Now}, logx.Nop())
	led := ledger.New(db.SQL(), logx.Nop())
	ros := roster.New(db.SQL(), logx.Nop())
	out := &fakeSender{gone: map[int64]bool{}, flaky: map[int64]int{}}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	svc := New(Config{RatePerSec: 1000, SendTimeout: time.Second}, cal, led, ros, out, logx.Nop(), bus)
	svc.now = clk.Now
	return &tickEnv{svc: svc, cal: cal, led: led, ros: ros, out: out, clk: clk, events: ch}
}

// activate walks each id through start+accept so it lands on the roster.
func (e *tickEnv) activate(t *testing.T, ids ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if _, err := e.ros.Apply(ctx, id, "sub", roster.EventStart); err != nil {
			t.Fatalf("start %d: %v", id, err)
		}
		if _, err := e.ros.Apply(ctx, id, "sub", roster.EventAccept); err != nil {
			t.Fatalf("accept %d: %v", id, err)
		}
	}
}

func (e *tickEnv) enqueue(t *testing.T, due time.Time, msgID int) {
	t.Helper()
	err := e.cal.Enqueue(context.Background(), calendar.Post{
		DueAt: due,
		Ref:   kit.MessageRef{ChatID: -100500, MessageID: msgID},
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", due.Format(time.RFC3339), err)
	}
}

func (e *tickEnv) drainEvents() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTickDeliversDueToActiveAndRecordsOnce(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	dec3 := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	dec4 := dec3.AddDate(0, 0, 1)
	env := newTickEnv(t, base)
	ctx := context.Background()

	env.enqueue(t, dec3, 11)
	env.enqueue(t, dec4, 12)
	env.activate(t, 201, 202)
	// 203 declined the funnel, 204 never answered it; neither may receive posts.
	if _, err := env.ros.Apply(ctx, 203, "sub", roster.EventStart); err != nil {
		t.Fatalf("start 203: %v", err)
	}
	if _, err := env.ros.Apply(ctx, 203, "sub", roster.EventDecline); err != nil {
		t.Fatalf("decline 203: %v", err)
	}
	if _, err := env.ros.Apply(ctx, 204, "sub", roster.EventStart); err != nil {
		t.Fatalf("start 204: %v", err)
	}

	env.clk.Set(dec3.Add(30 * time.Second))
	if err := env.svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for id, want := range map[int64]int{201: 1, 202: 1, 203: 0, 204: 0} {
		if got := env.out.callsTo(id); got != want {
			t.Errorf("chat %d got %d copies, want %d", id, got, want)
		}
	}
	if done, err := env.led.IsDelivered(ctx, dec3); err != nil || !done {
		t.Fatalf("dec3 delivered=%v err=%v, want recorded", done, err)
	}
	if done, err := env.led.IsDelivered(ctx, dec4); err != nil || done {
		t.Fatalf("dec4 delivered=%v err=%v, want pending", done, err)
	}

	// The same minute again: everything due is already in the log.
	if err := env.svc.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := env.out.total(); got != 2 {
		t.Fatalf("total copies after second tick = %d, want 2", got)
	}
}

func TestBacklogDeliveredInDueOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	dec3 := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	dec4 := dec3.AddDate(0, 0, 1)
	env := newTickEnv(t, base)
	ctx := context.Background()

	// Enqueued newest-first; delivery must still run oldest-first.
	env.enqueue(t, dec4, 22)
	env.enqueue(t, dec3, 21)
	env.activate(t, 301)

	env.clk.Set(dec4.Add(time.Minute))
	if err := env.svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := env.out.sources()
	if len(got) != 2 || got[0] != 21 || got[1] != 22 {
		t.Fatalf("send order %v, want [21 22]", got)
	}
	for _, due := range []time.Time{dec3, dec4} {
		if done, err := env.led.IsDelivered(ctx, due); err != nil || !done {
			t.Fatalf("%s delivered=%v err=%v", due.Format(time.RFC3339), done, err)
		}
	}

	var posts int
	var tickSeen bool
	for _, ev := range env.drainEvents() {
		switch ev.Type {
		case "dispatch.post":
			posts++
		case "dispatch.tick":
			te, ok := ev.Data.(TickEvent)
			if !ok {
				t.Fatalf("dispatch.tick payload %T", ev.Data)
			}
			if te.Pending != 2 || te.Posts != 2 || te.Error != "" {
				t.Fatalf("tick event %+v", te)
			}
			tickSeen = true
		}
	}
	if posts != 2 || !tickSeen {
		t.Fatalf("events: posts=%d tickSeen=%v", posts, tickSeen)
	}
}

func TestGoneRecipientSkippedWithoutAbortingFanout(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	due := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	env := newTickEnv(t, base)
	ctx := context.Background()

	env.enqueue(t, due, 31)
	env.activate(t, 401, 402, 403)
	env.out.gone[402] = true
	env.svc.Apply(Config{RatePerSec: 1000, SendTimeout: time.Second, RetryMax: 2})

	env.clk.Set(due.Add(10 * time.Second))
	if err := env.svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := env.out.callsTo(401); got != 1 {
		t.Errorf("chat 401 got %d copies, want 1", got)
	}
	if got := env.out.callsTo(403); got != 1 {
		t.Errorf("chat 403 got %d copies, want 1", got)
	}
	// Permanent failure: exactly one attempt, no retries.
	if got := env.out.callsTo(402); got != 1 {
		t.Errorf("gone chat 402 got %d attempts, want 1", got)
	}
	if done, err := env.led.IsDelivered(ctx, due); err != nil || !done {
		t.Fatalf("delivered=%v err=%v, want recorded despite failure", done, err)
	}
	// The roster never flips on delivery failures, only on subscriber events.
	sub, ok, err := env.ros.Get(ctx, 402)
	if err != nil || !ok {
		t.Fatalf("get 402: ok=%v err=%v", ok, err)
	}
	if sub.Status != roster.StatusActive {
		t.Fatalf("chat 402 status %q, want active", sub.Status)
	}
}

func TestTransientSendFailureRetried(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	due := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	env := newTickEnv(t, base)
	ctx := context.Background()

	env.enqueue(t, due, 41)
	env.activate(t, 501)
	env.out.flaky[501] = 1
	env.svc.Apply(Config{RatePerSec: 1000, SendTimeout: time.Second, RetryMax: 2})

	env.clk.Set(due.Add(10 * time.Second))
	if err := env.svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := env.out.callsTo(501); got != 2 {
		t.Fatalf("chat 501 got %d attempts, want 2 (one retry)", got)
	}
	if done, err := env.led.IsDelivered(ctx, due); err != nil || !done {
		t.Fatalf("delivered=%v err=%v", done, err)
	}
}

// flakyLedger simulates the store vanishing between fan-out and record, the
// same window a crash would hit.
type flakyLedger struct {
	*ledger.Ledger
	mu   sync.Mutex
	trip bool
}

func (f *flakyLedger) setTrip(v bool) {
	f.mu.Lock()
	f.trip = v
	f.mu.Unlock()
}

func (f *flakyLedger) Record(ctx context.Context, dueAt time.Time) error {
	f.mu.Lock()
	trip := f.trip
	f.mu.Unlock()
	if trip {
		return errors.New("disk detached")
	}
	return f.Ledger.Record(ctx, dueAt)
}

func TestUnrecordedFanOutRedeliveredInFull(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	due := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	env := newTickEnv(t, base)
	ctx := context.Background()

	env.enqueue(t, due, 51)
	env.activate(t, 601, 602)

	fl := &flakyLedger{Ledger: env.led, trip: true}
	svc := New(Config{RatePerSec: 1000, SendTimeout: time.Second}, env.cal, fl, env.ros, env.out, logx.Nop(), nil)
	svc.now = env.clk.Now

	env.clk.Set(due.Add(10 * time.Second))
	if err := svc.Tick(ctx); err == nil {
		t.Fatal("tick with failing record: want error")
	}
	if got := env.out.total(); got != 2 {
		t.Fatalf("copies before failed record = %d, want 2", got)
	}
	if done, err := env.led.IsDelivered(ctx, due); err != nil || done {
		t.Fatalf("delivered=%v err=%v, want unrecorded", done, err)
	}

	// Next pass finds the slot still pending and redelivers to everyone.
	fl.setTrip(false)
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := env.out.callsTo(601); got != 2 {
		t.Errorf("chat 601 got %d copies, want 2", got)
	}
	if got := env.out.callsTo(602); got != 2 {
		t.Errorf("chat 602 got %d copies, want 2", got)
	}
	if done, err := env.led.IsDelivered(ctx, due); err != nil || !done {
		t.Fatalf("delivered=%v err=%v", done, err)
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	due := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	env := newTickEnv(t, base)
	ctx := context.Background()

	env.enqueue(t, due, 61)
	env.activate(t, 701)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	env.out.onCopy = func(int64) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}

	env.clk.Set(due.Add(10 * time.Second))
	errCh := make(chan error, 1)
	go func() { errCh <- env.svc.Tick(ctx) }()
	<-started

	if err := env.svc.Tick(ctx); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("overlapping tick err = %v, want ErrOverlapSkip", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if done, err := env.led.IsDelivered(ctx, due); err != nil || !done {
		t.Fatalf("delivered=%v err=%v", done, err)
	}
}

type failingCalendar struct{}

func (failingCalendar) DuePosts(ctx context.Context, asOf time.Time) ([]calendar.Post, error) {
	return nil, errors.New("database is locked")
}

// flakyRoster fails every ActiveIDs call after the first n.
type flakyRoster struct {
	*roster.Registry
	mu    sync.Mutex
	allow int
}

func (f *flakyRoster) ActiveIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allow <= 0 {
		return nil, errors.New("database is locked")
	}
	f.allow--
	return f.Registry.ActiveIDs(ctx)
}

func TestStoreErrorsAbortTick(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	dec3 := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	dec4 := dec3.AddDate(0, 0, 1)
	ctx := context.Background()

	t.Run("calendar unavailable", func(t *testing.T) {
		t.Parallel()
		env := newTickEnv(t, base)
		svc := New(Config{RatePerSec: 1000}, failingCalendar{}, env.led, env.ros, env.out, logx.Nop(), nil)
		svc.now = env.clk.Now

		if err := svc.Tick(ctx); err == nil {
			t.Fatal("tick with failing calendar: want error")
		}
		if got := env.out.total(); got != 0 {
			t.Fatalf("copies sent despite store failure: %d", got)
		}
	})

	t.Run("roster fails mid-pass", func(t *testing.T) {
		t.Parallel()
		env := newTickEnv(t, base)
		env.enqueue(t, dec3, 71)
		env.enqueue(t, dec4, 72)
		env.activate(t, 801)

		fr := &flakyRoster{Registry: env.ros, allow: 1}
		svc := New(Config{RatePerSec: 1000, SendTimeout: time.Second}, env.cal, env.led, fr, env.out, logx.Nop(), nil)
		svc.now = env.clk.Now

		env.clk.Set(dec4.Add(time.Minute))
		if err := svc.Tick(ctx); err == nil {
			t.Fatal("tick with failing roster: want error")
		}
		// The first post made it through and stays recorded; the second is
		// untouched and pending for the next pass.
		if done, err := env.led.IsDelivered(ctx, dec3); err != nil || !done {
			t.Fatalf("dec3 delivered=%v err=%v", done, err)
		}
		if done, err := env.led.IsDelivered(ctx, dec4); err != nil || done {
			t.Fatalf("dec4 delivered=%v err=%v, want pending", done, err)
		}
		if got := env.out.total(); got != 1 {
			t.Fatalf("copies = %d, want 1", got)
		}
	})
}

func TestRosterSnapshotTakenPerPost(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	dec3 := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)
	dec4 := dec3.AddDate(0, 0, 1)
	env := newTickEnv(t, base)
	ctx := context.Background()

	env.enqueue(t, dec3, 81)
	env.enqueue(t, dec4, 82)
	env.activate(t, 901, 902)

	// 902 sends /stop while the first post is fanning out. It still gets the
	// post whose snapshot it was in, but not the next one.
	var once sync.Once
	env.out.onCopy = func(int64) {
		once.Do(func() {
			if _, err := env.ros.Apply(ctx, 902, "sub", roster.EventStop); err != nil {
				t.Errorf("stop 902: %v", err)
			}
		})
	}

	env.clk.Set(dec4.Add(time.Minute))
	if err := env.svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := env.out.callsTo(901); got != 2 {
		t.Errorf("chat 901 got %d copies, want 2", got)
	}
	if got := env.out.callsTo(902); got != 1 {
		t.Errorf("chat 902 got %d copies, want 1", got)
	}
}
