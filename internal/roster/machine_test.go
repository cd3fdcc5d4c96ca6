package roster

import "testing"

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	unengaged := State{Status: StatusUnengaged}
	inFunnel := State{Status: StatusUnengaged, Funnel: FunnelAwaitingDecision}
	active := State{Status: StatusActive}
	stopped := State{Status: StatusStopped}

	tests := []struct {
		name     string
		cur      State
		ev       Event
		wantNext State
		wantKind MessageKind
	}{
		{"first contact starts funnel", unengaged, EventStart, inFunnel, MessageFunnelIntro},
		{"repeat start re-asks funnel", inFunnel, EventStart, inFunnel, MessageFunnelIntro},
		{"accept ends funnel active", inFunnel, EventAccept, active, MessageAccepted},
		{"decline ends funnel stopped", inFunnel, EventDecline, stopped, MessageDeclined},
		{"stop during funnel opts out", inFunnel, EventStop, stopped, MessagePaused},

		{"stop before funnel is noop", unengaged, EventStop, unengaged, MessageAlreadyStopped},
		{"accept without funnel is stale", unengaged, EventAccept, unengaged, MessageNone},
		{"decline without funnel is stale", unengaged, EventDecline, unengaged, MessageNone},

		{"active stop pauses", active, EventStop, stopped, MessagePaused},
		{"active start is noop", active, EventStart, active, MessageAlreadyActive},
		{"active accept re-sends confirmation", active, EventAccept, active, MessageAccepted},
		{"active decline is stale", active, EventDecline, active, MessageNone},

		{"stopped start skips funnel", stopped, EventStart, active, MessageWelcomeBack},
		{"stopped stop is noop", stopped, EventStop, stopped, MessageAlreadyStopped},
		{"stopped decline re-sends confirmation", stopped, EventDecline, stopped, MessageDeclined},
		{"stopped accept is stale", stopped, EventAccept, stopped, MessageNone},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next, kind := Transition(tt.cur, tt.ev)
			if next != tt.wantNext {
				t.Fatalf("next state %+v, want %+v", next, tt.wantNext)
			}
			if kind != tt.wantKind {
				t.Fatalf("message kind %v, want %v", kind, tt.wantKind)
			}
		})
	}
}

// Applying the same event twice must land where applying it once did:
// repeated commands and re-tapped buttons converge instead of looping.
func TestTransitionConverges(t *testing.T) {
	t.Parallel()

	states := []State{
		{Status: StatusUnengaged},
		{Status: StatusUnengaged, Funnel: FunnelAwaitingDecision},
		{Status: StatusActive},
		{Status: StatusStopped},
	}
	events := []Event{EventStart, EventStop, EventAccept, EventDecline}

	for _, cur := range states {
		for _, ev := range events {
			once, _ := Transition(cur, ev)
			twice, _ := Transition(once, ev)
			if twice != once {
				t.Fatalf("event %v from %+v does not converge: %+v then %+v", ev, cur, once, twice)
			}
		}
	}
}

// The funnel's terminal outcomes are exactly active and stopped; no event
// leaves a subscriber parked mid-funnel forever once they answered.
func TestFunnelTerminalStates(t *testing.T) {
	t.Parallel()

	inFunnel := State{Status: StatusUnengaged, Funnel: FunnelAwaitingDecision}

	for _, ev := range []Event{EventAccept, EventDecline, EventStop} {
		next, _ := Transition(inFunnel, ev)
		if next.Funnel != FunnelNone {
			t.Fatalf("event %v left funnel step %q", ev, next.Funnel)
		}
		if next.Status != StatusActive && next.Status != StatusStopped {
			t.Fatalf("event %v ended funnel in %q", ev, next.Status)
		}
	}
}

func TestTransitionIsDeterministic(t *testing.T) {
	t.Parallel()

	states := []State{
		{Status: StatusUnengaged},
		{Status: StatusUnengaged, Funnel: FunnelAwaitingDecision},
		{Status: StatusActive},
		{Status: StatusStopped},
	}
	for _, cur := range states {
		for _, ev := range []Event{EventStart, EventStop, EventAccept, EventDecline} {
			n1, k1 := Transition(cur, ev)
			n2, k2 := Transition(cur, ev)
			if n1 != n2 || k1 != k2 {
				t.Fatalf("transition (%+v, %v) is not deterministic", cur, ev)
			}
		}
	}
}
