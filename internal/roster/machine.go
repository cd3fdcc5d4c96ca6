package roster

// Transition computes the successor state and the owed reply for one inbound
// event. It is pure and total: no I/O, no clock, and every (state, event)
// pair has exactly one answer, so repeating an event converges instead of
// looping. The registry runs it inside the per-subscriber critical section.
func Transition(cur State, ev Event) (State, MessageKind) {
	switch ev {
	case EventStart:
		switch cur.Status {
		case StatusActive:
			return cur, MessageAlreadyActive
		case StatusStopped:
			// Returning subscribers skip the funnel; they already decided once.
			return State{Status: StatusActive}, MessageWelcomeBack
		case StatusUnengaged:
			// First contact and mid-funnel repeats get the same intro, so a
			// lost reply is recovered by sending /start again.
			return State{Status: StatusUnengaged, Funnel: FunnelAwaitingDecision}, MessageFunnelIntro
		}

	case EventStop:
		switch cur.Status {
		case StatusActive:
			return State{Status: StatusStopped}, MessagePaused
		case StatusStopped:
			return cur, MessageAlreadyStopped
		case StatusUnengaged:
			if cur.Funnel == FunnelAwaitingDecision {
				// Bailing out of the funnel counts as an opt-out.
				return State{Status: StatusStopped}, MessagePaused
			}
			return cur, MessageAlreadyStopped
		}

	case EventAccept:
		switch cur.Status {
		case StatusUnengaged:
			if cur.Funnel == FunnelAwaitingDecision {
				return State{Status: StatusActive}, MessageAccepted
			}
			return cur, MessageNone // stale button, no funnel in progress
		case StatusActive:
			// Same confirmation again: covers a crash after the commit but
			// before the reply reached the subscriber.
			return cur, MessageAccepted
		case StatusStopped:
			return cur, MessageNone
		}

	case EventDecline:
		switch cur.Status {
		case StatusUnengaged:
			if cur.Funnel == FunnelAwaitingDecision {
				return State{Status: StatusStopped}, MessageDeclined
			}
			return cur, MessageNone
		case StatusStopped:
			return cur, MessageDeclined
		case StatusActive:
			return cur, MessageNone
		}
	}

	return cur, MessageNone
}
