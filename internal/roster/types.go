package roster

import "time"

// Status is the persisted subscription lifecycle position.
type Status string

const (
	// StatusUnengaged: known but never opted in (first contact, or still
	// deciding in the funnel).
	StatusUnengaged Status = "unengaged"
	// StatusActive: receives scheduled posts.
	StatusActive Status = "active"
	// StatusStopped: opted out; kept so a later start is a transition, not
	// a re-creation.
	StatusStopped Status = "stopped"
)

// FunnelStep is the persisted onboarding progress. It survives restarts so
// a crash mid-funnel resumes instead of resetting.
type FunnelStep string

const (
	FunnelNone             FunnelStep = ""
	FunnelAwaitingDecision FunnelStep = "awaiting_decision"
)

// Event is the closed set of inbound subscription events. New kinds extend
// this enum and every switch over it, nothing is dispatched by string.
type Event int

const (
	EventStart Event = iota // /start command
	EventStop               // /stop command
	EventAccept             // funnel accept button
	EventDecline            // funnel decline button
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventAccept:
		return "accept"
	case EventDecline:
		return "decline"
	}
	return "unknown"
}

// MessageKind names the reply a transition owes the subscriber. The texts
// live with the intake layer; the machine only picks the kind, so the same
// (state, event) always produces the same message.
type MessageKind int

const (
	MessageNone MessageKind = iota
	// MessageFunnelIntro: greeting, then the onboarding post, then the
	// accept/decline question.
	MessageFunnelIntro
	MessageAccepted
	MessageDeclined
	MessagePaused
	MessageWelcomeBack
	MessageAlreadyActive
	MessageAlreadyStopped
)

func (k MessageKind) String() string {
	switch k {
	case MessageNone:
		return "none"
	case MessageFunnelIntro:
		return "funnel_intro"
	case MessageAccepted:
		return "accepted"
	case MessageDeclined:
		return "declined"
	case MessagePaused:
		return "paused"
	case MessageWelcomeBack:
		return "welcome_back"
	case MessageAlreadyActive:
		return "already_active"
	case MessageAlreadyStopped:
		return "already_stopped"
	}
	return "unknown"
}

// State is the pure-machine view of a subscriber.
type State struct {
	Status Status
	Funnel FunnelStep
}

type Subscriber struct {
	ID          int64
	DisplayName string
	Status      Status
	Funnel      FunnelStep
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s Subscriber) State() State { return State{Status: s.Status, Funnel: s.Funnel} }
