package router

// User-facing copy, in one place so wording changes never touch handler logic.
const (
	textUnknown  = "Unknown command. Try /help."
	textBusy     = "busy, try again"
	textTryAgain = "Something went wrong, please try again."

	// funnel
	textGreeting       = "Hi! This bot delivers one small surprise a day."
	textFunnelQuestion = "Want in?"
	textBtnAccept      = "Count me in"
	textBtnDecline     = "Not now"
	textAccepted       = "You're in! The next post arrives on schedule."
	textDeclined       = "No problem. Send /start whenever you change your mind."
	textPaused         = "Deliveries paused. Send /start to resume."
	textWelcomeBack    = "Welcome back! Deliveries resume with the next post."
	textAlreadyActive  = "You're already subscribed."
	textAlreadyStopped = "Deliveries are already paused."

	// admin capture flow
	textPromptSlotNext = "Reply to this message with the post to schedule. It takes the next free slot, currently %s."
	textPromptSlotAt   = "Reply to this message with the post to schedule for %s."
	textPromptInitial  = "Reply to this message with the onboarding post new subscribers get."
	textCaptureEmpty   = "Nothing to schedule in that message. Reply with text or media."
	textScheduled      = "Scheduled for %s."
	textInitialSaved   = "Onboarding post saved."
	textSlotTaken      = "That slot is taken. Pick another time."
	textSlotPast       = "That time is in the past."
	textWindowFull     = "Every day in the calendar window has a post."
	textWindowComplete = "The calendar window is now fully booked."
	textSetUsage       = "Usage: /set, or /set YYYY-MM-DD HH:MM (also DD.MM HH:MM)."
	textQueueEmpty     = "No posts scheduled yet."
)
