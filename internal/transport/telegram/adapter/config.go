package adapter

import "time"

type Config struct {
	Token string

	// PollTimeout is the long-poll timeout for getUpdates (default 10s).
	PollTimeout time.Duration
}
