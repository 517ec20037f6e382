package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatTarget addresses one destination chat (and optional forum thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies one delivered message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-platform binding. Sends and edits are opaque network
// operations that may fail with a recoverable (rate-limited) or unrecoverable
// error; callers classify via RetryAfter().
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// ChatResolver reports whether the bot can still deliver to a chat.
// Subscriptions whose chat resolves to absent are dropped for that event.
type ChatResolver interface {
	ResolveChat(ctx context.Context, chatID int64) (ChatTarget, bool, error)
}

// RateLimitedError is the recoverable transport signal: the platform asked us
// to back off for RetryAfter before re-attempting.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfter extracts the requested backoff from err.
// ok is false for nil errors and for unrecoverable failures.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
