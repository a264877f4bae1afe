package radio

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
)

type options struct {
	logger  *log.Logger
	replies io.Writer
	clock   func() time.Time
	wakeup  func()
}

func defaultOptions() options {
	return options{
		logger:  log.Default(),
		replies: io.Discard,
		clock:   time.Now,
		wakeup:  func() {},
	}
}

// Option configures a Session.
type Option func(*options)

func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithReplies sets where the session writes its asynchronous replies
// ("r0=tok;" and the like).
func WithReplies(w io.Writer) Option {
	return func(o *options) {
		o.replies = w
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithWakeup sets a function called after every Notify so that the owner
// of the session knows it has to Poll. It is called on the notifying
// goroutine.
func WithWakeup(wakeup func()) Option {
	return func(o *options) {
		o.wakeup = wakeup
	}
}
