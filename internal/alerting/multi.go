package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Named attaches a channel name to a notifier for error reporting.
type Named struct {
	Name     string
	Notifier Notifier
	// Timeout bounds this channel alone; zero leaves only the caller's deadline.
	Timeout time.Duration
}

// Multi fans a notification out to every channel concurrently. One failing or
// hanging channel does not stop the others; the joined error lists each
// failure in channel order.
type Multi []Named

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, ch := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chCtx := ctx
			if ch.Timeout > 0 {
				var cancel context.CancelFunc
				chCtx, cancel = context.WithTimeout(ctx, ch.Timeout)
				defer cancel()
			}
			if err := ch.Notifier.Notify(chCtx, note); err != nil {
				errs[i] = fmt.Errorf("%s: %w", ch.Name, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

var (
	_ Notifier = Multi(nil)
	_ Notifier = Nop{}
)
