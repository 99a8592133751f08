package syncer

import (
	"context"
	"time"
)

// Watch polls check every interval and reports connectivity changes. The
// first result is always sent. The channel closes when ctx is done.
func Watch(ctx context.Context, interval time.Duration, check func(ctx context.Context) error) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *bool
		for {
			cctx, cancel := context.WithTimeout(ctx, interval)
			up := check(cctx) == nil
			cancel()
			if last == nil || *last != up {
				select {
				case out <- up:
				case <-ctx.Done():
					return
				}
				last = &up
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
