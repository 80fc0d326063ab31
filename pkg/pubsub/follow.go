package pubsub

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	pkglog "github.com/weiawesome/wes-io-live-session/pkg/log"
)

// Follow subscribes to pattern and hands every event to handle until ctx
// ends. When the driver closes the subscription early (a dropped redis
// connection, a fatal kafka error) it resubscribes with exponential
// backoff. The first subscription happens before Follow returns. The
// returned channel is closed once following has stopped.
func Follow(ctx context.Context, sub Subscriber, pattern string, handle func(context.Context, *Event)) (<-chan struct{}, error) {
	events, err := sub.SubscribePattern(ctx, pattern)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		l := pkglog.L().With().Str("pattern", pattern).Logger()
		b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
		for {
			if events != nil && !drain(ctx, events, handle, b) {
				return
			}

			wait := b.Duration()
			l.Warn().Dur("retry_in", wait).Msg("subscription closed, resubscribing")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			events, err = sub.SubscribePattern(ctx, pattern)
			if err != nil {
				l.Error().Err(err).Msg("resubscribe failed")
				events = nil
			}
		}
	}()
	return done, nil
}

// drain delivers events until the subscription closes. It reports false
// when ctx has ended and following should stop.
func drain(ctx context.Context, events <-chan *Event, handle func(context.Context, *Event), b *backoff.Backoff) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			b.Reset()
			handle(ctx, event)
		}
	}
}
