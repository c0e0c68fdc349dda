package orchestrator

import (
	"time"

	"github.com/g960059/biome/internal/clock"
)

// loopTicker forwards ticks into the event loop until stopped.
type loopTicker struct {
	ticker *clock.Ticker
	done   chan struct{}
}

func (o *Orchestrator) startTicker(d time.Duration, fn func(now time.Time)) *loopTicker {
	if d <= 0 {
		return nil
	}
	lt := &loopTicker{ticker: o.clock.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case now := <-lt.ticker.C:
				o.queue.push(func() {
					// a tick already queued when the ticker stopped is dropped
					select {
					case <-lt.done:
						return
					default:
					}
					fn(now)
				})
			case <-lt.done:
				return
			}
		}
	}()
	return lt
}

func (lt *loopTicker) stop() {
	if lt == nil {
		return
	}
	lt.ticker.Stop()
	close(lt.done)
}
