package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type expiredPurger interface {
	PurgeExpired() error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startPurgeWorker sweeps expired sessions and tokens on a fixed interval.
// The returned function stops the worker and waits for it to exit.
func startPurgeWorker(ctx context.Context, logger *slog.Logger, interval time.Duration, purgers map[string]expiredPurger) func() {
	return startPurgeWorkerWithTicker(ctx, logger, interval, purgers, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	interval time.Duration,
	purgers map[string]expiredPurger,
	newTicker tickerFactory,
) func() {
	if len(purgers) == 0 || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				for name, purger := range purgers {
					if purger == nil {
						continue
					}
					if err := purger.PurgeExpired(); err != nil && logger != nil {
						logger.Error("failed to purge expired records", "target", name, "error", err)
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
