package interlock

import (
	"context"
	"time"
)

// Ticker drives the keep-alive loops.
type Ticker interface {
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

func defaultTickerFactory(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Recorder counts keep-alive failures per resource.
type Recorder interface {
	KeepaliveFailed(resource string)
}

type nopRecorder struct{}

func (nopRecorder) KeepaliveFailed(string) {}

// keepalive runs beat on every tick until stopped. It owns its goroutine and
// never shares the caller's cancellation.
type keepalive struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startKeepalive(ctx context.Context, ticker Ticker, beat func(context.Context)) *keepalive {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k := &keepalive{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(k.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				beat(ctx)
			}
		}
	}()
	return k
}

// stop cancels the loop and waits for an in-flight beat to return.
func (k *keepalive) stop() {
	if k == nil {
		return
	}
	k.cancel()
	<-k.done
}
