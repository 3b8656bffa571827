package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultReapInterval = 5 * time.Minute
	DefaultIdleTimeout  = 30 * time.Minute
)

// Reaper periodically evicts rooms that have been idle for too long.
type Reaper struct {
	hub         *Hub
	interval    time.Duration
	idleTimeout time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

func NewReaper(hub *Hub, interval, idleTimeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Reaper{hub: hub, interval: interval, idleTimeout: idleTimeout}
}

// Start launches the sweep loop. It runs until ctx is cancelled or Stop is
// called.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("reaper is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.stopped = make(chan struct{})

	slog.Info("[REAPER] Starting idle room reaper", "interval", r.interval.String(), "idleTimeout", r.idleTimeout.String())
	go r.run(ctx, r.done, r.stopped)
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish. Safe to call
// more than once.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.done)
	stopped := r.stopped
	r.mu.Unlock()

	<-stopped
}

// RunNow performs one sweep immediately and returns the number of rooms
// evicted.
func (r *Reaper) RunNow() int {
	evicted := r.hub.EvictIdle(r.idleTimeout)
	if evicted > 0 {
		slog.Info("[REAPER] Evicted idle rooms", "count", evicted)
	}
	return evicted
}

func (r *Reaper) run(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[REAPER] Stopped (context cancelled)")
			return
		case <-done:
			slog.Info("[REAPER] Stopped (stop requested)")
			return
		case <-ticker.C:
			r.RunNow()
		}
	}
}
