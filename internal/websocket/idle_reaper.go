package websocket

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// IdleReaper closes streams that stopped sending audio
type IdleReaper struct {
	hub         *Hub
	idleTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	stopChan    chan struct{}
	doneChan    chan struct{}
}

// NewIdleReaper creates a reaper for streams idle longer than idleTimeout.
// It uses the hub's clock.
func NewIdleReaper(hub *Hub, idleTimeout time.Duration, logger *zap.Logger) *IdleReaper {
	return &IdleReaper{
		hub:         hub,
		idleTimeout: idleTimeout,
		clock:       hub.clock,
		logger:      logger,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins the background reaping loop
func (r *IdleReaper) Start() {
	interval := r.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	go r.reapLoop(r.clock.Ticker(interval))
	r.logger.Info("Idle stream reaper started", zap.Duration("idleTimeout", r.idleTimeout))
}

// Stop gracefully stops the reaper
func (r *IdleReaper) Stop() {
	close(r.stopChan)
	<-r.doneChan
	r.logger.Info("Idle stream reaper stopped")
}

// reapLoop checks for idle streams four times per timeout period
func (r *IdleReaper) reapLoop(ticker *clock.Ticker) {
	defer close(r.doneChan)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap closes every stream idle past the timeout
func (r *IdleReaper) reap() int {
	cutoff := r.clock.Now().Add(-r.idleTimeout)
	idle := r.hub.idleSince(cutoff)

	for _, s := range idle {
		s.closeWithNotice("no audio received")
	}
	if len(idle) > 0 {
		r.logger.Info("Closed idle streams", zap.Int("count", len(idle)))
	}
	return len(idle)
}
