package chatws

import (
	"sync"
	"time"
)

// beatFunc is invoked on every tick with the generation the monitor was started for. stop is closed when
// the monitor is stopped, so a beat blocked on delivery can give up.
type beatFunc func(gen uint64, stop <-chan struct{})

// heartbeatMonitor emits a beat every interval between start and stop. It does not send anything itself:
// the owner decides what a beat means for the connection it belongs to.
type heartbeatMonitor struct {
	interval time.Duration
	logger   Logger

	mu    sync.Mutex
	stopC chan struct{}
	gen   uint64
}

func newHeartbeatMonitor(logger Logger, interval time.Duration) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval: interval,
		logger:   logger.WithField("component", "heartbeat"),
	}
}

// start launches the ticking goroutine for gen. It reports false, and does nothing, if already running.
func (h *heartbeatMonitor) start(gen uint64, beat beatFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopC != nil {
		h.logger.Warnf("heartbeat already running for #%d, ignoring start for #%d", h.gen, gen)
		return false
	}

	h.stopC = make(chan struct{})
	h.gen = gen
	go h.run(gen, h.stopC, beat)

	h.logger.Debugf("heartbeat started for #%d every %s", gen, h.interval)
	return true
}

// stop halts the ticking goroutine. It reports false if it was not running.
func (h *heartbeatMonitor) stop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopC == nil {
		return false
	}
	close(h.stopC)
	h.stopC = nil

	h.logger.Debugf("heartbeat stopped for #%d", h.gen)
	return true
}

func (h *heartbeatMonitor) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stopC != nil
}

func (h *heartbeatMonitor) run(gen uint64, stopC chan struct{}, beat beatFunc) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopC:
			return
		case <-ticker.C:
			beat(gen, stopC)
		}
	}
}
