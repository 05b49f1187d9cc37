package chatws

import (
	"strconv"
	"time"

	"github.com/jpillora/backoff"
)

// reconnectScheduler decides whether and when the next connection attempt happens after an unexpected
// close. At most one timer is armed at any time. It is owned by the client goroutine and is not safe for
// concurrent use.
type reconnectScheduler struct {
	logger      Logger
	interval    time.Duration
	maxAttempts int
	backoff     *backoff.Backoff

	count int
	timer *time.Timer
	token uint64
}

func newReconnectScheduler(logger Logger, cfg Config) *reconnectScheduler {
	maxInterval := cfg.MaxReconnectInterval
	if maxInterval < cfg.ReconnectInterval {
		maxInterval = cfg.ReconnectInterval
	}

	return &reconnectScheduler{
		logger:      logger.WithField("component", "reconnect"),
		interval:    cfg.ReconnectInterval,
		maxAttempts: cfg.MaxReconnectAttempts,
		backoff: &backoff.Backoff{
			Min:    cfg.ReconnectInterval,
			Max:    maxInterval,
			Factor: cfg.ReconnectBackoffFactor,
			Jitter: cfg.ReconnectJitter,
		},
	}
}

// schedule arms a one-shot timer that calls fire with a token identifying it. It returns false without
// doing anything when a timer is already armed or the attempt ceiling has been reached.
func (s *reconnectScheduler) schedule(fire func(token uint64)) (attempt int, delay time.Duration, ok bool) {
	if s.timer != nil {
		s.logger.Debugln("reconnect already scheduled")
		return s.count, 0, false
	}
	if s.exhausted() {
		return s.count, 0, false
	}

	delay = s.delay()
	s.count++
	s.token++
	token := s.token
	s.timer = time.AfterFunc(delay, func() { fire(token) })

	s.logger.Infof("reconnect attempt %d/%s scheduled in %s", s.count, s.ceiling(), delay)
	return s.count, delay, true
}

// take disarms the timer identified by token. It reports false for a cancelled or superseded timer.
func (s *reconnectScheduler) take(token uint64) bool {
	if s.timer == nil || token != s.token {
		return false
	}
	s.timer = nil
	return true
}

// cancel stops an armed timer. It reports whether one was armed.
func (s *reconnectScheduler) cancel() bool {
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.logger.Debugln("scheduled reconnect cancelled")
	return true
}

// reset zeroes the attempt counter after a successful open.
func (s *reconnectScheduler) reset() {
	s.count = 0
	s.backoff.Reset()
}

func (s *reconnectScheduler) attempts() int {
	return s.count
}

func (s *reconnectScheduler) armed() bool {
	return s.timer != nil
}

func (s *reconnectScheduler) exhausted() bool {
	return s.maxAttempts != UnlimitedReconnectAttempts && s.count >= s.maxAttempts
}

func (s *reconnectScheduler) delay() time.Duration {
	if s.interval <= 0 {
		return 0
	}
	return s.backoff.Duration()
}

func (s *reconnectScheduler) ceiling() string {
	if s.maxAttempts == UnlimitedReconnectAttempts {
		return "unlimited"
	}
	return strconv.Itoa(s.maxAttempts)
}
