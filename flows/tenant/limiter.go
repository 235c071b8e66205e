package tenant

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrOTPRateLimited is returned when codes are requested too often for
	// one destination
	ErrOTPRateLimited = errors.New("too many verification codes requested")
	// ErrTooManyAttempts is returned once a sent code was guessed wrong
	// MaxAttempts times. A new code has to be sent.
	ErrTooManyAttempts = errors.New("too many wrong verification codes")
)

// LimiterConfig bounds how often a code may be sent to one destination and
// how many wrong guesses one sent code tolerates
type LimiterConfig struct {
	Every time.Duration
	Burst int
	// MaxAttempts wrong codes lock verification until the next send
	MaxAttempts int
	// MaxAge drops limiters untouched for this long on Prune
	MaxAge time.Duration
}

// DefaultLimiterConfig allows three codes, then one every 30 seconds, and
// five guesses per code
var DefaultLimiterConfig = LimiterConfig{
	Every:       30 * time.Second,
	Burst:       3,
	MaxAttempts: 5,
	MaxAge:      time.Hour,
}

type limiterEntry struct {
	limiter    *rate.Limiter
	failures   int
	lastAccess time.Time
}

// OTPLimiter keeps one token bucket and one wrong-guess counter per
// destination
type OTPLimiter struct {
	config LimiterConfig
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

// NewOTPLimiter creates a limiter
func NewOTPLimiter(config LimiterConfig) *OTPLimiter {
	if config.Every <= 0 {
		config.Every = DefaultLimiterConfig.Every
	}
	if config.Burst <= 0 {
		config.Burst = DefaultLimiterConfig.Burst
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultLimiterConfig.MaxAttempts
	}
	return &OTPLimiter{
		config:   config,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow consumes a token for key
func (l *OTPLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(key)
	return e.limiter.AllowN(e.lastAccess, 1)
}

// Fail records a wrong code for key and returns the attempts left
func (l *OTPLimiter) Fail(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(key)
	e.failures++
	return max(l.config.MaxAttempts-e.failures, 0)
}

// AttemptsLeft reports how many wrong codes key may still send
func (l *OTPLimiter) AttemptsLeft(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		return l.config.MaxAttempts
	}
	return max(l.config.MaxAttempts-e.failures, 0)
}

// ResetAttempts clears the wrong-guess counter, after a new code was sent or
// the code matched
func (l *OTPLimiter) ResetAttempts(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.limiters[key]; ok {
		e.failures = 0
	}
}

func (l *OTPLimiter) entryLocked(key string) *limiterEntry {
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(l.config.Every), l.config.Burst)}
		l.limiters[key] = e
	}
	e.lastAccess = l.now()
	return e
}

// Prune drops limiters not used within MaxAge and returns how many it removed
func (l *OTPLimiter) Prune() int {
	if l.config.MaxAge <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.config.MaxAge)
	n := 0
	for key, e := range l.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Len reports how many destinations are tracked
func (l *OTPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
