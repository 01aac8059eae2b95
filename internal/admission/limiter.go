/*
File: internal/admission/limiter.go
Description: Per-source-address connection-rate limiter evaluated before a
connection is accepted. A fixed window is kept per source key; windows are
never persisted, so a restart resets admission state (acceptable: this is a
soft protection, not a security boundary).
*/
// Package admission implements the connection-rate gate applied before a
// client may proceed to registration.
package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// pruneEvery bounds how often expired windows are swept from the map.
const pruneEvery = 256

// Config holds the limiter's tunables.
type Config struct {
	// Window is the fixed-window duration.
	Window time.Duration
	// Ceiling is the maximum connection attempts per window per source.
	Ceiling int
	// TrustedCeiling applies instead of Ceiling when the client presents a
	// recognized trusted platform tag.
	TrustedCeiling int
	// TrustedPlatforms is the set of platform tags granted TrustedCeiling.
	TrustedPlatforms []string
}

// window is one Rate-Limit Window: lazily created on first attempt from a
// source, reset when the current time passes windowStart+Window.
type window struct {
	start time.Time
	count int
}

// Limiter evaluates connection attempts against per-source fixed windows.
// It is a local-memory check: it never fails, only denies.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	evals   int

	windowDur      time.Duration
	ceiling        int
	trustedCeiling int
	trusted        map[string]struct{}

	clock  clock.Clock
	logger zerolog.Logger
}

// NewLimiter constructs the limiter. clk may be a mock in tests.
func NewLimiter(cfg Config, clk clock.Clock, logger zerolog.Logger) (*Limiter, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("admission window must be positive, got %s", cfg.Window)
	}
	if cfg.Ceiling <= 0 {
		return nil, fmt.Errorf("admission ceiling must be positive, got %d", cfg.Ceiling)
	}
	trustedCeiling := cfg.TrustedCeiling
	if trustedCeiling < cfg.Ceiling {
		trustedCeiling = cfg.Ceiling
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedPlatforms))
	for _, p := range cfg.TrustedPlatforms {
		trusted[p] = struct{}{}
	}
	return &Limiter{
		windows:        make(map[string]*window),
		windowDur:      cfg.Window,
		ceiling:        cfg.Ceiling,
		trustedCeiling: trustedCeiling,
		trusted:        trusted,
		clock:          clk,
		logger:         logger.With().Str("component", "AdmissionLimiter").Logger(),
	}, nil
}

// Evaluate decides whether a connection attempt from sourceKey may proceed.
// platform is the client's self-reported platform tag; a recognized trusted
// tag raises the ceiling for this evaluation only.
func (l *Limiter) Evaluate(sourceKey, platform string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evals++
	if l.evals%pruneEvery == 0 {
		l.prune(now)
	}

	w, ok := l.windows[sourceKey]
	if !ok || now.Sub(w.start) >= l.windowDur {
		l.windows[sourceKey] = &window{start: now, count: 1}
		return true
	}

	w.count++
	ceiling := l.ceiling
	if _, isTrusted := l.trusted[platform]; isTrusted {
		ceiling = l.trustedCeiling
	}
	if w.count > ceiling {
		l.logger.Warn().
			Str("source", sourceKey).
			Str("platform", platform).
			Int("count", w.count).
			Int("ceiling", ceiling).
			Msg("Connection attempt denied by rate limiter.")
		return false
	}
	return true
}

// prune drops expired windows. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.windowDur {
			delete(l.windows, key)
		}
	}
}
