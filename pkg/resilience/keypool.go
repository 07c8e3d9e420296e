// Package resilience provides resiliency patterns for the gateway.
package resilience

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCooldown is how long a rate-limited key stays out of rotation.
const DefaultCooldown = time.Hour

var (
	// ErrNoKeysConfigured is returned by Select when the pool was built empty.
	ErrNoKeysConfigured = errors.New("keypool: no keys configured")

	// ErrAllKeysExhausted is returned by Select when every key is cooling down.
	ErrAllKeysExhausted = errors.New("keypool: all keys exhausted")
)

// KeyPool manages a pool of API keys with round-robin rotation
// and per-key rate-limit awareness.
//
// The cursor only moves while Select skips exhausted keys and when a key is
// marked exhausted, so a healthy key keeps being handed out until the upstream
// pushes back on it.
type KeyPool struct {
	mu             sync.Mutex
	keys           []string
	current        int
	exhaustedUntil map[string]time.Time

	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// KeyState is a masked, point-in-time view of one pooled key.
type KeyState struct {
	ID             string
	Exhausted      bool
	ExhaustedUntil time.Time
}

// Option configures a KeyPool.
type Option func(*KeyPool)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(kp *KeyPool) {
		kp.cooldown = d
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(kp *KeyPool) {
		kp.now = now
	}
}

// WithLogger sets the logger used for rotation events.
func WithLogger(logger *zap.Logger) Option {
	return func(kp *KeyPool) {
		kp.logger = logger
	}
}

// NewKeyPool creates a key pool from a list of API keys. Duplicates are kept.
func NewKeyPool(keys []string, opts ...Option) *KeyPool {
	kp := &KeyPool{
		keys:           append([]string(nil), keys...),
		exhaustedUntil: make(map[string]time.Time),
		cooldown:       DefaultCooldown,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(kp)
	}
	if kp.cooldown <= 0 {
		kp.cooldown = DefaultCooldown
	}
	if kp.now == nil {
		kp.now = time.Now
	}
	if kp.logger == nil {
		kp.logger = zap.NewNop()
	}
	return kp
}

// Select returns the first usable key starting at the cursor.
// The cursor is left on the returned key.
func (kp *KeyPool) Select() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.keys)
	if n == 0 {
		return "", ErrNoKeysConfigured
	}

	kp.expireLocked()

	for i := 0; i < n; i++ {
		key := kp.keys[kp.current]
		if _, barred := kp.exhaustedUntil[key]; !barred {
			return key, nil
		}
		kp.current = (kp.current + 1) % n
	}

	earliest, _ := kp.nextResetLocked()
	return "", fmt.Errorf("%w, earliest reset at %s", ErrAllKeysExhausted, earliest.Format(time.RFC3339))
}

// MarkExhausted bars key from selection for the cooldown period and moves the
// cursor forward. Marking an already exhausted key restarts its cooldown.
// Unknown keys are ignored.
func (kp *KeyPool) MarkExhausted(key string) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if !kp.containsLocked(key) {
		kp.logger.Warn("ignoring unknown api key", zap.String("key", MaskKey(key)))
		return
	}

	until := kp.now().Add(kp.cooldown)
	kp.exhaustedUntil[key] = until
	kp.current = (kp.current + 1) % len(kp.keys)

	kp.logger.Warn("api key rate limited",
		zap.String("key", MaskKey(key)),
		zap.Time("exhausted_until", until),
	)
}

// Available returns how many pooled keys are currently usable.
func (kp *KeyPool) Available() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	kp.expireLocked()

	available := 0
	for _, key := range kp.keys {
		if _, barred := kp.exhaustedUntil[key]; !barred {
			available++
		}
	}
	return available
}

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.keys)
}

// NextReset reports when the earliest exhausted key becomes usable again.
func (kp *KeyPool) NextReset() (time.Time, bool) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	kp.expireLocked()
	return kp.nextResetLocked()
}

// NextResetIn reports how long until the earliest exhausted key becomes usable
// again, measured on the pool's clock. It is zero when no key is exhausted.
func (kp *KeyPool) NextResetIn() time.Duration {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	kp.expireLocked()
	reset, ok := kp.nextResetLocked()
	if !ok {
		return 0
	}
	if d := reset.Sub(kp.now()); d > 0 {
		return d
	}
	return 0
}

// Snapshot returns the state of every pooled key in pool order.
func (kp *KeyPool) Snapshot() []KeyState {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	kp.expireLocked()

	states := make([]KeyState, len(kp.keys))
	for i, key := range kp.keys {
		until, barred := kp.exhaustedUntil[key]
		states[i] = KeyState{
			ID:             MaskKey(key),
			Exhausted:      barred,
			ExhaustedUntil: until,
		}
	}
	return states
}

// expireLocked returns keys whose cooldown has passed to rotation.
// Must be called with mu held.
func (kp *KeyPool) expireLocked() {
	now := kp.now()
	for key, until := range kp.exhaustedUntil {
		if !now.Before(until) {
			delete(kp.exhaustedUntil, key)
			kp.logger.Info("api key reset", zap.String("key", MaskKey(key)))
		}
	}
}

// nextResetLocked must be called with mu held.
func (kp *KeyPool) nextResetLocked() (time.Time, bool) {
	var earliest time.Time
	for _, until := range kp.exhaustedUntil {
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return earliest, !earliest.IsZero()
}

func (kp *KeyPool) containsLocked(key string) bool {
	for _, k := range kp.keys {
		if k == key {
			return true
		}
	}
	return false
}

// MaskKey shortens a key for logs and status output.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..."
}
