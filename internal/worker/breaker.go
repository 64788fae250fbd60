package worker

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 3
	breakerCooldown  = 5 * time.Minute
)

type breakerState struct {
	failures  int
	openUntil time.Time
	probing   bool
}

// assetBreaker skips an asset after repeated tick failures so one
// misbehaving venue cannot burn the whole tick budget. After the
// cooldown a single probe tick is let through; success closes the
// breaker, another failure reopens it.
type assetBreaker struct {
	mu     sync.Mutex
	states map[string]*breakerState
}

func newAssetBreaker() *assetBreaker {
	return &assetBreaker{states: make(map[string]*breakerState)}
}

// Allow reports whether the asset should be processed this tick. When
// the breaker is open and cooled down it allows exactly one probe.
func (b *assetBreaker) Allow(epic string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[epic]
	if !ok || st.failures < breakerThreshold {
		return true
	}
	if now.Before(st.openUntil) {
		return false
	}
	st.probing = true
	return true
}

// RecordFailure counts a per-asset tick failure and opens the breaker
// once the threshold is crossed.
func (b *assetBreaker) RecordFailure(epic string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[epic]
	if !ok {
		st = &breakerState{}
		b.states[epic] = st
	}
	st.failures++
	st.probing = false
	if st.failures >= breakerThreshold {
		st.openUntil = now.Add(breakerCooldown)
	}
}

// RecordSuccess closes the breaker for the asset
func (b *assetBreaker) RecordSuccess(epic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, epic)
}

// Open reports whether the asset is currently being skipped
func (b *assetBreaker) Open(epic string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[epic]
	return ok && st.failures >= breakerThreshold && now.Before(st.openUntil)
}
