// ABOUTME: Fixed-window admission control keyed by caller identity.
// ABOUTME: Buckets are sharded by key hash to avoid a single global lock.

package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// shardCount is a power of two so shard selection is a cheap mask.
const shardCount = 64

// bucket tracks admissions for one key within the current window.
type bucket struct {
	windowStart int64 // unix seconds, truncated to window
	count       int
	lastSeen    time.Time
}

// shard holds a slice of the key space under its own lock.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a fixed-window rate limiter. Each key gets its own bucket;
// buckets reset lazily when their window expires and idle buckets are swept
// by a background goroutine.
type Limiter struct {
	shards  [shardCount]*shard
	ceiling int
	window  time.Duration
	idleTTL time.Duration
	done    chan struct{}
	closed  sync.Once
}

// New creates a limiter admitting at most ceiling requests per key per
// window. Idle buckets are evicted after idleTTL without activity.
func New(ceiling int, window, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		ceiling: ceiling,
		window:  window,
		idleTTL: idleTTL,
		done:    make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go l.sweep()
	return l
}

// Admit records an admission attempt for key and reports whether it is
// within the ceiling for the current window. The attempt itself is counted
// only when admitted, so rejected calls do not consume budget.
func (l *Limiter) Admit(key string) bool {
	return l.admitAt(key, time.Now())
}

func (l *Limiter) admitAt(key string, now time.Time) bool {
	sh := l.shardFor(key)
	windowStart := now.Unix() - now.Unix()%int64(l.window/time.Second)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{windowStart: windowStart}
		sh.buckets[key] = b
	}
	if b.windowStart != windowStart {
		b.windowStart = windowStart
		b.count = 0
	}
	b.lastSeen = now

	if b.count >= l.ceiling {
		return false
	}
	b.count++
	return true
}

// Close stops the background sweeper. Safe to call multiple times.
func (l *Limiter) Close() {
	l.closed.Do(func() { close(l.done) })
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()&(shardCount-1)]
}

// sweep periodically drops buckets that have been idle past the TTL.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			for _, sh := range l.shards {
				sh.mu.Lock()
				for key, b := range sh.buckets {
					if now.Sub(b.lastSeen) > l.idleTTL {
						delete(sh.buckets, key)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
