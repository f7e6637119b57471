package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(ceiling int) *Limiter {
	l := New(ceiling, time.Minute, time.Hour)
	return l
}

func TestAdmit_WithinCeiling(t *testing.T) {
	l := newTestLimiter(3)
	defer l.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Admit("user:1"), "attempt %d should be admitted", i+1)
	}
}

func TestAdmit_RejectsOverCeiling(t *testing.T) {
	l := newTestLimiter(3)
	defer l.Close()

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		assert.True(t, l.admitAt("user:1", now))
	}
	// The (N+1)-th attempt within the same window is rejected.
	assert.False(t, l.admitAt("user:1", now.Add(time.Second)))
}

func TestAdmit_WindowRollover(t *testing.T) {
	l := newTestLimiter(1)
	defer l.Close()

	now := time.Unix(1_700_000_000, 0).Truncate(time.Minute)
	assert.True(t, l.admitAt("user:1", now))
	assert.False(t, l.admitAt("user:1", now.Add(30*time.Second)))

	// New window resets the bucket.
	assert.True(t, l.admitAt("user:1", now.Add(time.Minute)))
}

func TestAdmit_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(1)
	defer l.Close()

	now := time.Unix(1_700_000_000, 0)
	assert.True(t, l.admitAt("user:1", now))
	assert.False(t, l.admitAt("user:1", now))
	assert.True(t, l.admitAt("group:-42", now))
	assert.True(t, l.admitAt("api:secret", now))
}

func TestAdmit_Concurrent(t *testing.T) {
	const ceiling = 100
	l := newTestLimiter(ceiling)
	defer l.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if l.admitAt("shared", now) {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Exactly the ceiling is admitted, never more.
	assert.Equal(t, ceiling, admitted)
}

func TestAdmit_ManyKeysSpreadAcrossShards(t *testing.T) {
	l := newTestLimiter(1)
	defer l.Close()

	populated := 0
	for i := 0; i < 1000; i++ {
		l.Admit(fmt.Sprintf("user:%d", i))
	}
	for _, sh := range l.shards {
		sh.mu.Lock()
		if len(sh.buckets) > 0 {
			populated++
		}
		sh.mu.Unlock()
	}
	assert.Greater(t, populated, 1, "keys should spread across shards")
}

func TestClose_Idempotent(t *testing.T) {
	l := newTestLimiter(1)
	l.Close()
	l.Close()
}
