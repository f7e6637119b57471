// ABOUTME: Sharded per-key mutex used to serialize writes on one tool lineage.
// ABOUTME: Keys hash into a fixed set of locks; unrelated lineages rarely contend.

package registry

import (
	"hash/fnv"
	"sync"
)

const keyMutexShards = 64

// keyMutex serializes callers that hold the same key. It backs the
// registry's check-then-write sequences so two concurrent updates of the
// same lineage cannot interleave.
type keyMutex struct {
	shards [keyMutexShards]sync.Mutex
}

func (m *keyMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()&(keyMutexShards-1)]
}

func (m *keyMutex) Lock(key string)   { m.shard(key).Lock() }
func (m *keyMutex) Unlock(key string) { m.shard(key).Unlock() }
