package syncutil

import (
	"sync"

	"github.com/gogf/gf/encoding/ghash"
)

// NamedMutex shards a lock space by key, so two goroutines working on
// unrelated keys rarely contend. Keys are hashed onto a fixed set of
// mutexes, so two distinct keys may share a lock; callers must only
// rely on "same key means same lock", never the converse.
type NamedMutex struct {
	locks []sync.RWMutex
	size  uint32
}

// NewNamedMutex returns a NamedMutex with maxMutexes shards, clamped
// to a minimum of 2. A prime shard count spreads keys better.
func NewNamedMutex(maxMutexes uint32) *NamedMutex {
	if maxMutexes < 2 {
		maxMutexes = 2
	}

	return &NamedMutex{
		size:  maxMutexes,
		locks: make([]sync.RWMutex, maxMutexes),
	}
}

// Lock locks the shard the key hashes to, blocking until it is
// available.
func (mu *NamedMutex) Lock(key []byte) {
	mu.locks[ghash.SDBMHash(key)%mu.size].Lock()
}

// Unlock unlocks the shard the key hashes to. It is a run-time error
// if that shard is not locked on entry.
func (mu *NamedMutex) Unlock(key []byte) {
	mu.locks[ghash.SDBMHash(key)%mu.size].Unlock()
}

// RLock read-locks the shard the key hashes to. Not reentrant: a
// blocked Lock on the same shard excludes new readers.
func (mu *NamedMutex) RLock(key []byte) {
	mu.locks[ghash.SDBMHash(key)%mu.size].RLock()
}

// RUnlock undoes a single RLock call on the key's shard, leaving
// other simultaneous readers untouched.
func (mu *NamedMutex) RUnlock(key []byte) {
	mu.locks[ghash.SDBMHash(key)%mu.size].RUnlock()
}
