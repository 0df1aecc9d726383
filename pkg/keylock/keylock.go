package keylock

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the stripe count used when none is configured.
const DefaultStripes = 256

// KeyLock serializes operations on string-keyed resources. Keys are hashed
// onto a fixed set of stripes, so memory stays bounded no matter how many
// distinct keys pass through. Two keys on the same stripe contend with each
// other, which is harmless: locking is only ever a throughput concern here,
// never a correctness one.
type KeyLock struct {
	stripes []sync.Mutex
}

// New creates a key lock with the given number of stripes.
// Non-positive values fall back to DefaultStripes.
func New(stripes int) *KeyLock {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &KeyLock{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns the release function.
func (kl *KeyLock) Lock(key string) func() {
	s := kl.stripe(key)
	kl.stripes[s].Lock()
	return kl.stripes[s].Unlock
}

// LockPair acquires the stripes for two keys in ascending stripe order and
// returns a single release function. The fixed acquisition order makes the
// pairwise locking deadlock-free across concurrent callers; when both keys
// land on the same stripe only one lock is taken.
func (kl *KeyLock) LockPair(a, b string) func() {
	sa, sb := kl.stripe(a), kl.stripe(b)
	if sa == sb {
		kl.stripes[sa].Lock()
		return kl.stripes[sa].Unlock
	}
	if sa > sb {
		sa, sb = sb, sa
	}
	kl.stripes[sa].Lock()
	kl.stripes[sb].Lock()
	return func() {
		kl.stripes[sb].Unlock()
		kl.stripes[sa].Unlock()
	}
}

func (kl *KeyLock) stripe(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(kl.stripes)))
}
