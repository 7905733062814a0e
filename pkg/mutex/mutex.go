package mutex

import "sync"

// KeyedMutex serializes work per string key. Locks are created on demand
// and retained: removing an entry on unlock would let a third contender
// store a fresh mutex while the second still holds the old one, breaking
// per-key exclusion. The working key set is small and bounded.
type KeyedMutex struct {
	muMap sync.Map
}

func (km *KeyedMutex) Lock(key string) {
	mu, _ := km.muMap.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
}

func (km *KeyedMutex) Unlock(key string) {
	mu, ok := km.muMap.Load(key)
	if ok {
		mu.(*sync.Mutex).Unlock()
	}
}
