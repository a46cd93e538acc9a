package app

import "sync"

// keyedMutex hands out one mutex per key. Contention on one key never
// blocks another.
type keyedMutex struct {
	locks sync.Map // string -> *sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
