package container

import "sync"

// keyedMutex serializes start, stop and reaping per container name while
// letting different names proceed independently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(name string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[name]
	if !ok {
		l = &sync.Mutex{}
		k.locks[name] = l
	}
	return l
}

// Lock locks name and returns the unlock function.
func (k *keyedMutex) Lock(name string) func() {
	l := k.get(name)
	l.Lock()
	return l.Unlock
}

// TryLock locks name if it is free.
func (k *keyedMutex) TryLock(name string) (func(), bool) {
	l := k.get(name)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
