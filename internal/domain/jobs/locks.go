package jobs

import (
	"hash/fnv"
	"sync"
)

// keyedMutex stripes locks by entity ID so that all in-process mutations of
// one job go through a single logical writer. The registry's version check
// still guards against writers in other processes.
type keyedMutex struct {
	stripes []sync.Mutex
}

func newKeyedMutex(stripes int) *keyedMutex {
	if stripes <= 0 {
		stripes = 64
	}
	return &keyedMutex{stripes: make([]sync.Mutex, stripes)}
}

func (m *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &m.stripes[int(h.Sum32())%len(m.stripes)]
	stripe.Lock()
	return stripe.Unlock
}
