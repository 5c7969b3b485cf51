package chathub

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// OrderLock serialises commit+publish per key (match id or friend pair).
// Holding it across the storage write and Publish makes publish order equal commit order.
type OrderLock struct {
	shards [shardCount]sync.Mutex
}

func NewOrderLock() *OrderLock {
	return &OrderLock{}
}

// Lock acquires the stripe for key and returns its unlock function.
func (l *OrderLock) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &l.shards[h.Sum32()%shardCount]
	mu.Lock()
	return mu.Unlock
}
