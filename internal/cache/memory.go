package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryCache struct{ c *gocache.Cache }

// NewMemory crea un cache en memoria con TTL por defecto.
func NewMemory(defaultTTL time.Duration) Cache {
	return &memoryCache{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *memoryCache) Get(k string) ([]byte, bool) {
	v, ok := m.c.Get(k)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	return b, true
}

func (m *memoryCache) Set(k string, v []byte, ttl time.Duration) { m.c.Set(k, v, ttl) }
func (m *memoryCache) Delete(k string)                           { m.c.Delete(k) }
