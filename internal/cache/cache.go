// Package cache provee un cache de bytes con TTL y backends
// intercambiables: memoria (dev/test) o Redis (producción).
package cache

import "time"

// Cache es la interfaz mínima que usan los consumidores (JWKS del
// broker, lookups de forward-auth).
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}
