package session

import (
	"context"
	"errors"

	"github.com/balhaddad-sys/medward/pkg/circuitbreaker"
)

// GuardedStorage wraps a backend with a circuit breaker so a failing database
// stops being hammered on every engine operation. Key misses are not failures
// and never trip the breaker. While the circuit is open, reads degrade to
// "no persisted data" and writes surface a plain error, which the store
// already treats as a discarded write.
type GuardedStorage struct {
	inner   Storage
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStorage wraps inner with the given breaker.
func NewGuardedStorage(inner Storage, breaker *circuitbreaker.CircuitBreaker) *GuardedStorage {
	return &GuardedStorage{inner: inner, breaker: breaker}
}

func (g *GuardedStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var notFound bool
	result, err := g.breaker.ExecuteWithFallback(ctx,
		func() (interface{}, error) {
			value, err := g.inner.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				notFound = true
				return nil, nil
			}
			return value, err
		},
		func(error) (interface{}, error) {
			notFound = true
			return nil, nil
		})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return result.([]byte), nil
}

func (g *GuardedStorage) Set(ctx context.Context, key string, value []byte) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.inner.Set(ctx, key, value)
	})
	return err
}

func (g *GuardedStorage) Delete(ctx context.Context, key string) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.inner.Delete(ctx, key)
	})
	return err
}
