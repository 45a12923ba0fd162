package session

import (
	"context"
	"sync"
)

// keyLock serializa criação e remoção da mesma sessão. Reserva no registro e
// linha no banco mudam juntas enquanto o id estiver travado.
type keyLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{held: make(map[string]chan struct{})}
}

// lock espera o id ficar livre ou ctx terminar.
func (k *keyLock) lock(ctx context.Context, id string) error {
	for {
		k.mu.Lock()
		ch, busy := k.held[id]
		if !busy {
			k.held[id] = make(chan struct{})
			k.mu.Unlock()
			return nil
		}
		k.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *keyLock) unlock(id string) {
	k.mu.Lock()
	ch, ok := k.held[id]
	delete(k.held, id)
	k.mu.Unlock()
	if ok {
		close(ch)
	}
}
