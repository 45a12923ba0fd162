package session

import (
	"sort"
	"sync"

	"github.com/open-apime/disparador/internal/storage/model"
)

type entry struct {
	snapshot model.Session
	sup      *supervisor
}

// Registry guarda as sessões vivas do processo. Toda leitura devolve cópia.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Reserve registra a sessão se o id estiver livre e houver vaga.
// limit <= 0 desativa a verificação de capacidade.
func (r *Registry) Reserve(s model.Session, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[s.ID]; ok {
		return ErrSessionExists
	}
	if limit > 0 && len(r.entries) >= limit {
		return ErrCapacity
	}
	r.entries[s.ID] = &entry{snapshot: s}
	return nil
}

func (r *Registry) Get(id string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return model.Session{}, false
	}
	return e.snapshot, true
}

// Update aplica fn sobre o snapshot de forma atômica e devolve o antes e o depois.
func (r *Registry) Update(id string, fn func(*model.Session)) (prev, next model.Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return model.Session{}, model.Session{}, false
	}
	prev = e.snapshot
	fn(&e.snapshot)
	e.snapshot.ID = id
	return prev, e.snapshot, true
}

func (r *Registry) attach(id string, sup *supervisor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.sup = sup
	return true
}

func (r *Registry) supervisor(id string) (*supervisor, model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, model.Session{}, false
	}
	return e.sup, e.snapshot, true
}

// Remove retira a entrada. Com owner != nil só remove se o supervisor ainda
// for o dono, o que torna a remoção concorrente uma operação de posse única.
func (r *Registry) Remove(id string, owner *supervisor) (model.Session, *supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return model.Session{}, nil, false
	}
	if owner != nil && e.sup != owner {
		return model.Session{}, nil, false
	}
	delete(r.entries, id)
	return e.snapshot, e.sup, true
}

// List devolve as sessões ordenadas por criação.
func (r *Registry) List() []model.Session {
	r.mu.RLock()
	out := make([]model.Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) supervisors() []*supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*supervisor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.sup != nil {
			out = append(out, e.sup)
		}
	}
	return out
}
