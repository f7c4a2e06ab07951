package moqquic

import (
	"sync"
	"sync/atomic"
)

// idAllocator hands out connection ids. Ids start at 1 and are never reused
// within the process, so a stale id can only ever resolve to ErrNotFound.
type idAllocator struct {
	last atomic.Uint64
}

func (a *idAllocator) next() uint64 {
	return a.last.Add(1)
}

// issued reports whether id was handed out at some point.
func (a *idAllocator) issued(id uint64) bool {
	return id != 0 && id <= a.last.Load()
}

// registry owns every live connection and maps ids to them.
// The table lock only guards the map; connection state has its own lock.
type registry struct {
	mu    sync.RWMutex
	conns map[uint64]*connection
	ids   *idAllocator
	limit int
}

func newRegistry(ids *idAllocator, limit int) *registry {
	return &registry{
		conns: make(map[uint64]*connection),
		ids:   ids,
		limit: limit,
	}
}

// allocate assigns a fresh id, builds the connection with newConn and registers it.
func (r *registry) allocate(newConn func(id uint64) *connection) (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.limit {
		return nil, ErrResourceExhausted
	}

	id := r.ids.next()
	c := newConn(id)
	r.conns[id] = c

	return c, nil
}

func (r *registry) lookup(id uint64) (*connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// remove deletes the entry and reports whether it was present.
func (r *registry) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// snapshot returns the registered connections at the time of the call.
func (r *registry) snapshot() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
