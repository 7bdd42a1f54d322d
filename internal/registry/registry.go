// Package registry tracks which client identities are present and the display
// name each one holds.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNameUnavailable is returned by TryClaim when another identity already
// holds the requested name.
var ErrNameUnavailable = errors.New("name is unavailable")

// ErrIdentityInUse is returned by Join when the identity is already present.
var ErrIdentityInUse = errors.New("identity is already registered")

// Registry maps client identities to display names. At most one identity
// holds a given name at any instant. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	names  map[uuid.UUID]string
	owners map[string]uuid.UUID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		names:  make(map[uuid.UUID]string),
		owners: make(map[string]uuid.UUID),
	}
}

// Snapshot returns a point-in-time copy of the registry. It is advisory only;
// use TryClaim to reserve a name.
func (r *Registry) Snapshot() map[uuid.UUID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[uuid.UUID]string, len(r.names))
	for id, name := range r.names {
		snapshot[id] = name
	}
	return snapshot
}

// Join registers a new identity under name. Unlike TryClaim it never touches
// an existing entry: it fails if id is already present or name is taken.
func (r *Registry) Join(id uuid.UUID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, present := r.names[id]; present {
		return ErrIdentityInUse
	}
	if _, taken := r.owners[name]; taken {
		return ErrNameUnavailable
	}
	r.names[id] = name
	r.owners[name] = id
	return nil
}

// TryClaim assigns name to id unless a different identity holds it. Claiming
// the name id already holds succeeds without change. A successful claim
// replaces any previous name held by id and returns it.
func (r *Registry) TryClaim(id uuid.UUID, name string) (previous string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, taken := r.owners[name]; taken && owner != id {
		return "", ErrNameUnavailable
	}

	previous = r.names[id]
	if previous != "" && previous != name {
		delete(r.owners, previous)
	}
	r.names[id] = name
	r.owners[name] = id
	return previous, nil
}

// Release removes id from the registry and returns the name it held. It is a
// no-op for unknown identities.
func (r *Registry) Release(id uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.names[id]
	if !ok {
		return "", false
	}
	delete(r.names, id)
	if r.owners[name] == id {
		delete(r.owners, name)
	}
	return name, true
}

// Name returns the name held by id.
func (r *Registry) Name(id uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[id]
	return name, ok
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.names)
}
