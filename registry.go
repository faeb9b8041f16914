package packnet

import (
	"fmt"
	"slices"
)

// PacketFactory creates an empty packet ready to decode a frame body.
type PacketFactory func() ReadablePacket

// RegistryOption configures a PacketRegistry.
type RegistryOption func(*PacketRegistry)

// WithOverwrite lets Register replace an existing id instead of failing.
func WithOverwrite() RegistryOption {
	return func(r *PacketRegistry) {
		r.overwrite = true
	}
}

// PacketRegistry maps wire packet ids to factories. Lookups run concurrently
// from every reader goroutine; registration takes the lock exclusively.
type PacketRegistry struct {
	lock      SpinRWLock
	factories map[uint16]PacketFactory
	overwrite bool
}

// NewPacketRegistry creates an empty registry.
func NewPacketRegistry(opts ...RegistryOption) *PacketRegistry {
	r := &PacketRegistry{
		factories: make(map[uint16]PacketFactory),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultRegistry returns a registry with StringPacket at StringPacketID.
func DefaultRegistry() *PacketRegistry {
	r := NewPacketRegistry()
	r.MustRegister(StringPacketID, func() ReadablePacket { return new(StringPacket) })
	return r
}

// Register binds id to factory. Unless the registry was built WithOverwrite,
// an id that is already bound fails with ErrDuplicateID.
func (r *PacketRegistry) Register(id uint16, factory PacketFactory) error {
	if factory == nil {
		return fmt.Errorf("register packet %d: nil factory", id)
	}

	r.lock.SyncLock()
	defer r.lock.SyncUnlock()

	if _, exists := r.factories[id]; exists && !r.overwrite {
		return fmt.Errorf("register packet %d: %w", id, ErrDuplicateID)
	}
	r.factories[id] = factory

	return nil
}

// MustRegister is Register that panics on error.
func (r *PacketRegistry) MustRegister(id uint16, factory PacketFactory) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// Resolve returns the factory bound to id.
func (r *PacketRegistry) Resolve(id uint16) (PacketFactory, bool) {
	r.lock.AsyncLock()
	defer r.lock.AsyncUnlock()

	f, ok := r.factories[id]
	return f, ok
}

// Len returns the number of registered ids.
func (r *PacketRegistry) Len() int {
	r.lock.AsyncLock()
	defer r.lock.AsyncUnlock()

	return len(r.factories)
}

// IDs returns the registered ids in ascending order.
func (r *PacketRegistry) IDs() []uint16 {
	r.lock.AsyncLock()
	ids := make([]uint16, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.lock.AsyncUnlock()

	slices.Sort(ids)
	return ids
}
