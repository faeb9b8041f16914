package packnet

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// PoolStats is a snapshot of one role of a BufferPool.
type PoolStats struct {
	Role      BufferRole
	Size      int   // capacity of each buffer.
	Allocated int64 // buffers alive, idle or leased.
	Idle      int   // buffers waiting in the free-list.
	InUse     int64 // buffers currently leased.
	Exhausted int64 // takes refused by the MaxBuffers cap.
}

// rolePool is the free-list and accounting of a single role.
type rolePool struct {
	role      BufferRole
	size      int
	free      *RingBuffer[*Buffer]
	allocated atomic.Int64
	inUse     atomic.Int64
	exhausted atomic.Int64
}

// BufferPool hands out fixed-size buffers per role and takes them back for
// reuse. It is safe for concurrent use by every connection of a network.
type BufferPool struct {
	roles   [3]*rolePool
	maxIdle int
	maxLive int64
	closed  atomic.Bool
	log     zerolog.Logger
}

// NewBufferPool creates a pool sized by the buffer fields of cfg.
func NewBufferPool(cfg NetworkConfig) *BufferPool {
	cfg.applyDefaults()

	p := &BufferPool{
		maxIdle: cfg.BufferPoolSize,
		maxLive: int64(cfg.MaxBuffers),
		log:     cfg.Logger.With().Str("component", "bufferpool").Logger(),
	}

	sizes := [3]int{
		ReadRole:  cfg.ReadBufferSize,
		WriteRole: cfg.WriteBufferSize,
		WaitRole:  cfg.WaitBufferSize,
	}
	for role, size := range sizes {
		p.roles[role] = &rolePool{
			role: BufferRole(role),
			size: size,
			free: NewRingBuffer[*Buffer](uint64(cfg.BufferPoolSize)),
		}
	}

	return p
}

func (p *BufferPool) rolePool(role BufferRole) (*rolePool, error) {
	if role < ReadRole || role > WaitRole {
		return nil, fmt.Errorf("unknown buffer role %d", role)
	}
	return p.roles[role], nil
}

// Take leases a buffer of the given role. An idle buffer is reused when one
// exists; otherwise a new one is allocated unless the role already has
// MaxBuffers alive, in which case ErrResourceExhausted is returned.
func (p *BufferPool) Take(role BufferRole) (*Buffer, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	rp, err := p.rolePool(role)
	if err != nil {
		return nil, err
	}

	buf, ok := rp.free.Dequeue()
	if !ok {
		// Grow under the cap.
		for {
			current := rp.allocated.Load()
			if p.maxLive > 0 && current >= p.maxLive {
				rp.exhausted.Inc()
				p.log.Debug().Stringer("role", role).Int64("allocated", current).Msg("buffer take refused")
				return nil, fmt.Errorf("%s buffers: %w", role, ErrResourceExhausted)
			}
			if rp.allocated.CompareAndSwap(current, current+1) {
				break
			}
		}
		buf = newBuffer(rp.size, role)
		buf.owner = p
	}

	buf.leased.Store(true)
	rp.inUse.Inc()

	return buf, nil
}

// Give returns a leased buffer. The buffer is zeroed before it becomes
// visible to another Take. Giving the same buffer twice fails with
// ErrBufferNotLeased and leaves the pool untouched, as does giving a buffer
// taken from another pool.
func (p *BufferPool) Give(buf *Buffer) error {
	if buf == nil {
		return nil
	}
	if buf.owner != p {
		return ErrBufferNotLeased
	}

	if !buf.leased.CompareAndSwap(true, false) {
		return ErrBufferNotLeased
	}

	rp, err := p.rolePool(buf.role)
	if err != nil {
		return err
	}
	rp.inUse.Dec()

	if p.closed.Load() || rp.free.Len() >= uint64(p.maxIdle) {
		rp.allocated.Dec()
		return nil
	}

	buf.Reset()
	if !rp.free.Enqueue(buf) {
		rp.allocated.Dec()
	}

	return nil
}

// Stats returns one snapshot per role, indexed by BufferRole.
func (p *BufferPool) Stats() []PoolStats {
	out := make([]PoolStats, 0, len(p.roles))
	for _, rp := range p.roles {
		out = append(out, PoolStats{
			Role:      rp.role,
			Size:      rp.size,
			Allocated: rp.allocated.Load(),
			Idle:      int(rp.free.Len()),
			InUse:     rp.inUse.Load(),
			Exhausted: rp.exhausted.Load(),
		})
	}
	return out
}

// Release drops every idle buffer and makes later takes fail with
// ErrPoolClosed. Leased buffers may still be given back. It is safe to call
// more than once.
func (p *BufferPool) Release() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	for _, rp := range p.roles {
		dropped := rp.free.Drain()
		rp.allocated.Sub(int64(len(dropped)))
	}

	p.log.Debug().Msg("buffer pool released")
}

// Closed reports whether Release has been called.
func (p *BufferPool) Closed() bool {
	return p.closed.Load()
}
