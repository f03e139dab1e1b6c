// File: pool/convpool.go
// Author: momentics <momentics@gmail.com>
//
// Bounded FIFO of KCP conversation identifiers.

package pool

import (
	"fmt"

	"github.com/eapache/queue"

	"github.com/momentics/fasttun/api"
)

// ConvPool hands out conversation IDs in FIFO order. A released ID goes to
// the back of the queue, so recently used IDs are reused last.
// Not safe for concurrent use.
type ConvPool struct {
	free      *queue.Queue
	available map[uint32]struct{}
	base      uint32
	count     int
}

// NewConvPool seeds the pool with base, base+1, ..., base+count-1.
func NewConvPool(base uint32, count int) (*ConvPool, error) {
	if count <= 0 || uint64(base)+uint64(count)-1 > uint64(^uint32(0)) {
		return nil, fmt.Errorf("conv pool [%d,+%d): %w", base, count, api.ErrInvalidArgument)
	}
	p := &ConvPool{
		free:      queue.New(),
		available: make(map[uint32]struct{}, count),
		base:      base,
		count:     count,
	}
	for i := 0; i < count; i++ {
		id := base + uint32(i)
		p.free.Add(id)
		p.available[id] = struct{}{}
	}
	return p, nil
}

// Acquire removes and returns the oldest available ID.
func (p *ConvPool) Acquire() (uint32, error) {
	if p.free.Length() == 0 {
		return 0, fmt.Errorf("conv pool: %w", api.ErrResourceExhausted)
	}
	id := p.free.Remove().(uint32)
	delete(p.available, id)
	return id, nil
}

// Release returns id to the tail of the pool. IDs outside the seeded range
// and IDs that are already available are ignored.
func (p *ConvPool) Release(id uint32) bool {
	if id < p.base || uint64(id) >= uint64(p.base)+uint64(p.count) {
		return false
	}
	if _, ok := p.available[id]; ok {
		return false
	}
	p.available[id] = struct{}{}
	p.free.Add(id)
	return true
}

// Available reports how many IDs can still be acquired.
func (p *ConvPool) Available() int { return p.free.Length() }
