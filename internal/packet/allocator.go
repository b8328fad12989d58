package packet

import "sync"

// poolAllocator is a reference two-pool allocator: fixed-size "small" and
// "big" buffers drawn from preallocated free lists, falling back to the
// larger pool when a request exceeds the small size.
type poolAllocator struct {
	mu         sync.Mutex
	smallSize  int
	bigSize    int
	small      [][]byte
	big        [][]byte
	free       int
	capacity   int
	minFreeObs int // lowest Free() ever observed; capacity-minFreeObs is peak concurrent usage.
}

// NewPoolAllocator constructs the reference big/small pool allocator with
// smallCount buffers of smallSize bytes and bigCount buffers of bigSize
// bytes.
func NewPoolAllocator(smallSize, smallCount, bigSize, bigCount int) Allocator {
	p := &poolAllocator{smallSize: smallSize, bigSize: bigSize}
	for i := 0; i < smallCount; i++ {
		p.small = append(p.small, make([]byte, smallSize))
	}
	for i := 0; i < bigCount; i++ {
		p.big = append(p.big, make([]byte, bigSize))
	}
	p.free = smallCount + bigCount
	p.capacity = p.free
	p.minFreeObs = p.free
	return p
}

// Allocate returns a buffer able to hold at least size bytes, or nil if the
// pool is exhausted.
func (p *poolAllocator) Allocate(size int) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var data []byte
	if size <= p.smallSize && len(p.small) > 0 {
		data = p.small[len(p.small)-1]
		p.small = p.small[:len(p.small)-1]
	} else if size <= p.bigSize && len(p.big) > 0 {
		data = p.big[len(p.big)-1]
		p.big = p.big[:len(p.big)-1]
	} else {
		return nil
	}
	p.free--
	if p.free < p.minFreeObs {
		p.minFreeObs = p.free
	}
	return NewBuffer(data[:cap(data)], p)
}

// Release returns b's backing storage to the appropriately sized pool.
func (p *poolAllocator) Release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := b.data[:cap(b.data)]
	switch len(data) {
	case p.smallSize:
		p.small = append(p.small, data)
	case p.bigSize:
		p.big = append(p.big, data)
	}
	p.free++
	b.data = nil
	b.current = 0
	b.count = 0
	b.flags = 0
}

// Stats reports current occupancy for internal/metrics. HighWater is the
// peak number of buffers concurrently in use since startup (capacity minus
// the lowest free count ever observed), not a free-count peak.
func (p *poolAllocator) Stats() AllocatorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AllocatorStats{Free: p.free, HighWater: p.capacity - p.minFreeObs}
}
