// Package packet implements the packet buffer lifecycle and zero-copy
// conveyance primitives: a byte region with a cursor, a FIFO queue, and
// network-byte-order cursor helpers that support the "reserve header
// space, write payload, rewind and patch" idiom used by every encoder in
// the stack.
package packet

import "encoding/binary"

// Flag is a bit in a Buffer's flag set.
type Flag uint8

const (
	FlagTX Flag = 1 << iota
	FlagRX
	FlagKeep
	FlagError
)

// Allocator allocates and releases Buffers. The core never calls any other
// allocator primitive.
type Allocator interface {
	Allocate(size int) *Buffer
	Release(b *Buffer)
	Stats() AllocatorStats
}

// AllocatorStats exposes pool occupancy for internal/metrics to export.
// HighWater is the peak number of buffers concurrently allocated since
// startup, not a free-count peak.
type AllocatorStats struct {
	Free      int
	HighWater int
}

// Buffer is a raw byte region with a cursor: a data[0..size] region, a
// current cursor offset, and a logical count of valid bytes.
type Buffer struct {
	data    []byte
	current int
	count   int
	flags   Flag
	alloc   Allocator
	ifaceID int
}

// NewBuffer wraps data as a freshly allocated buffer owned by alloc. The
// cursor starts at the beginning and count starts at zero.
func NewBuffer(data []byte, alloc Allocator) *Buffer {
	return &Buffer{data: data, alloc: alloc}
}

// Data returns the full backing region.
func (b *Buffer) Data() []byte { return b.data }

// Cap returns the capacity of the backing region.
func (b *Buffer) Cap() int { return len(b.data) }

// Cursor returns the current cursor offset.
func (b *Buffer) Cursor() int { return b.current }

// SetCursor repositions the cursor directly (used to rewind for header
// patching after the payload has been written).
func (b *Buffer) SetCursor(c int) { b.current = c }

// Count returns the logical length: on a freshly allocated Tx buffer this
// starts at 0; on an Rx buffer delivered to the stack it is the number of
// valid bytes from the driver.
func (b *Buffer) Count() int { return b.count }

// SetCount sets the logical length directly (used by drivers populating an
// Rx buffer).
func (b *Buffer) SetCount(n int) { b.count = n }

// IfaceID returns the originating interface's id (0 if not yet attached to
// one).
func (b *Buffer) IfaceID() int { return b.ifaceID }

// SetIfaceID attaches an originating interface id.
func (b *Buffer) SetIfaceID(id int) { b.ifaceID = id }

// Flags returns the current flag bits.
func (b *Buffer) Flags() Flag { return b.flags }

// SetFlag ORs in a flag.
func (b *Buffer) SetFlag(f Flag) { b.flags |= f }

// ClearFlag ANDs out a flag.
func (b *Buffer) ClearFlag(f Flag) { b.flags &^= f }

// HasFlag reports whether f is set.
func (b *Buffer) HasFlag(f Flag) bool { return b.flags&f != 0 }

// Keep sets FlagKeep, suppressing release so the receiving callback may
// retain the buffer past its return.
func (b *Buffer) Keep() { b.SetFlag(FlagKeep) }

// Release returns the buffer to its allocator exactly once. Buffers
// flagged Keep must not be released by the caller that observed the flag;
// ownership has transferred to whoever set it.
func (b *Buffer) Release() {
	if b.alloc != nil {
		b.alloc.Release(b)
	}
}

// Remaining reports the number of bytes between the cursor and the end of
// the backing region (the buffer's full capacity), for Rx and Tx buffers
// alike; it does not consult Count().
func (b *Buffer) Remaining() int { return len(b.data) - b.current }

// Skip advances the cursor by n bytes without reading or writing — used to
// reserve header space before a payload write.
func (b *Buffer) Skip(n int) { b.current += n }

// Consume advances the cursor by n bytes and shrinks count by the same
// amount, for skipping a region on the Rx path that was already validated
// by direct byte indexing rather than through the typed Read helpers (a
// fixed Ethernet header, IPv4 options). It keeps Cursor()+Count() equal to
// the buffer's logical end the same way the Read helpers do.
func (b *Buffer) Consume(n int) {
	b.current += n
	b.shrinkCount(n)
}

// --- cursor read/write helpers, all network byte order (big-endian) ---

// WriteU8 writes one byte at the cursor, advances it, and grows count.
func (b *Buffer) WriteU8(v uint8) {
	b.data[b.current] = v
	b.current++
	b.growCount(1)
}

// WriteU16 writes a big-endian uint16 at the cursor, advances it, and grows
// count.
func (b *Buffer) WriteU16(v uint16) {
	binary.BigEndian.PutUint16(b.data[b.current:], v)
	b.current += 2
	b.growCount(2)
}

// WriteU32 writes a big-endian uint32 at the cursor, advances it, and grows
// count.
func (b *Buffer) WriteU32(v uint32) {
	binary.BigEndian.PutUint32(b.data[b.current:], v)
	b.current += 4
	b.growCount(4)
}

// WriteBytes copies p at the cursor, advances it, and grows count.
func (b *Buffer) WriteBytes(p []byte) {
	n := copy(b.data[b.current:], p)
	b.current += n
	b.growCount(n)
}

// ReadU8 reads one byte at the cursor, advances it, and decrements count.
func (b *Buffer) ReadU8() uint8 {
	v := b.data[b.current]
	b.current++
	b.shrinkCount(1)
	return v
}

// ReadU16 reads a big-endian uint16 at the cursor, advances it, and
// decrements count.
func (b *Buffer) ReadU16() uint16 {
	v := binary.BigEndian.Uint16(b.data[b.current:])
	b.current += 2
	b.shrinkCount(2)
	return v
}

// ReadU32 reads a big-endian uint32 at the cursor, advances it, and
// decrements count.
func (b *Buffer) ReadU32() uint32 {
	v := binary.BigEndian.Uint32(b.data[b.current:])
	b.current += 4
	b.shrinkCount(4)
	return v
}

// ReadBytes reads n bytes at the cursor, advances it, and decrements count.
func (b *Buffer) ReadBytes(n int) []byte {
	v := b.data[b.current : b.current+n]
	b.current += n
	b.shrinkCount(n)
	return v
}

func (b *Buffer) growCount(n int) {
	if end := b.current; end > b.count {
		b.count = end
	}
	_ = n
}

func (b *Buffer) shrinkCount(n int) {
	b.count -= n
	if b.count < 0 {
		b.count = 0
	}
}
