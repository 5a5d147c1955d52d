// Package aslr tracks which slots of a cache segment must slide when the cache
// is loaded, and carries rebase targets handed from earlier passes to the binder.
package aslr

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// MinimumFixupAlignment is the granularity of the slide bitmap.
const MinimumFixupAlignment = 4

// Tracker records slide locations within one segment. Offsets are relative to
// the start of the segment buffer.
type Tracker interface {
	Add(off uint64)
	Remove(off uint64)
	Has(off uint64) bool
}

// Bitmap is the default Tracker with one bit per 4 byte slot.
type Bitmap struct {
	bits *bitset.BitSet
	size uint64
}

// NewBitmap tracks a region of size bytes. A trailing partial slot cannot hold
// a pointer and is dropped.
func NewBitmap(size uint64) *Bitmap {
	size -= size % MinimumFixupAlignment
	return &Bitmap{
		bits: bitset.New(uint(size / MinimumFixupAlignment)),
		size: size,
	}
}

func (b *Bitmap) index(off uint64) (uint, bool) {
	if off >= b.size {
		return 0, false
	}
	return uint(off / MinimumFixupAlignment), true
}

// Add marks off as a slide location. Offsets outside the region are ignored.
func (b *Bitmap) Add(off uint64) {
	if i, ok := b.index(off); ok {
		b.bits.Set(i)
	}
}

// Remove clears the slide mark at off.
func (b *Bitmap) Remove(off uint64) {
	if i, ok := b.index(off); ok {
		b.bits.Clear(i)
	}
}

// Has reports whether off is marked.
func (b *Bitmap) Has(off uint64) bool {
	if i, ok := b.index(off); ok {
		return b.bits.Test(i)
	}
	return false
}

// Count returns the number of marked slots.
func (b *Bitmap) Count() int {
	return int(b.bits.Count())
}

// Size returns the tracked region size in bytes.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// ForEach calls fn with the offset of every marked slot in increasing order.
// Returning false stops the walk.
func (b *Bitmap) ForEach(fn func(off uint64) bool) {
	for i, ok := b.bits.NextSet(0); ok; i, ok = b.bits.NextSet(i + 1) {
		if !fn(uint64(i) * MinimumFixupAlignment) {
			return
		}
	}
}

// Bytes returns the bitmap packed little endian, one bit per slot.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, (b.size/MinimumFixupAlignment+7)/8)
	b.ForEach(func(off uint64) bool {
		i := off / MinimumFixupAlignment
		out[i/8] |= 1 << (i % 8)
		return true
	})
	return out
}

// RebaseTargets holds rebase values computed by earlier passes, keyed by
// segment offset. The binder consumes them in place of the slot contents and
// clears them when it finishes the segment.
type RebaseTargets struct {
	mu       sync.RWMutex
	target32 map[uint64]uint32
	target64 map[uint64]uint64
}

// NewRebaseTargets returns an empty handoff table.
func NewRebaseTargets() *RebaseTargets {
	return &RebaseTargets{
		target32: make(map[uint64]uint32),
		target64: make(map[uint64]uint64),
	}
}

func (r *RebaseTargets) SetRebaseTarget32(off uint64, vmAddr uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target32[off] = vmAddr
}

func (r *RebaseTargets) SetRebaseTarget64(off uint64, vmAddr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target64[off] = vmAddr
}

func (r *RebaseTargets) HasRebaseTarget32(off uint64) (uint32, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.target32[off]
	return v, ok
}

func (r *RebaseTargets) HasRebaseTarget64(off uint64) (uint64, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.target64[off]
	return v, ok
}

// Len returns the number of pending targets of both widths.
func (r *RebaseTargets) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.target32) + len(r.target64)
}

// Clear drops every pending target.
func (r *RebaseTargets) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.target32)
	clear(r.target64)
}
