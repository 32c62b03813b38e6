package depthwise

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/samcharles93/microconv/internal/tensor"
)

// DefaultCacheCapacity is the number of 16-bit weights one cache slot holds.
const DefaultCacheCapacity = 1024

// RepackCache holds one filter reordered from (1, fh, fw, oc) into
// (oc, fh, fw) with the filter offset pre-added. Weights are stored as
// little-endian int16 so the fast path can read two per 32-bit load.
//
// A cache is populated once per owner and filter. It is re-populated only
// when its owner loads a different filter tensor, shape or offset; the
// contents of a loaded filter are treated as constant.
type RepackCache struct {
	buf      []byte
	capacity int

	owner       uuid.UUID
	initialized bool
	repacks     int

	source       *tensor.Tensor
	sourceShape  tensor.Shape
	sourceOffset int32

	outDepth     int
	filterHeight int
	filterWidth  int
}

// NewRepackCache allocates a cache for capacity weights. A non-positive
// capacity selects DefaultCacheCapacity.
func NewRepackCache(capacity int) *RepackCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &RepackCache{buf: make([]byte, 2*capacity), capacity: capacity}
}

func (c *RepackCache) Capacity() int { return c.capacity }

// Owner returns the instance the cache is assigned to, or uuid.Nil.
func (c *RepackCache) Owner() uuid.UUID { return c.owner }

func (c *RepackCache) Initialized() bool { return c.initialized }

// Repacks counts how many times weights were written into the cache.
func (c *RepackCache) Repacks() int { return c.repacks }

// NeededSize is the number of cache entries a filter occupies when repacked
// for an input with inDepth channels.
func NeededSize(filter tensor.Shape, inDepth int) int {
	return filter[3] * filter[2] * filter[1] * inDepth
}

// Load repacks filter into the cache unless it already holds it. It fails
// with ErrCapacity when the filter does not fit and with ErrQuantization when
// filterOffset is not the negation of a uint8 zero point.
func (c *RepackCache) Load(filter *tensor.Tensor, filterOffset int32) error {
	if filter.DType != tensor.DTypeUint8 || filter.Shape.Rank() != 4 {
		return typeErrorf("repack needs a rank-4 uint8 filter, got %s %s", filter.DType, filter.Shape)
	}
	if filterOffset < -math.MaxUint8 || filterOffset > 0 {
		return quantErrorf("filter offset %d outside [-255, 0]", filterOffset)
	}
	needed := NeededSize(filter.Shape, 1)
	if needed > c.capacity {
		return capacityErrorf("size too large for reshaped weight buffer (%d needed, %d available)", needed, c.capacity)
	}
	if c.holds(filter, filterOffset) {
		return nil
	}
	c.filterHeight, c.filterWidth, c.outDepth = filter.Shape[1], filter.Shape[2], filter.Shape[3]
	for fy := range c.filterHeight {
		for fx := range c.filterWidth {
			for oc := range c.outDepth {
				w := int16(filter.U8[filter.Shape.Offset(0, fy, fx, oc)]) + int16(filterOffset)
				binary.LittleEndian.PutUint16(c.buf[2*c.index(oc, fy, fx):], uint16(w))
			}
		}
	}
	c.source, c.sourceShape, c.sourceOffset = filter, slices.Clone(filter.Shape), filterOffset
	c.initialized = true
	c.repacks++
	return nil
}

func (c *RepackCache) holds(filter *tensor.Tensor, filterOffset int32) bool {
	return c.initialized && c.source == filter && c.sourceShape.Equal(filter.Shape) && c.sourceOffset == filterOffset
}

func (c *RepackCache) index(oc, fy, fx int) int {
	return (oc*c.filterHeight+fy)*c.filterWidth + fx
}

// Weight returns the repacked weight for (oc, fy, fx).
func (c *RepackCache) Weight(oc, fy, fx int) int16 {
	return int16(binary.LittleEndian.Uint16(c.buf[2*c.index(oc, fy, fx):]))
}

// row returns the encoded weights of one filter row of channel oc.
func (c *RepackCache) row(oc, fy int) []byte {
	start := 2 * c.index(oc, fy, 0)
	return c.buf[start : start+2*c.filterWidth]
}

func (c *RepackCache) assign(owner uuid.UUID) {
	c.owner = owner
	c.initialized = false
	c.source, c.sourceShape, c.sourceOffset = nil, nil, 0
}
