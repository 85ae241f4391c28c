package vaalloc

import "math/bits"

// bitmap tracks used units, one bit per unit.
type bitmap struct {
	words []uint64
	size  uint64
}

func newBitmap(size uint64) bitmap {
	return bitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// firstZero returns the first clear bit in [start, size).
func (b *bitmap) firstZero(start uint64) (uint64, bool) {
	if start >= b.size {
		return 0, false
	}

	i := start / 64
	w := b.words[i] | (uint64(1)<<(start%64) - 1)

	for {
		if w != ^uint64(0) {
			bit := i*64 + uint64(bits.TrailingZeros64(^w))
			return bit, bit < b.size
		}

		i++
		if i == uint64(len(b.words)) {
			return 0, false
		}

		w = b.words[i]
	}
}

// firstOne returns the first set bit in [start, end).
func (b *bitmap) firstOne(start, end uint64) (uint64, bool) {
	if start >= end {
		return 0, false
	}

	i := start / 64
	w := b.words[i] & (^uint64(0) << (start % 64))

	for {
		if w != 0 {
			bit := i*64 + uint64(bits.TrailingZeros64(w))
			return bit, bit < end
		}

		i++
		if i*64 >= end {
			return 0, false
		}

		w = b.words[i]
	}
}

// setRange sets or clears the bits in [begin, end).
func (b *bitmap) setRange(begin, end uint64, v bool) {
	for i := begin; i < end; {
		word, off := i/64, i%64
		n := min(64-off, end-i)

		mask := ^uint64(0)
		if n < 64 {
			mask = (uint64(1)<<n - 1) << off
		}

		if v {
			b.words[word] |= mask
		} else {
			b.words[word] &^= mask
		}

		i += n
	}
}
