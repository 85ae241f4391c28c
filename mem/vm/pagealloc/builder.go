package pagealloc

import "github.com/sirupsen/logrus"

// A Builder can build SimAllocators.
type Builder struct {
	base     uint64
	capacity uint64
	log      logrus.FieldLogger
}

// MakeBuilder creates a builder with a 64MB pool at 1GB.
func MakeBuilder() Builder {
	return Builder{
		base:     1 << 30,
		capacity: 64 << 20,
	}
}

// WithBase sets the DMA address of the first byte of the pool.
func (b Builder) WithBase(base uint64) Builder {
	b.base = base
	return b
}

// WithCapacity sets the size of the pool in bytes.
func (b Builder) WithCapacity(capacity uint64) Builder {
	b.capacity = capacity
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates a SimAllocator.
func (b Builder) Build() *SimAllocator {
	if b.base%MinBlockSize != 0 {
		panic("pool base must be aligned to the block size")
	}

	log := b.log
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &SimAllocator{
		log:     log,
		storage: NewStorage(b.capacity),
		base:    b.base,
		next:    b.base,
		free:    make(map[uint64][]uint64),
	}
}
