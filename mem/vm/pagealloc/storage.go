package pagealloc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// A Storage holds the bytes of simulated DMA memory.
//
// The storage manages memory in units of 4KB. Units that are never touched by
// Read or Write do not consume host memory, so a large capacity is cheap.
type Storage struct {
	sync.Mutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		unitSize: 4096,
		capacity: capacity,
		data:     make(map[uint64][]byte),
	}
}

// Capacity returns the number of addressable bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) unit(address uint64) ([]byte, error) {
	if address >= s.capacity {
		return nil, fmt.Errorf("address %#x beyond capacity %#x: %w",
			address, s.capacity, vm.ErrInvalidArgument)
	}

	baseAddr, _ := s.parseAddress(address)

	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit, nil
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return baseAddr, inUnitAddr
}

// Read returns length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	res := make([]byte, length)
	done := uint64(0)

	for done < length {
		curr := address + done

		unit, err := s.unit(curr)
		if err != nil {
			return nil, err
		}

		baseAddr, inUnitAddr := s.parseAddress(curr)
		n := min(length-done, baseAddr+s.unitSize-curr)

		copy(res[done:done+n], unit[inUnitAddr:inUnitAddr+n])
		done += n
	}

	return res, nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	s.Lock()
	defer s.Unlock()

	length := uint64(len(data))
	done := uint64(0)

	for done < length {
		curr := address + done

		unit, err := s.unit(curr)
		if err != nil {
			return err
		}

		baseAddr, inUnitAddr := s.parseAddress(curr)
		n := min(length-done, baseAddr+s.unitSize-curr)

		copy(unit[inUnitAddr:inUnitAddr+n], data[done:done+n])
		done += n
	}

	return nil
}

// Zero drops the units fully covered by [address, address+length) and clears
// the partial ones.
func (s *Storage) Zero(address, length uint64) {
	s.Lock()
	defer s.Unlock()

	for curr := address; curr < address+length; {
		baseAddr, inUnitAddr := s.parseAddress(curr)
		n := min(address+length-curr, s.unitSize-inUnitAddr)

		if inUnitAddr == 0 && n == s.unitSize {
			delete(s.data, baseAddr)
		} else if unit, ok := s.data[baseAddr]; ok {
			clear(unit[inUnitAddr : inUnitAddr+n])
		}

		curr += n
	}
}

// Read32 reads a little-endian 32-bit word.
func (s *Storage) Read32(address uint64) (uint32, error) {
	b, err := s.Read(address, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// Write32 writes a little-endian 32-bit word.
func (s *Storage) Write32(address uint64, v uint32) error {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)

	return s.Write(address, b[:])
}
