package chip

import "github.com/sarchlab/gpuvm/mem/vm"

// GK20A memory kinds used by this package and its callers.
const (
	KindPitch        = vm.KindPitch
	KindZ16          vm.Kind = 0x01
	KindZ16_2C       vm.Kind = 0x02
	KindZ16_MS2_2C   vm.Kind = 0x03
	KindC32_2C       vm.Kind = 0xd8
	KindC32_2CBR     vm.Kind = 0xd9
	KindC64_2C       vm.Kind = 0xe6
	KindGeneric16BX2 vm.Kind = 0xfe
)

// KindTable answers which kinds a chip supports and how compressible kinds
// degrade to uncompressed ones.
type KindTable struct {
	supported    map[vm.Kind]bool
	uncompressed map[vm.Kind]vm.Kind
}

// NewKindTable creates a table. Every key of compressible is a supported,
// compressible kind mapped to its uncompressed counterpart.
func NewKindTable(
	uncompressedKinds []vm.Kind,
	compressible map[vm.Kind]vm.Kind,
) *KindTable {
	t := &KindTable{
		supported:    make(map[vm.Kind]bool),
		uncompressed: make(map[vm.Kind]vm.Kind),
	}

	for _, k := range uncompressedKinds {
		t.supported[k] = true
	}

	for k, uc := range compressible {
		t.supported[k] = true
		t.uncompressed[k] = uc
	}

	return t
}

// IsSupported reports whether the hardware accepts the kind.
func (t *KindTable) IsSupported(k vm.Kind) bool {
	return t.supported[k]
}

// IsCompressible reports whether the kind uses compression tags.
func (t *KindTable) IsCompressible(k vm.Kind) bool {
	_, ok := t.uncompressed[k]
	return ok
}

// Uncompressed returns the uncompressed counterpart of k. Kinds that are not
// compressible map to vm.KindInvalid.
func (t *KindTable) Uncompressed(k vm.Kind) vm.Kind {
	uc, ok := t.uncompressed[k]
	if !ok {
		return vm.KindInvalid
	}

	return uc
}

func gk20aKinds() *KindTable {
	return NewKindTable(
		[]vm.Kind{KindPitch, KindZ16, KindGeneric16BX2},
		map[vm.Kind]vm.Kind{
			KindZ16_2C:     KindZ16,
			KindZ16_MS2_2C: KindZ16,
			KindC32_2C:     KindGeneric16BX2,
			KindC32_2CBR:   KindGeneric16BX2,
			KindC64_2C:     KindGeneric16BX2,
		},
	)
}
