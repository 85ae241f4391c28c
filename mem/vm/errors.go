package vm

import "errors"

// Errors reported by the GPU virtual memory manager. Callers match them with
// errors.Is; the packages under mem/vm wrap them with context.
var (
	ErrOutOfMemory         = errors.New("out of memory")
	ErrOutOfVASpace        = errors.New("out of virtual address space")
	ErrInvalidFixedMapping = errors.New("invalid fixed-offset mapping")
	ErrDuplicateVA         = errors.New("duplicated virtual address")
	ErrNotFound            = errors.New("not found")
	ErrUnsupportedPageSize = errors.New("unsupported page size")
	ErrUnsupportedKind     = errors.New("unsupported kind")
	ErrHardwareTimeout     = errors.New("hardware timeout")
	ErrInvalidArgument     = errors.New("invalid argument")
)
