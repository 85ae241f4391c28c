package monitoring

import (
	"sync"
	"time"
)

// A ProgressBar tracks how many operations of a workload have finished.
type ProgressBar struct {
	sync.Mutex
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	Finished   uint64    `json:"finished"`
	Failed     uint64    `json:"failed"`
	InProgress uint64    `json:"in_progress"`
}

// Start marks an operation as in progress.
func (b *ProgressBar) Start() {
	b.Lock()
	defer b.Unlock()

	b.InProgress++
}

// Finish moves an in-progress operation to the finished ones. Failed
// operations are counted as finished too.
func (b *ProgressBar) Finish(failed bool) {
	b.Lock()
	defer b.Unlock()

	b.InProgress--
	b.Finished++

	if failed {
		b.Failed++
	}
}

// Counts returns the number of finished and failed operations.
func (b *ProgressBar) Counts() (finished, failed uint64) {
	b.Lock()
	defer b.Unlock()

	return b.Finished, b.Failed
}
