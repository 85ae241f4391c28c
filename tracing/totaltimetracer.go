package tracing

import (
	"sync"
	"time"
)

// TotalTimeTracer can collect the total time of executing a certain type of
// task. If the execution of two tasks overlaps, this tracer will simply add
// the two task processing time together.
type TotalTimeTracer struct {
	timeTeller    TimeTeller
	filter        TaskFilter
	lock          sync.Mutex
	totalTime     time.Duration
	count         uint64
	inflightTasks map[string]Task
}

// NewTotalTimeTracer creates a new TotalTimeTracer
func NewTotalTimeTracer(
	timeTeller TimeTeller,
	filter TaskFilter,
) *TotalTimeTracer {
	return &TotalTimeTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		inflightTasks: make(map[string]Task),
	}
}

// TotalTime returns the total time has been spent on a certain type of tasks.
func (t *TotalTimeTracer) TotalTime() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.totalTime
}

// Count returns the number of completed tasks.
func (t *TotalTimeTracer) Count() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.count
}

// StartTask records the task start time
func (t *TotalTimeTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask does nothing
func (t *TotalTimeTracer) StepTask(_ Task) {
	// Do nothing
}

// EndTask records the end of the task
func (t *TotalTimeTracer) EndTask(task Task) {
	end := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	t.totalTime += end.Sub(originalTask.StartTime)
	t.count++
	delete(t.inflightTasks, task.ID)
}
