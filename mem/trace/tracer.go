// Package trace provides tracers that record the mapping operations of the
// GPU memory manager.
package trace

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/datarecording"
	"github.com/sarchlab/gpuvm/tracing"
)

// A rangeDetail is a task detail that covers a range of virtual addresses.
type rangeDetail interface {
	GetAddress() uint64
	GetByteSize() uint64
}

// A failableDetail is a task detail that knows whether the task failed.
type failableDetail interface {
	GetErr() error
}

// TableName is the table the database tracer writes to.
const TableName = "mapping_tasks"

// A TaskEntry is one traced operation in the database.
type TaskEntry struct {
	ID           string
	AddressSpace string
	Kind         string
	What         string
	StartTime    float64
	EndTime      float64
	Address      uint64
	ByteSize     uint64
	Error        string

	// Steps lists the milestones of the operation, separated by commas.
	Steps string
}

func stepNames(steps []tracing.TaskStep) string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.What
	}

	return strings.Join(names, ",")
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// A tracer is a hook that writes the operations of an address space to a
// logger.
type tracer struct {
	timeTeller tracing.TimeTeller
	log        logrus.FieldLogger

	lock    sync.Mutex
	pending map[string]tracing.Task
}

// NewTracer creates a tracer that logs every operation at debug level when
// it ends.
func NewTracer(
	log logrus.FieldLogger,
	timeTeller tracing.TimeTeller,
) tracing.Tracer {
	return &tracer{
		timeTeller: timeTeller,
		log:        log,
		pending:    make(map[string]tracing.Task),
	}
}

// StartTask marks the start of an operation
func (t *tracer) StartTask(task tracing.Task) {
	if _, ok := task.Detail.(rangeDetail); !ok {
		return
	}

	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.pending[task.ID] = task
	t.lock.Unlock()
}

// StepTask remembers a milestone of an operation.
func (t *tracer) StepTask(task tracing.Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.pending[task.ID]
	if !ok {
		return
	}

	original.Steps = append(original.Steps, task.Steps...)
	t.pending[task.ID] = original
}

// EndTask logs the operation
func (t *tracer) EndTask(task tracing.Task) {
	t.lock.Lock()
	original, ok := t.pending[task.ID]
	delete(t.pending, task.ID)
	t.lock.Unlock()

	if !ok {
		return
	}

	detail := original.Detail.(rangeDetail)
	entry := t.log.WithFields(logrus.Fields{
		"task":     original.ID,
		"as":       original.Location,
		"what":     original.What,
		"va":       fmt.Sprintf("%#x", detail.GetAddress()),
		"size":     detail.GetByteSize(),
		"duration": t.timeTeller.CurrentTime().Sub(original.StartTime),
	})

	if len(original.Steps) > 0 {
		entry = entry.WithField("steps", stepNames(original.Steps))
	}

	if f, ok := original.Detail.(failableDetail); ok && f.GetErr() != nil {
		entry.WithError(f.GetErr()).Debug(original.Kind + " failed")
		return
	}

	entry.Debug(original.Kind)
}

// A dbTracer is a hook that records the operations of an address space into
// a database using the data recorder.
type dbTracer struct {
	timeTeller   tracing.TimeTeller
	dataRecorder datarecording.DataRecorder

	lock    sync.Mutex
	pending map[string]*pendingTask
}

type pendingTask struct {
	entry  TaskEntry
	detail rangeDetail
}

// NewDBTracer creates a tracer that writes a TaskEntry for every operation
// into the mapping_tasks table.
func NewDBTracer(
	dataRecorder datarecording.DataRecorder,
	timeTeller tracing.TimeTeller,
) tracing.Tracer {
	t := &dbTracer{
		timeTeller:   timeTeller,
		dataRecorder: dataRecorder,
		pending:      make(map[string]*pendingTask),
	}

	t.dataRecorder.CreateTable(TableName, TaskEntry{})

	return t
}

// StartTask marks the start of an operation
func (t *dbTracer) StartTask(task tracing.Task) {
	detail, ok := task.Detail.(rangeDetail)
	if !ok {
		return
	}

	p := &pendingTask{
		entry: TaskEntry{
			ID:           task.ID,
			AddressSpace: task.Location,
			Kind:         task.Kind,
			What:         task.What,
			StartTime:    seconds(t.timeTeller.CurrentTime()),
		},
		detail: detail,
	}

	t.lock.Lock()
	t.pending[task.ID] = p
	t.lock.Unlock()
}

// StepTask appends a milestone to the entry of an operation.
func (t *dbTracer) StepTask(task tracing.Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	p, ok := t.pending[task.ID]
	if !ok || len(task.Steps) == 0 {
		return
	}

	steps := stepNames(task.Steps)
	if p.entry.Steps != "" {
		steps = p.entry.Steps + "," + steps
	}

	p.entry.Steps = steps
}

// EndTask completes the entry of an operation and hands it to the recorder.
// The address and size are taken at the end, when the operation has
// filled them in.
func (t *dbTracer) EndTask(task tracing.Task) {
	t.lock.Lock()
	p, ok := t.pending[task.ID]
	delete(t.pending, task.ID)
	t.lock.Unlock()

	if !ok {
		return
	}

	entry := p.entry
	entry.EndTime = seconds(t.timeTeller.CurrentTime())
	entry.Address = p.detail.GetAddress()
	entry.ByteSize = p.detail.GetByteSize()

	if f, ok := p.detail.(failableDetail); ok && f.GetErr() != nil {
		entry.Error = f.GetErr().Error()
	}

	t.dataRecorder.InsertData(TableName, entry)
}
