package tracing

import (
	"fmt"
	"reflect"
	"sync"
)

// A Tracer can collect task traces
type Tracer interface {
	StartTask(task Task)
	StepTask(task Task)
	EndTask(task Task)
}

// CollectTrace attaches a tracer to a domain. With filters, the tracer only
// sees the tasks that every filter accepts when the task starts. Steps and
// ends of rejected tasks are dropped too.
func CollectTrace(domain NamedHookable, tracer Tracer, filters ...TaskFilter) {
	for _, hook := range domain.Hooks() {
		hook, ok := hook.(*traceHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	h := &traceHook{t: tracer, filters: filters}
	if len(filters) > 0 {
		h.accepted = make(map[string]bool)
	}

	domain.AcceptHook(h)
}

// KindIs accepts tasks of the given kinds.
func KindIs(kinds ...string) TaskFilter {
	return func(t Task) bool {
		for _, k := range kinds {
			if t.Kind == k {
				return true
			}
		}

		return false
	}
}

type traceHook struct {
	t       Tracer
	filters []TaskFilter

	lock     sync.Mutex
	accepted map[string]bool
}

func (h *traceHook) Func(ctx HookCtx) {
	task := ctx.Item.(Task)

	switch ctx.Pos {
	case HookPosTaskStart:
		if !h.accept(task) {
			return
		}

		h.t.StartTask(task)
	case HookPosTaskStep:
		if h.isFiltered(task.ID, false) {
			return
		}

		h.t.StepTask(task)
	case HookPosTaskEnd:
		if h.isFiltered(task.ID, true) {
			return
		}

		h.t.EndTask(task)
	}
}

func (h *traceHook) accept(task Task) bool {
	if h.accepted == nil {
		return true
	}

	for _, f := range h.filters {
		if !f(task) {
			return false
		}
	}

	h.lock.Lock()
	h.accepted[task.ID] = true
	h.lock.Unlock()

	return true
}

func (h *traceHook) isFiltered(id string, done bool) bool {
	if h.accepted == nil {
		return false
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.accepted[id] {
		return true
	}

	if done {
		delete(h.accepted, id)
	}

	return false
}
