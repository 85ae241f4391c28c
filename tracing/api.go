// Package tracing lets components report the tasks they perform to tracers.
package tracing

import (
	"github.com/rs/xid"
)

// NamedHookable represent something both have a name and can be hooked
type NamedHookable interface {
	Hookable
	Name() string
	InvokeHook(HookCtx)
}

// A list of hook poses for the hooks to apply to
var (
	HookPosTaskStart = &HookPos{Name: "HookPosTaskStart"}
	HookPosTaskStep  = &HookPos{Name: "HookPosTaskStep"}
	HookPosTaskEnd   = &HookPos{Name: "HookPosTaskEnd"}
)

// NewTaskID returns a globally unique task ID.
func NewTaskID() string {
	return xid.New().String()
}

// StartTask notifies the hooks that hook to the domain about the start of a
// task.
func StartTask(
	id string,
	parentID string,
	domain NamedHookable,
	kind string,
	what string,
	detail any,
) {
	StartTaskWithSpecificLocation(
		id, parentID, domain, kind, what, domain.Name(), detail)
}

func allRequiredFieldsMustBeNotEmpty(
	id string,
	domain NamedHookable,
	kind string,
	what string,
) {
	if id == "" {
		panic("id must not be empty")
	}

	if domain == nil {
		panic("domain must not be nil")
	}

	if kind == "" {
		panic("kind must not be empty")
	}

	if what == "" {
		panic("what must not be empty")
	}
}

// StartTaskWithSpecificLocation notifies the hooks that hook to the domain
// about the start of a task, and is able to customize the location of the
// task.
func StartTaskWithSpecificLocation(
	id string,
	parentID string,
	domain NamedHookable,
	kind string,
	what string,
	location string,
	detail any,
) {
	if domain.NumHooks() == 0 {
		return
	}

	allRequiredFieldsMustBeNotEmpty(id, domain, kind, what)

	if location == "" {
		panic("location must not be empty")
	}

	task := Task{
		ID:       id,
		ParentID: parentID,
		Kind:     kind,
		What:     what,
		Location: location,
		Detail:   detail,
	}
	domain.InvokeHook(HookCtx{
		Domain: domain,
		Item:   task,
		Pos:    HookPosTaskStart,
	})
}

// AddTaskStep marks that a milestone has been reached when processing a task.
func AddTaskStep(
	id string,
	domain NamedHookable,
	what string,
) {
	if domain.NumHooks() == 0 {
		return
	}

	task := Task{
		ID:    id,
		Steps: []TaskStep{{What: what}},
	}
	domain.InvokeHook(HookCtx{
		Domain: domain,
		Item:   task,
		Pos:    HookPosTaskStep,
	})
}

// EndTask notifies the hooks about the end of a task.
func EndTask(
	id string,
	domain NamedHookable,
) {
	if domain.NumHooks() == 0 {
		return
	}

	domain.InvokeHook(HookCtx{
		Domain: domain,
		Item:   Task{ID: id},
		Pos:    HookPosTaskEnd,
	})
}
