package tracing

import "time"

// A TaskStep represents a milestone in the processing of task
type TaskStep struct {
	Time time.Time `json:"time"`
	What string    `json:"what"`
}

// A Task is a unit of work done by a domain, such as mapping one buffer.
type Task struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id"`
	Kind      string     `json:"kind"`
	What      string     `json:"what"`
	Location  string     `json:"location"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Steps     []TaskStep `json:"steps"`
	Detail    any        `json:"-"`
}

// TaskFilter is a function that can filter interesting tasks. If this function
// returns true, the task is considered useful.
type TaskFilter func(t Task) bool

// A TimeTeller tells the current time.
type TimeTeller interface {
	CurrentTime() time.Time
}

// WallClock tells the time of the host.
type WallClock struct{}

// CurrentTime returns time.Now.
func (WallClock) CurrentTime() time.Time {
	return time.Now()
}
