// ABOUTME: Runtime status values and the allowed transitions between them
// ABOUTME: Paused is reachable from any non-terminal status and resumes to idle

package agent

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a runtime.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusWaiting   Status = "waiting"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

var (
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrBusy is returned when a completion is already in flight.
	ErrBusy = errors.New("runtime busy with another completion")
)

var transitions = map[Status][]Status{
	StatusIdle:    {StatusWorking, StatusCompleted},
	StatusWorking: {StatusIdle, StatusWaiting, StatusError, StatusCompleted},
	StatusWaiting: {StatusWorking, StatusIdle, StatusError},
	StatusError:   {StatusIdle, StatusWorking},
	StatusPaused:  {StatusIdle},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	if to == StatusPaused {
		return !from.Terminal() && from != StatusPaused
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
