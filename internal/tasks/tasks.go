// Package tasks describes the application sub-protocols peers can agree on
// and implements the selection rule used during the client handshake.
package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCommonTask means the peers do not share a task. It is fatal to the
	// session but is not a security failure.
	ErrNoCommonTask = errors.New("no common task")
	ErrInvalidTasks = errors.New("invalid task list")
)

// Task is a task name plus its configuration. The configuration is opaque to
// the signaling layer and is exchanged verbatim in the auth messages.
type Task struct {
	Name string
	Data map[string]any
}

// Negotiate returns the first proposed task whose name is in supported. The
// proposer's order is authoritative.
func Negotiate(proposed []Task, supported map[string]struct{}) (Task, error) {
	for _, t := range proposed {
		if _, ok := supported[t.Name]; ok {
			return t, nil
		}
	}
	return Task{}, ErrNoCommonTask
}

// Validate requires every task to have a unique, non-empty name.
func Validate(list []Task) error {
	if len(list) == 0 {
		return fmt.Errorf("%w: at least one task is required", ErrInvalidTasks)
	}
	seen := make(map[string]struct{}, len(list))
	for i, t := range list {
		if t.Name == "" {
			return fmt.Errorf("%w: task %d has an empty name", ErrInvalidTasks, i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: task %q listed twice", ErrInvalidTasks, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

func Names(list []Task) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Name
	}
	return out
}

func SupportedSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// DataMap builds the "data" field of an auth message.
func DataMap(list []Task) map[string]map[string]any {
	out := make(map[string]map[string]any, len(list))
	for _, t := range list {
		out[t.Name] = t.Data
	}
	return out
}

func Find(list []Task, name string) (Task, bool) {
	for _, t := range list {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}
