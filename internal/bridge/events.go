// ABOUTME: Agent lifecycle event kinds and the per-run transition table
// ABOUTME: STARTED, THINKING, TOOL_EXECUTING, TOOL_COMPLETED, then COMPLETED or ERROR

package bridge

import (
	"fmt"
	"strings"
)

// Kind is an agent lifecycle event kind. The value is the wire event name.
type Kind string

const (
	KindStarted       Kind = "agent_started"
	KindThinking      Kind = "agent_thinking"
	KindToolExecuting Kind = "tool_executing"
	KindToolCompleted Kind = "tool_completed"
	KindCompleted     Kind = "agent_completed"
	KindError         Kind = "agent_error"
)

// kindNone is the state of a run that has not emitted anything yet.
const kindNone Kind = ""

var kinds = []Kind{KindStarted, KindThinking, KindToolExecuting, KindToolCompleted, KindCompleted, KindError}

// transitions lists, for each state, the kinds that may follow it.
// Terminal kinds have no entry and accept nothing.
var transitions = map[Kind][]Kind{
	kindNone:          {KindStarted, KindError},
	KindStarted:       {KindThinking, KindToolExecuting, KindCompleted, KindError},
	KindThinking:      {KindThinking, KindToolExecuting, KindCompleted, KindError},
	KindToolExecuting: {KindThinking, KindToolExecuting, KindToolCompleted, KindError},
	KindToolCompleted: {KindThinking, KindToolExecuting, KindCompleted, KindError},
}

// Terminal reports whether k ends a run.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindError
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// CanFollow reports whether k may be emitted after state.
func (k Kind) CanFollow(state Kind) bool {
	for _, next := range transitions[state] {
		if next == k {
			return true
		}
	}
	return false
}

// ParseKind accepts a wire event name ("agent_thinking") or a lifecycle
// name ("THINKING"), case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent_started", "started":
		return KindStarted, nil
	case "agent_thinking", "thinking":
		return KindThinking, nil
	case "tool_executing":
		return KindToolExecuting, nil
	case "tool_completed":
		return KindToolCompleted, nil
	case "agent_completed", "completed":
		return KindCompleted, nil
	case "agent_error", "error":
		return KindError, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}
