// ABOUTME: Tests for event kind parsing and the lifecycle transition table
// ABOUTME: Table-driven checks of every allowed and forbidden transition

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"agent_started", KindStarted},
		{"STARTED", KindStarted},
		{"thinking", KindThinking},
		{" agent_thinking ", KindThinking},
		{"TOOL_EXECUTING", KindToolExecuting},
		{"tool_completed", KindToolCompleted},
		{"COMPLETED", KindCompleted},
		{"agent_error", KindError},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("agent_dreaming")
	assert.Error(t, err)
}

func TestCanFollow(t *testing.T) {
	allowed := map[Kind][]Kind{
		kindNone:          {KindStarted, KindError},
		KindStarted:       {KindThinking, KindToolExecuting, KindCompleted, KindError},
		KindThinking:      {KindThinking, KindToolExecuting, KindCompleted, KindError},
		KindToolExecuting: {KindThinking, KindToolExecuting, KindToolCompleted, KindError},
		KindToolCompleted: {KindThinking, KindToolExecuting, KindCompleted, KindError},
		KindCompleted:     nil,
		KindError:         nil,
	}

	for from, next := range allowed {
		for _, k := range kinds {
			want := false
			for _, n := range next {
				if n == k {
					want = true
				}
			}
			assert.Equal(t, want, k.CanFollow(from), "%q -> %q", from, k)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, k := range kinds {
		assert.Equal(t, k == KindCompleted || k == KindError, k.Terminal(), k)
	}
}
