package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/sideml"
)

// A gen_ai.choice event with no finish_reason attribute must still be
// marked IsOutputEvent so the feed pipeline can protect it from
// history-marking regardless of whether finish_reason was present.
func TestMessagesFromEvents_ChoiceEventWithoutFinishReason(t *testing.T) {
	candidates := []RawEventOrAttr{
		{EventName: "gen_ai.choice", Attrs: map[string]any{"content": "hello"}},
	}

	msgs, found := messagesFromEvents(candidates)
	require.True(t, found)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsOutputEvent)
	assert.Nil(t, msgs[0].Blocks[0].FinishReason)
}

func TestMessagesFromEvents_ChoiceEventWithFinishReason(t *testing.T) {
	candidates := []RawEventOrAttr{
		{EventName: "gen_ai.choice", Attrs: map[string]any{"content": "hello", "finish_reason": "stop"}},
	}

	msgs, found := messagesFromEvents(candidates)
	require.True(t, found)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsOutputEvent)
	require.NotNil(t, msgs[0].Blocks[0].FinishReason)
	assert.Equal(t, "stop", *msgs[0].Blocks[0].FinishReason)
}

// Input-role events (gen_ai.user.message etc.) never carry the
// output-event marker.
func TestMessagesFromEvents_InputEventNotOutput(t *testing.T) {
	candidates := []RawEventOrAttr{
		{EventName: "gen_ai.user.message", Attrs: map[string]any{"content": "hi"}},
	}

	msgs, found := messagesFromEvents(candidates)
	require.True(t, found)
	require.Len(t, msgs, 1)
	assert.Equal(t, sideml.RoleUser, msgs[0].Role)
	assert.False(t, msgs[0].IsOutputEvent)
}
