package agent

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assistantWithCalls(ids ...string) *schema.Message {
	msg := &schema.Message{Role: schema.Assistant}
	for _, id := range ids {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID:       id,
			Function: schema.FunctionCall{Name: "click", Arguments: "{}"},
		})
	}
	return msg
}

func TestConversationStartsWithSystemAndTask(t *testing.T) {
	c := NewConversation("sys", "do the thing")
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, schema.User, msgs[1].Role)
}

func TestConversationToolResultContiguity(t *testing.T) {
	c := NewConversation("", "task")
	c.AddAssistant(assistantWithCalls("c1", "c2"))

	// A hint raised mid-turn must not land between tool messages.
	c.Defer("[系统提示] careful")
	c.AddToolResult("c1", "click", "ok 1")
	c.AddToolResult("c2", "click", "ok 2")

	msgs := c.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
	assert.Equal(t, schema.Tool, msgs[2].Role)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, schema.Tool, msgs[3].Role)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.Equal(t, schema.User, msgs[4].Role, "deferred hint comes after all tool results")
}

func TestConversationDeferWithoutPendingAppendsImmediately(t *testing.T) {
	c := NewConversation("", "task")
	c.Defer("hint now")
	msgs := c.Messages()
	assert.Equal(t, "hint now", msgs[len(msgs)-1].Content)
}

func TestConversationMultipleDeferredKeepOrder(t *testing.T) {
	c := NewConversation("", "task")
	c.AddAssistant(assistantWithCalls("c1"))
	c.Defer("first")
	c.Defer("second")
	c.AddToolResult("c1", "click", "ok")

	msgs := c.Messages()
	assert.Equal(t, "first", msgs[len(msgs)-2].Content)
	assert.Equal(t, "second", msgs[len(msgs)-1].Content)
	assert.Equal(t, 0, c.PendingToolCalls())
}
