package agent

import (
	"github.com/cloudwego/eino/schema"
)

// Conversation is the ordered message log of one run. Tool-result messages
// must stay contiguous with the assistant message that produced them, so
// user-role hints raised mid-turn are deferred and flushed only after the
// turn's tool results are all in.
type Conversation struct {
	messages []*schema.Message

	// pending holds the tool-call ids of the current assistant turn that
	// have no result message yet.
	pending map[string]bool

	// deferred are user-role hints waiting for the turn to finish.
	deferred []string
}

// NewConversation starts a conversation with a system prompt and the user
// task.
func NewConversation(systemPrompt, task string) *Conversation {
	c := &Conversation{pending: make(map[string]bool)}
	if systemPrompt != "" {
		c.messages = append(c.messages, schema.SystemMessage(systemPrompt))
	}
	c.messages = append(c.messages, schema.UserMessage(task))
	return c
}

// Messages returns the current message slice (not a copy; callers must not
// mutate).
func (c *Conversation) Messages() []*schema.Message {
	return c.messages
}

// Len returns the message count.
func (c *Conversation) Len() int { return len(c.messages) }

// AddAssistant appends the assistant turn and registers its tool calls as
// pending.
func (c *Conversation) AddAssistant(msg *schema.Message) {
	c.messages = append(c.messages, msg)
	for _, tc := range msg.ToolCalls {
		c.pending[tc.ID] = true
	}
}

// AddToolResult appends a tool message for one of the current turn's tool
// calls, then flushes deferred hints once the turn is complete.
func (c *Conversation) AddToolResult(toolCallID, toolName, content string) {
	c.messages = append(c.messages, schema.ToolMessage(content, toolCallID, schema.WithToolName(toolName)))
	delete(c.pending, toolCallID)
	if len(c.pending) == 0 {
		c.flushDeferred()
	}
}

// AddUser appends a user message immediately. Must not be called while
// tool results are pending; use Defer for mid-turn hints.
func (c *Conversation) AddUser(content string) {
	c.messages = append(c.messages, schema.UserMessage(content))
}

// Defer queues a user-role hint to be appended after the current turn's
// tool messages. With no turn in flight it is appended immediately.
func (c *Conversation) Defer(hint string) {
	if len(c.pending) == 0 {
		c.AddUser(hint)
		return
	}
	c.deferred = append(c.deferred, hint)
}

func (c *Conversation) flushDeferred() {
	for _, h := range c.deferred {
		c.AddUser(h)
	}
	c.deferred = nil
}

// PendingToolCalls reports how many tool calls of the current turn still
// lack results.
func (c *Conversation) PendingToolCalls() int { return len(c.pending) }
