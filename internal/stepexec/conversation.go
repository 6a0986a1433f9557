package stepexec

import "github.com/fyrsmithlabs/repoflow/internal/llm"

// Conversation is an append-only message list passed by value. With never
// touches the receiver's backing array, so earlier values stay valid after a
// retry derives a new one.
type Conversation struct {
	msgs []llm.Message
}

// NewConversation starts a conversation from msgs.
func NewConversation(msgs ...llm.Message) Conversation {
	return Conversation{}.With(msgs...)
}

// With returns a new conversation with msgs appended.
func (c Conversation) With(msgs ...llm.Message) Conversation {
	next := make([]llm.Message, len(c.msgs), len(c.msgs)+len(msgs))
	copy(next, c.msgs)
	return Conversation{msgs: append(next, msgs...)}
}

// Messages returns a copy of the messages.
func (c Conversation) Messages() []llm.Message {
	out := make([]llm.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Len returns the number of messages.
func (c Conversation) Len() int {
	return len(c.msgs)
}
