// Package model provides LLM integration adapters for workflow steps.
package model

import "context"

// ChatModel is the interface for LLM chat providers.
//
// It abstracts the differences between providers (Anthropic, OpenAI,
// Google) behind one chat call. Implementations should:
//   - Handle provider-specific authentication
//   - Convert the common Message format to the provider's format
//   - Parse provider responses back into ChatOut
//   - Respect context cancellation and timeouts
//
// Example:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "Summarize these findings."},
//	})
type ChatModel interface {
	// Chat sends the conversation to the LLM and returns its response.
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is one message in an LLM conversation.
type Message struct {
	// Role identifies the sender; use the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard role constants, aligned with the conventions of the major
// providers.
const (
	// RoleSystem sets context or instructions; typically first.
	RoleSystem = "system"

	// RoleUser carries user input.
	RoleUser = "user"

	// RoleAssistant carries an LLM response.
	RoleAssistant = "assistant"
)

// ChatOut is a provider-neutral LLM response.
type ChatOut struct {
	// Text is the generated text.
	Text string

	// InputTokens and OutputTokens report token usage where the provider
	// supplies it; zero otherwise.
	InputTokens  int
	OutputTokens int
}
