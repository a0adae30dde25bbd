// Package llm defines the Provider interface for the Large Language Model
// backends used by transcript deduplication and summary generation.
//
// A provider wraps a remote or local chat-completion API (OpenAI, Anthropic,
// Ollama, a Lambda-style OpenAI-compatible endpoint, …) behind one uniform
// call so the deduplication engine never couples to a specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is one turn of a chat-completion conversation.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one completion.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before Messages.
	SystemPrompt string

	// Messages is the ordered conversation. At minimum one user message.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Deduplication
	// uses a low temperature for consistent output.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	// Complete performs one blocking completion. Implementations must
	// honour ctx cancellation and deadlines; the caller supplies the hard
	// timeout for the call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier recorded on processed transcripts
	// (e.g., "gpt-4o-mini", "llama-4-maverick-17b-128e-instruct-fp8").
	Model() string
}
