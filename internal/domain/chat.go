package domain

const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// ChatMessage is the provider-agnostic chat turn shape used by prompt assembly
// and the generator integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one generator call.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// CompletionSource records which response field produced a completion.
type CompletionSource int

const (
	// SourceMessageContent is choices[i].message.content.
	SourceMessageContent CompletionSource = iota
	// SourceLegacyText is choices[i].text from the older completion shape.
	SourceLegacyText
)

func (s CompletionSource) String() string {
	switch s {
	case SourceLegacyText:
		return "legacy_text"
	default:
		return "message_content"
	}
}

// Completion is the resolved generator output.
type Completion struct {
	Source CompletionSource
	Text   string
}
