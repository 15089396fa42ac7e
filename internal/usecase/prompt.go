package usecase

import (
	"persona-sms/internal/domain"
	"persona-sms/internal/persona"
)

// buildPromptMessages orders the prompt as: tone directive, persona directive,
// replayed history, current message. The persona turn precedes the history so
// earlier turns are read through the active persona.
func buildPromptMessages(personas *persona.Table, state conversationState, current historyEvent) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(state.turns)+3)
	messages = append(messages,
		domain.ChatMessage{Role: domain.RoleSystem, Content: personas.System()},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: personas.Directive(state.persona)},
	)
	for _, turn := range state.turns {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: turn})
	}

	// The current message is usually already in the log; don't inject it twice.
	if current.kind == entryContent && current.text != "" && !containsContent(messages, current.text) {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: current.text})
	}
	return messages
}

func containsContent(messages []domain.ChatMessage, text string) bool {
	for _, m := range messages {
		if m.Content == text {
			return true
		}
	}
	return false
}
