package usecase

import (
	"persona-sms/internal/domain"
	"persona-sms/internal/persona"
)

type entryKind int

const (
	entryContent entryKind = iota
	entryPersonaSwitch
)

// historyEvent is a message classified as conversation content or as a
// persona switch. Classification happens once, when entries leave the log.
type historyEvent struct {
	kind    entryKind
	text    string
	persona persona.Persona
}

type conversationState struct {
	persona persona.Persona
	turns   []string
}

func classify(text string, personas *persona.Table) historyEvent {
	if p, ok := personas.Lookup(text); ok {
		return historyEvent{kind: entryPersonaSwitch, text: text, persona: p}
	}
	return historyEvent{kind: entryContent, text: text}
}

func classifyHistory(entries []domain.HistoryEntry, personas *persona.Table) []historyEvent {
	events := make([]historyEvent, 0, len(entries))
	for _, e := range entries {
		if e.Text == "" {
			continue
		}
		events = append(events, classify(e.Text, personas))
	}
	return events
}

// reduceConversation folds the classified stream in arrival order. The last
// persona switch wins; switches never become turns.
func reduceConversation(events []historyEvent) conversationState {
	state := conversationState{persona: persona.None}
	for _, ev := range events {
		switch ev.kind {
		case entryPersonaSwitch:
			state.persona = ev.persona
		default:
			state.turns = append(state.turns, ev.text)
		}
	}
	return state
}
