package usecase

import (
	"context"
	"log/slog"

	"persona-sms/internal/domain"
	"persona-sms/internal/persona"
)

// maxResetEntries bounds a single reset read. The log's TTL keeps a
// conversation well under it.
const maxResetEntries = 10000

// reset consumes every pending inbound message for key, including the clear
// keyword itself. Nothing is sent back.
func (s *RespondService) reset(ctx context.Context, key domain.ConversationKey) (RespondOutput, error) {
	entries, err := s.log.FetchHistory(ctx, key, maxResetEntries, s.settings.HistoryWait)
	if err != nil {
		return RespondOutput{}, newError(ErrorUpstream, "history_fetch_error", err)
	}

	acked, err := s.log.Acknowledge(ctx, entries)
	out := RespondOutput{Action: ActionReset, Persona: persona.None, Cleared: acked}
	if err != nil {
		return out, newError(ErrorUpstream, "history_ack_error", err)
	}
	slog.InfoContext(ctx, "conversation reset", "conversation", key, "cleared", acked)
	return out, nil
}
