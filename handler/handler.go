package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"persona-sms/internal/domain"
	"persona-sms/internal/usecase"
)

type Responder interface {
	Respond(ctx context.Context, ev domain.InboundEvent) (usecase.RespondOutput, error)
}

type Handler struct {
	uc Responder
}

func NewHandler(uc Responder) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: responder must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle processes every event in the payload. Failures are logged and
// swallowed so the trigger does not redeliver; the next message for the same
// conversation replays whatever was recorded.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) error {
	logger := slog.Default().With("correlation_id", correlationID(ctx))

	evs, err := decodeEvents(raw)
	if err != nil {
		logger.ErrorContext(ctx, "invalid trigger payload", "code", usecase.ErrorInvalidInput, "err", err)
		return nil
	}

	for _, ev := range evs {
		log := logger.With("event_id", ev.ID, "event_type", ev.EventType, "conversation", ev.Key())
		out, err := h.uc.Respond(ctx, ev)
		if err != nil {
			var ue *usecase.Error
			if errors.As(err, &ue) {
				log.ErrorContext(ctx, "sms event failed",
					"code", ue.Code,
					"reason", ue.Reason,
					"segments_sent", out.Segments,
					"err", ue.Err,
				)
				continue
			}
			log.ErrorContext(ctx, "sms event failed", "code", usecase.ErrorInternal, "err", err)
			continue
		}
		log.InfoContext(ctx, "sms event processed",
			"action", out.Action,
			"persona", out.Persona,
			"source", out.Source.String(),
			"segments", out.Segments,
			"cleared", out.Cleared,
		)
	}
	return nil
}

func correlationID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.NewString()
}
