package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"persona-sms/internal/domain"
	"persona-sms/internal/lock"
	"persona-sms/internal/persona"
)

const (
	defaultMaxHistory   = 100
	defaultHistoryWait  = 15 * time.Second
	defaultMaxTokens    = 100
	defaultClearKeyword = "Clear"
	defaultSMSTag       = "persona-relay"
	temperature         = 0.7
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type EventLog interface {
	AppendEvent(ctx context.Context, ev domain.InboundEvent) error
	FetchHistory(ctx context.Context, key domain.ConversationKey, limit int, wait time.Duration) ([]domain.HistoryEntry, error)
	Acknowledge(ctx context.Context, entries []domain.HistoryEntry) (int, error)
}

type Sender interface {
	Send(ctx context.Context, msg domain.OutboundSMS) (domain.SendResult, error)
}

type Locker interface {
	Acquire(ctx context.Context, key domain.ConversationKey) (lock.ReleaseFunc, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Settings tunes RespondService. Zero values select the defaults, except
// SegmentDelay where zero sends segments back to back.
type Settings struct {
	MaxHistory     int
	HistoryWait    time.Duration
	MaxTokens      int
	SegmentDelay   time.Duration
	ClearKeyword   string
	DeliveryReport bool
	Tag            string
}

func (s Settings) withDefaults() Settings {
	if s.MaxHistory <= 0 {
		s.MaxHistory = defaultMaxHistory
	}
	if s.HistoryWait <= 0 {
		s.HistoryWait = defaultHistoryWait
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = defaultMaxTokens
	}
	if s.SegmentDelay < 0 {
		s.SegmentDelay = 0
	}
	if s.ClearKeyword == "" {
		s.ClearKeyword = defaultClearKeyword
	}
	if s.Tag == "" {
		s.Tag = defaultSMSTag
	}
	return s
}

// Action reports what Respond did with an event.
type Action string

const (
	ActionReplied Action = "replied"
	ActionReset   Action = "reset"
	ActionIgnored Action = "ignored"
)

type RespondOutput struct {
	Action     Action
	Persona    persona.Persona
	Source     domain.CompletionSource
	Segments   int
	MessageIDs []string
	Cleared    int
}

type RespondService struct {
	params      ParamGetter
	llm         LLMClient
	log         EventLog
	sender      Sender
	locker      Locker
	personas    *persona.Table
	paramPrefix string
	settings    Settings
	sleep       func(ctx context.Context, d time.Duration) error

	cacheMu     sync.RWMutex
	cacheLoaded bool
	openaiModel string
}

type Dependencies struct {
	Params   ParamGetter
	LLM      LLMClient
	Log      EventLog
	Sender   Sender
	Locker   Locker
	Personas *persona.Table
}

func NewRespondService(deps Dependencies, paramPrefix string, settings Settings) (*RespondService, error) {
	if deps.Params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if deps.LLM == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if deps.Log == nil {
		return nil, errors.New("usecase: event log must not be nil")
	}
	if deps.Sender == nil {
		return nil, errors.New("usecase: sms sender must not be nil")
	}
	if deps.Personas == nil {
		return nil, errors.New("usecase: persona table must not be nil")
	}
	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &RespondService{
		params:      deps.Params,
		llm:         deps.LLM,
		log:         deps.Log,
		sender:      deps.Sender,
		locker:      deps.Locker,
		personas:    deps.Personas,
		paramPrefix: paramPrefix,
		settings:    settings.withDefaults(),
		sleep:       sleepContext,
	}, nil
}

// Respond handles one inbound event: it records the event, then either resets
// the conversation or replies to the sender in the persona implied by their
// history.
func (s *RespondService) Respond(ctx context.Context, ev domain.InboundEvent) (RespondOutput, error) {
	if reason := validateEvent(ev); reason != "" {
		return RespondOutput{}, newError(ErrorInvalidInput, reason, nil)
	}
	key := ev.Key()

	// Recorded before anything else so a failed or busy invocation still has
	// this message replayed by the next one.
	if err := s.log.AppendEvent(ctx, ev); err != nil {
		return RespondOutput{}, newError(ErrorUpstream, "history_append_error", err)
	}
	if !ev.IsMessage() {
		return RespondOutput{Action: ActionIgnored}, nil
	}

	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return RespondOutput{}, newError(ErrorConflict, "conversation_busy", err)
		}
		return RespondOutput{}, newError(ErrorUpstream, "lock_error", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "release conversation lock failed", "conversation", key, "err", err)
		}
	}()

	text := ev.Data.Message
	if text == s.settings.ClearKeyword {
		return s.reset(ctx, key)
	}

	history, err := s.log.FetchHistory(ctx, key, s.settings.MaxHistory, s.settings.HistoryWait)
	if err != nil {
		return RespondOutput{}, newError(ErrorUpstream, "history_fetch_error", err)
	}

	events := classifyHistory(history, s.personas)
	current := classify(text, s.personas)
	if current.kind == entryPersonaSwitch {
		events = append(events, current)
	}
	state := reduceConversation(events)
	slog.DebugContext(ctx, "conversation replayed",
		"conversation", key,
		"history_entries", len(history),
		"turns", len(state.turns),
		"persona", state.persona,
	)

	if err := s.ensureConfig(ctx); err != nil {
		return RespondOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	completion, err := s.llm.Complete(ctx, domain.CompletionRequest{
		Model:       s.openaiModel,
		Messages:    buildPromptMessages(s.personas, state, current),
		MaxTokens:   s.settings.MaxTokens,
		Temperature: temperature,
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return RespondOutput{}, newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return RespondOutput{}, newError(ErrorUpstream, "openai_error", err)
	}

	out := RespondOutput{
		Action:  ActionReplied,
		Persona: state.persona,
		Source:  completion.Source,
	}
	segments := splitReply(completion.Text)
	ids, err := s.sendSegments(ctx, ev, segments)
	out.Segments = len(ids)
	out.MessageIDs = ids
	if err != nil {
		if len(ids) == 0 {
			return out, newError(ErrorUpstream, "sms_send_error", err)
		}
		return out, newError(ErrorPartialSend, "segment_send_failed", err)
	}
	return out, nil
}

// sendSegments sends in order, one at a time, pausing between sends. It stops
// at the first failure and returns the ids of what went out.
func (s *RespondService) sendSegments(ctx context.Context, ev domain.InboundEvent, segments []Segment) ([]string, error) {
	ids := make([]string, 0, len(segments))
	for i, seg := range segments {
		if i > 0 && s.settings.SegmentDelay > 0 {
			if err := s.sleep(ctx, s.settings.SegmentDelay); err != nil {
				return ids, err
			}
		}
		res, err := s.sender.Send(ctx, domain.OutboundSMS{
			From:           ev.Data.To,
			To:             ev.Data.From,
			Message:        seg.Text(),
			DeliveryReport: s.settings.DeliveryReport,
			Tag:            s.settings.Tag,
		})
		if err != nil {
			return ids, fmt.Errorf("segment %d/%d: %w", seg.Index, seg.Total, err)
		}
		ids = append(ids, res.MessageID)
	}
	return ids, nil
}

func validateEvent(ev domain.InboundEvent) string {
	switch {
	case strings.TrimSpace(ev.ID) == "":
		return "missing_event_id"
	case strings.TrimSpace(ev.EventType) == "":
		return "missing_event_type"
	case strings.TrimSpace(ev.Data.From) == "":
		return "missing_sender"
	case ev.EventTime.IsZero():
		return "missing_event_time"
	}
	if !ev.IsMessage() {
		return ""
	}
	switch {
	case strings.TrimSpace(ev.Data.To) == "":
		return "missing_recipient"
	case strings.TrimSpace(ev.Data.Message) == "":
		return "empty_message"
	}
	return ""
}

func (s *RespondService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("load openai_model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("openai_model is empty")
	}

	s.openaiModel = model
	s.cacheLoaded = true
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var coder httpStatusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatusCode(), true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
