package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-sms/internal/domain"
	"persona-sms/internal/integrations/openai"
	"persona-sms/internal/lock"
	"persona-sms/internal/persona"
)

const (
	testPrefix  = "/persona-sms"
	counterpart = "+15551234567"
	ownNumber   = "+15550000000"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type mockLLM struct {
	completion domain.Completion
	err        error
	requests   []domain.CompletionRequest
}

func (m *mockLLM) Complete(_ context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	m.requests = append(m.requests, req)
	return m.completion, m.err
}

type mockLog struct {
	history   []domain.HistoryEntry
	appendErr error
	fetchErr  error
	ackErr    error

	appended   []domain.InboundEvent
	fetchLimit int
	fetchWait  time.Duration
	acked      []domain.HistoryEntry
}

func (m *mockLog) AppendEvent(_ context.Context, ev domain.InboundEvent) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, ev)
	return nil
}

func (m *mockLog) FetchHistory(_ context.Context, _ domain.ConversationKey, limit int, wait time.Duration) ([]domain.HistoryEntry, error) {
	m.fetchLimit = limit
	m.fetchWait = wait
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.history, nil
}

func (m *mockLog) Acknowledge(_ context.Context, entries []domain.HistoryEntry) (int, error) {
	if m.ackErr != nil {
		return 0, m.ackErr
	}
	m.acked = append(m.acked, entries...)
	return len(entries), nil
}

type mockSender struct {
	failAt int // 1-based send that fails; 0 never fails
	sent   []domain.OutboundSMS
}

func (m *mockSender) Send(_ context.Context, msg domain.OutboundSMS) (domain.SendResult, error) {
	if m.failAt > 0 && len(m.sent)+1 == m.failAt {
		return domain.SendResult{}, errors.New("carrier rejected")
	}
	m.sent = append(m.sent, msg)
	return domain.SendResult{MessageID: fmt.Sprintf("msg-%d", len(m.sent))}, nil
}

type mockLocker struct {
	err      error
	acquired int
	released int
}

func (m *mockLocker) Acquire(_ context.Context, _ domain.ConversationKey) (lock.ReleaseFunc, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	return func(context.Context) error {
		m.released++
		return nil
	}, nil
}

type fixture struct {
	svc    *RespondService
	params *mockParams
	llm    *mockLLM
	log    *mockLog
	sender *mockSender
	locker *mockLocker
	sleeps []time.Duration
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	f := &fixture{
		params: &mockParams{vals: map[string]string{testPrefix + "/config/openai_model": "gpt-mock"}},
		llm:    &mockLLM{completion: domain.Completion{Source: domain.SourceMessageContent, Text: "a short reply"}},
		log:    &mockLog{},
		sender: &mockSender{},
		locker: &mockLocker{},
	}
	svc, err := NewRespondService(Dependencies{
		Params:   f.params,
		LLM:      f.llm,
		Log:      f.log,
		Sender:   f.sender,
		Locker:   f.locker,
		Personas: testPersonas(t),
	}, testPrefix, settings)
	require.NoError(t, err)
	svc.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	f.svc = svc
	return f
}

func inbound(id, text string) domain.InboundEvent {
	return domain.InboundEvent{
		ID:        id,
		EventType: domain.EventTypeSMSReceived,
		EventTime: time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC),
		Data:      domain.EventData{From: counterpart, To: ownNumber, Message: text},
	}
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

func TestRespond_RepliesInActivePersona(t *testing.T) {
	f := newFixture(t, Settings{})
	f.log.history = entries("Drunk", "hey", "Poet", "hi")

	out, err := f.svc.Respond(context.Background(), inbound("evt-1", "sup"))
	require.NoError(t, err)
	require.Equal(t, ActionReplied, out.Action)
	require.Equal(t, persona.Poet, out.Persona)
	require.Equal(t, 1, out.Segments)
	require.Equal(t, []string{"msg-1"}, out.MessageIDs)

	require.Len(t, f.log.appended, 1)
	require.Equal(t, "evt-1", f.log.appended[0].ID)
	require.Equal(t, defaultMaxHistory, f.log.fetchLimit)
	require.Equal(t, defaultHistoryWait, f.log.fetchWait)

	require.Len(t, f.llm.requests, 1)
	req := f.llm.requests[0]
	require.Equal(t, "gpt-mock", req.Model)
	require.Equal(t, defaultMaxTokens, req.MaxTokens)
	require.InDelta(t, 0.7, req.Temperature, 1e-9)

	table := testPersonas(t)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: table.System()},
		{Role: domain.RoleAssistant, Content: table.Directive(persona.Poet)},
		{Role: domain.RoleUser, Content: "hey"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleUser, Content: "sup"},
	}, req.Messages)

	require.Equal(t, []domain.OutboundSMS{{
		From:    ownNumber,
		To:      counterpart,
		Message: "a short reply",
		Tag:     defaultSMSTag,
	}}, f.sender.sent)
	require.Equal(t, 1, f.locker.acquired)
	require.Equal(t, 1, f.locker.released)
	require.Empty(t, f.sleeps)
}

func TestRespond_CurrentMessageAlreadyInHistory(t *testing.T) {
	f := newFixture(t, Settings{})
	f.log.history = entries("hey", "sup")

	_, err := f.svc.Respond(context.Background(), inbound("evt-2", "sup"))
	require.NoError(t, err)

	msgs := f.llm.requests[0].Messages
	require.Len(t, msgs, 4)
	require.Equal(t, "hey", msgs[2].Content)
	require.Equal(t, "sup", msgs[3].Content)
}

func TestRespond_SentinelSwitchesWithoutBecomingATurn(t *testing.T) {
	f := newFixture(t, Settings{})
	f.log.history = entries("Poet", "hey")

	out, err := f.svc.Respond(context.Background(), inbound("evt-3", "Debate"))
	require.NoError(t, err)
	require.Equal(t, persona.Debate, out.Persona)

	msgs := f.llm.requests[0].Messages
	require.Len(t, msgs, 3)
	require.Equal(t, testPersonas(t).Directive(persona.Debate), msgs[1].Content)
	require.Equal(t, "hey", msgs[2].Content)
}

func TestRespond_ClearResetsWithoutReplying(t *testing.T) {
	f := newFixture(t, Settings{})
	f.log.history = entries("Drunk", "hey", "Clear")

	out, err := f.svc.Respond(context.Background(), inbound("evt-4", "Clear"))
	require.NoError(t, err)
	require.Equal(t, ActionReset, out.Action)
	require.Equal(t, persona.None, out.Persona)
	require.Equal(t, 3, out.Cleared)
	require.Equal(t, f.log.history, f.log.acked)
	require.Equal(t, maxResetEntries, f.log.fetchLimit)
	require.Empty(t, f.llm.requests)
	require.Empty(t, f.sender.sent)
	require.Equal(t, 1, f.locker.released)
}

func TestRespond_CustomClearKeyword(t *testing.T) {
	f := newFixture(t, Settings{ClearKeyword: "Reset"})

	out, err := f.svc.Respond(context.Background(), inbound("evt-5", "Clear"))
	require.NoError(t, err)
	require.Equal(t, ActionReplied, out.Action)

	out, err = f.svc.Respond(context.Background(), inbound("evt-6", "Reset"))
	require.NoError(t, err)
	require.Equal(t, ActionReset, out.Action)
}

func TestRespond_ClearAckFailure(t *testing.T) {
	f := newFixture(t, Settings{})
	f.log.history = entries("hey", "Clear")
	f.log.ackErr = errors.New("throttled")

	_, err := f.svc.Respond(context.Background(), inbound("evt-7", "Clear"))
	requireCode(t, err, ErrorUpstream, "history_ack_error")
}

func TestRespond_DeliveryReportIsRecordedAndIgnored(t *testing.T) {
	f := newFixture(t, Settings{})
	ev := inbound("evt-8", "")
	ev.EventType = domain.EventTypeSMSDeliveryReport
	ev.Data.To = ""

	out, err := f.svc.Respond(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, ActionIgnored, out.Action)
	require.Len(t, f.log.appended, 1)
	require.Zero(t, f.locker.acquired)
	require.Empty(t, f.llm.requests)
	require.Empty(t, f.sender.sent)
}

func TestRespond_InvalidInput(t *testing.T) {
	cases := map[string]func(*domain.InboundEvent){
		"missing_event_id":   func(ev *domain.InboundEvent) { ev.ID = " " },
		"missing_event_type": func(ev *domain.InboundEvent) { ev.EventType = "" },
		"missing_sender":     func(ev *domain.InboundEvent) { ev.Data.From = "" },
		"missing_event_time": func(ev *domain.InboundEvent) { ev.EventTime = time.Time{} },
		"missing_recipient":  func(ev *domain.InboundEvent) { ev.Data.To = "" },
		"empty_message":      func(ev *domain.InboundEvent) { ev.Data.Message = "  " },
	}
	for reason, mutate := range cases {
		f := newFixture(t, Settings{})
		ev := inbound("evt-9", "hey")
		mutate(&ev)

		_, err := f.svc.Respond(context.Background(), ev)
		requireCode(t, err, ErrorInvalidInput, reason)
		require.Empty(t, f.log.appended, reason)
	}
}

func TestRespond_AppendFailure(t *testing.T) {
	f := newFixture(t, Settings{})
	f.log.appendErr = errors.New("dynamo down")

	_, err := f.svc.Respond(context.Background(), inbound("evt-10", "hey"))
	requireCode(t, err, ErrorUpstream, "history_append_error")
	require.Zero(t, f.locker.acquired)
}

func TestRespond_BusyConversation(t *testing.T) {
	f := newFixture(t, Settings{})
	f.locker.err = lock.ErrBusy

	_, err := f.svc.Respond(context.Background(), inbound("evt-11", "hey"))
	requireCode(t, err, ErrorConflict, "conversation_busy")
	require.Len(t, f.log.appended, 1)
	require.Empty(t, f.llm.requests)
}

func TestRespond_LockFailure(t *testing.T) {
	f := newFixture(t, Settings{})
	f.locker.err = errors.New("redis gone")

	_, err := f.svc.Respond(context.Background(), inbound("evt-12", "hey"))
	requireCode(t, err, ErrorUpstream, "lock_error")
}

func TestRespond_FetchFailure(t *testing.T) {
	f := newFixture(t, Settings{})
	f.log.fetchErr = context.DeadlineExceeded

	_, err := f.svc.Respond(context.Background(), inbound("evt-13", "hey"))
	requireCode(t, err, ErrorUpstream, "history_fetch_error")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.locker.released)
}

func TestRespond_GeneratorErrors(t *testing.T) {
	f := newFixture(t, Settings{})
	f.llm.err = &openai.HTTPStatusError{StatusCode: 429}
	_, err := f.svc.Respond(context.Background(), inbound("evt-14", "hey"))
	requireCode(t, err, ErrorRateLimited, "openai_rate_limited")

	f.llm.err = &openai.HTTPStatusError{StatusCode: 500}
	_, err = f.svc.Respond(context.Background(), inbound("evt-15", "hey"))
	requireCode(t, err, ErrorUpstream, "openai_error")

	f.llm.err = errors.New("every choice is empty")
	_, err = f.svc.Respond(context.Background(), inbound("evt-16", "hey"))
	requireCode(t, err, ErrorUpstream, "openai_error")
	require.Empty(t, f.sender.sent)
}

func TestRespond_ModelConfigIsCached(t *testing.T) {
	f := newFixture(t, Settings{})

	for i := 0; i < 3; i++ {
		_, err := f.svc.Respond(context.Background(), inbound(fmt.Sprintf("evt-%d", i), "hey"))
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.params.calls)
}

func TestRespond_ModelConfigFailureIsRetried(t *testing.T) {
	f := newFixture(t, Settings{})
	f.params.err = errors.New("temporary ssm failure")

	_, err := f.svc.Respond(context.Background(), inbound("evt-17", "hey"))
	requireCode(t, err, ErrorInternal, "ssm_load_error")

	f.params.err = nil
	_, err = f.svc.Respond(context.Background(), inbound("evt-18", "hey"))
	require.NoError(t, err)
	require.Equal(t, "gpt-mock", f.llm.requests[0].Model)
}

func TestRespond_EmptyModelIsAnError(t *testing.T) {
	f := newFixture(t, Settings{})
	f.params.vals[testPrefix+"/config/openai_model"] = "  "

	_, err := f.svc.Respond(context.Background(), inbound("evt-19", "hey"))
	requireCode(t, err, ErrorInternal, "ssm_load_error")
}

func TestRespond_LongReplyIsSegmented(t *testing.T) {
	f := newFixture(t, Settings{SegmentDelay: 250 * time.Millisecond, DeliveryReport: true, Tag: "tagged"})
	reply := strings.Repeat("a", 300)
	f.llm.completion = domain.Completion{Source: domain.SourceLegacyText, Text: reply}

	out, err := f.svc.Respond(context.Background(), inbound("evt-20", "tell me a story"))
	require.NoError(t, err)
	require.Equal(t, 2, out.Segments)
	require.Equal(t, domain.SourceLegacyText, out.Source)
	require.Equal(t, []string{"msg-1", "msg-2"}, out.MessageIDs)

	require.Len(t, f.sender.sent, 2)
	require.Equal(t, "1/2: "+reply[:155], f.sender.sent[0].Message)
	require.Equal(t, "2/2: "+reply[155:], f.sender.sent[1].Message)
	for _, msg := range f.sender.sent {
		require.True(t, msg.DeliveryReport)
		require.Equal(t, "tagged", msg.Tag)
	}
	require.Equal(t, []time.Duration{250 * time.Millisecond}, f.sleeps)
}

func TestRespond_PartialSend(t *testing.T) {
	f := newFixture(t, Settings{})
	f.llm.completion = domain.Completion{Text: strings.Repeat("b", 400)}
	f.sender.failAt = 2

	out, err := f.svc.Respond(context.Background(), inbound("evt-21", "hey"))
	requireCode(t, err, ErrorPartialSend, "segment_send_failed")
	require.Equal(t, 1, out.Segments)
	require.Len(t, f.sender.sent, 1)
	require.ErrorContains(t, err, "segment 2/3")
}

func TestRespond_FirstSendFails(t *testing.T) {
	f := newFixture(t, Settings{})
	f.sender.failAt = 1

	out, err := f.svc.Respond(context.Background(), inbound("evt-22", "hey"))
	requireCode(t, err, ErrorUpstream, "sms_send_error")
	require.Zero(t, out.Segments)
}

func TestRespond_DelayHonoursCancellation(t *testing.T) {
	f := newFixture(t, Settings{SegmentDelay: time.Hour})
	f.llm.completion = domain.Completion{Text: strings.Repeat("c", 400)}
	f.svc.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.svc.Respond(ctx, inbound("evt-23", "hey"))
	requireCode(t, err, ErrorPartialSend, "segment_send_failed")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, out.Segments)
}

func TestNewRespondService_Validation(t *testing.T) {
	table := testPersonas(t)
	full := Dependencies{
		Params:   &mockParams{},
		LLM:      &mockLLM{},
		Log:      &mockLog{},
		Sender:   &mockSender{},
		Personas: table,
	}

	svc, err := NewRespondService(full, testPrefix+"/", Settings{})
	require.NoError(t, err)
	require.Equal(t, testPrefix, svc.paramPrefix)
	require.IsType(t, lock.Noop{}, svc.locker)
	require.Zero(t, svc.settings.SegmentDelay)
	require.Equal(t, defaultMaxHistory, svc.settings.MaxHistory)
	require.Equal(t, defaultClearKeyword, svc.settings.ClearKeyword)

	_, err = NewRespondService(full, " ", Settings{})
	require.ErrorContains(t, err, "prefix")

	missing := []func(*Dependencies){
		func(d *Dependencies) { d.Params = nil },
		func(d *Dependencies) { d.LLM = nil },
		func(d *Dependencies) { d.Log = nil },
		func(d *Dependencies) { d.Sender = nil },
		func(d *Dependencies) { d.Personas = nil },
	}
	for _, drop := range missing {
		deps := full
		drop(&deps)
		_, err := NewRespondService(deps, testPrefix, Settings{})
		require.ErrorContains(t, err, "nil")
	}
}
