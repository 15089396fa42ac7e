package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"persona-sms/internal/domain"
)

// eventGridEvent is the Event Grid schema of an SMS event. Some producers spell
// the type field event_type.
type eventGridEvent struct {
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	Subject      string `json:"subject"`
	EventType    string `json:"eventType"`
	EventTypeAlt string `json:"event_type"`
	EventTime    string `json:"eventTime"`
	Data         struct {
		From              string `json:"from"`
		To                string `json:"to"`
		Message           string `json:"message"`
		ReceivedTimestamp string `json:"receivedTimestamp"`
	} `json:"data"`
}

// inboundTextMessage is the notification AWS End User Messaging publishes to
// SNS for a two-way SMS.
type inboundTextMessage struct {
	OriginationNumber string `json:"originationNumber"`
	DestinationNumber string `json:"destinationNumber"`
	MessageBody       string `json:"messageBody"`
	InboundMessageID  string `json:"inboundMessageId"`
}

var errEmptyPayload = errors.New("handler: empty payload")

// decodeEvents accepts a single Event Grid event, an array of them, or an SNS
// notification whose records carry either of those or an inbound text message.
func decodeEvents(raw []byte) ([]domain.InboundEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errEmptyPayload
	}
	if raw[0] == '{' {
		var sns events.SNSEvent
		if err := json.Unmarshal(raw, &sns); err == nil && len(sns.Records) > 0 {
			return decodeSNS(sns)
		}
	}
	return decodeEventGrid(raw)
}

func decodeEventGrid(raw []byte) ([]domain.InboundEvent, error) {
	var batch []eventGridEvent
	switch {
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("handler: decode event array: %w", err)
		}
	default:
		var single eventGridEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("handler: decode event: %w", err)
		}
		batch = []eventGridEvent{single}
	}

	out := make([]domain.InboundEvent, 0, len(batch))
	for _, ev := range batch {
		out = append(out, ev.toDomain())
	}
	return out, nil
}

func decodeSNS(sns events.SNSEvent) ([]domain.InboundEvent, error) {
	var out []domain.InboundEvent
	for _, rec := range sns.Records {
		body := []byte(strings.TrimSpace(rec.SNS.Message))
		if len(body) == 0 {
			return nil, fmt.Errorf("handler: sns message %s is empty", rec.SNS.MessageID)
		}

		var text inboundTextMessage
		if body[0] == '{' {
			if err := json.Unmarshal(body, &text); err != nil {
				return nil, fmt.Errorf("handler: decode sns message %s: %w", rec.SNS.MessageID, err)
			}
		}
		if text.OriginationNumber != "" {
			out = append(out, text.toDomain(rec.SNS))
			continue
		}

		evs, err := decodeEventGrid(body)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

func (e eventGridEvent) toDomain() domain.InboundEvent {
	eventType := e.EventType
	if eventType == "" {
		eventType = e.EventTypeAlt
	}
	ts := parseTime(e.EventTime)
	if ts.IsZero() {
		ts = parseTime(e.Data.ReceivedTimestamp)
	}
	return domain.InboundEvent{
		ID:        e.ID,
		Topic:     e.Topic,
		Subject:   e.Subject,
		EventType: eventType,
		EventTime: ts,
		Data: domain.EventData{
			From:    e.Data.From,
			To:      e.Data.To,
			Message: e.Data.Message,
		},
	}
}

func (m inboundTextMessage) toDomain(entity events.SNSEntity) domain.InboundEvent {
	id := m.InboundMessageID
	if id == "" {
		id = entity.MessageID
	}
	return domain.InboundEvent{
		ID:        id,
		Topic:     entity.TopicArn,
		Subject:   "/phonenumber/" + m.DestinationNumber,
		EventType: domain.EventTypeSMSReceived,
		EventTime: entity.Timestamp,
		Data: domain.EventData{
			From:    m.OriginationNumber,
			To:      m.DestinationNumber,
			Message: m.MessageBody,
		},
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
