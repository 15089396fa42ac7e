package domain

import "time"

const (
	EventTypeSMSReceived       = "Microsoft.Communication.SMSReceived"
	EventTypeSMSDeliveryReport = "Microsoft.Communication.SMSDeliveryReportReceived"
)

// ConversationKey identifies a conversation by the counterpart phone number.
type ConversationKey string

// InboundEvent is a decoded trigger event.
type InboundEvent struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Subject   string    `json:"subject"`
	EventType string    `json:"eventType"`
	EventTime time.Time `json:"eventTime"`
	Data      EventData `json:"data"`
}

// EventData is the SMS payload of an InboundEvent. To is this service's own
// number, From is the counterpart.
type EventData struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// Key returns the conversation key of the event.
func (e InboundEvent) Key() ConversationKey {
	return ConversationKey(e.Data.From)
}

// IsMessage reports whether the event is a genuine inbound message rather than a
// delivery report.
func (e InboundEvent) IsMessage() bool {
	return e.EventType == EventTypeSMSReceived
}

// HistoryEntry is one inbound event as stored in the history log.
type HistoryEntry struct {
	PK        string
	SK        string
	EventID   string
	EventType string
	From      string
	To        string
	Text      string
	EventTime time.Time
}

// OutboundSMS is one transport send.
type OutboundSMS struct {
	From           string
	To             string
	Message        string
	DeliveryReport bool
	Tag            string
}

// SendResult is the transport's acknowledgement of a send.
type SendResult struct {
	MessageID string
}
