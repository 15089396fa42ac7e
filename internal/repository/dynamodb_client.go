package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-sms/internal/domain"
)

const (
	skPrefixEvent = "EVT#"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL
	maxBatchWrite = 25
	queryPageSize = 50

	// sortableTime keeps a fixed-width fraction so keys compare as strings in
	// time order. RFC3339Nano trims trailing zeros and does not.
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores inbound events in a DynamoDB table that acts as the
// append-only conversation log.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(key domain.ConversationKey) string {
	return "CONV#" + string(key)
}

// eventSK orders entries by event time; the event id keeps redeliveries of the
// same event on the same key.
func eventSK(ts time.Time, eventID string) string {
	return skPrefixEvent + formatTime(ts) + "#" + eventID
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(sortableTime)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// AppendEvent records an inbound event. Appending an event that is already in
// the log is not an error; the first copy wins. The event time is part of the
// key, so it is required.
func (c *Client) AppendEvent(ctx context.Context, ev domain.InboundEvent) error {
	if strings.TrimSpace(ev.ID) == "" {
		return errors.New("repository: AppendEvent: event id is required")
	}
	if strings.TrimSpace(ev.Data.From) == "" {
		return errors.New("repository: AppendEvent: sender is required")
	}
	if ev.EventTime.IsZero() {
		return errors.New("repository: AppendEvent: event time is required")
	}
	ts := ev.EventTime

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.eventItem(ev, ts),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var dup *types.ConditionalCheckFailedException
		if errors.As(err, &dup) {
			return nil
		}
		return fmt.Errorf("repository: AppendEvent: %w", err)
	}
	return nil
}

// FetchHistory returns up to limit inbound-message entries for key in arrival
// order, most recent window first. Delivery reports and entries addressed from
// other numbers are skipped and left in place. The read is bounded by wait; a
// timeout is reported as an error.
func (c *Client) FetchHistory(ctx context.Context, key domain.ConversationKey, limit int, wait time.Duration) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("eventType = :eventType AND #from = :from"),
		ExpressionAttributeNames: map[string]string{
			"#from": "from",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":        &types.AttributeValueMemberS{Value: convPK(key)},
			":prefix":    &types.AttributeValueMemberS{Value: skPrefixEvent},
			":eventType": &types.AttributeValueMemberS{Value: domain.EventTypeSMSReceived},
			":from":      &types.AttributeValueMemberS{Value: string(key)},
		},
		// Read newest first so the limit keeps the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(queryPageSize),
	}

	entries := make([]domain.HistoryEntry, 0, limit)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: FetchHistory query: %w", err)
		}
		for _, item := range out.Items {
			entry, err := itemToEntry(item)
			if err != nil {
				return nil, fmt.Errorf("repository: FetchHistory unmarshal: %w", err)
			}
			if entry.EventType != domain.EventTypeSMSReceived || entry.From != string(key) {
				continue
			}
			entries = append(entries, entry)
			if len(entries) == limit {
				break
			}
		}
		if len(entries) == limit || len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	// Reverse to arrival order before returning to prompt assembly.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Acknowledge permanently removes entries from the log. It stops at the first
// failed batch; entries in earlier batches stay removed.
func (c *Client) Acknowledge(ctx context.Context, entries []domain.HistoryEntry) (int, error) {
	acked := 0
	for start := 0; start < len(entries); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(entries))
		batch := entries[start:end]

		reqs := make([]types.WriteRequest, 0, len(batch))
		for _, e := range batch {
			if e.PK == "" || e.SK == "" {
				return acked, errors.New("repository: Acknowledge: PK and SK are required")
			}
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: e.PK},
						"SK": &types.AttributeValueMemberS{Value: e.SK},
					},
				},
			})
		}

		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: reqs},
		})
		if err != nil {
			return acked, fmt.Errorf("repository: Acknowledge: %w", err)
		}
		unprocessed := 0
		if out != nil {
			unprocessed = len(out.UnprocessedItems[c.tableName])
		}
		acked += len(batch) - unprocessed
		if unprocessed > 0 {
			return acked, fmt.Errorf("repository: Acknowledge: %d entries left unprocessed", unprocessed)
		}
	}
	return acked, nil
}

func (c *Client) eventItem(ev domain.InboundEvent, ts time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(ev.Key())},
		"SK":        &types.AttributeValueMemberS{Value: eventSK(ts, ev.ID)},
		"eventId":   &types.AttributeValueMemberS{Value: ev.ID},
		"eventType": &types.AttributeValueMemberS{Value: ev.EventType},
		"eventTime": &types.AttributeValueMemberS{Value: formatTime(ts)},
		"topic":     &types.AttributeValueMemberS{Value: ev.Topic},
		"subject":   &types.AttributeValueMemberS{Value: ev.Subject},
		"from":      &types.AttributeValueMemberS{Value: ev.Data.From},
		"to":        &types.AttributeValueMemberS{Value: ev.Data.To},
		"message":   &types.AttributeValueMemberS{Value: ev.Data.Message},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.ttlValue())},
	}
}

// itemToEntry converts a DynamoDB attribute map to a HistoryEntry.
func itemToEntry(item map[string]types.AttributeValue) (domain.HistoryEntry, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	eventType, err := strAttr(item, "eventType")
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	from, err := strAttr(item, "from")
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	message, _ := strAttr(item, "message") // delivery reports have none
	eventID, _ := strAttr(item, "eventId")
	to, _ := strAttr(item, "to")

	var ts time.Time
	if raw, err := strAttr(item, "eventTime"); err == nil {
		ts, _ = time.Parse(time.RFC3339Nano, raw)
	}

	return domain.HistoryEntry{
		PK:        pk,
		SK:        sk,
		EventID:   eventID,
		EventType: eventType,
		From:      from,
		To:        to,
		Text:      message,
		EventTime: ts,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
