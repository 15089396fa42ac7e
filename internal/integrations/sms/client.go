// Package sms sends text messages through the Azure Communication Services
// SMS REST API.
package sms

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"persona-sms/internal/domain"
)

const apiVersion = "2021-03-07"

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type sendRequest struct {
	From           string         `json:"from"`
	SMSRecipients  []smsRecipient `json:"smsRecipients"`
	Message        string         `json:"message"`
	SMSSendOptions sendOptions    `json:"smsSendOptions"`
}

type smsRecipient struct {
	To string `json:"to"`
}

type sendOptions struct {
	EnableDeliveryReport bool   `json:"enableDeliveryReport"`
	Tag                  string `json:"tag,omitempty"`
}

type sendResponse struct {
	Value []struct {
		To             string `json:"to"`
		MessageID      string `json:"messageId"`
		HTTPStatusCode int    `json:"httpStatusCode"`
		Successful     bool   `json:"successful"`
		ErrorMessage   string `json:"errorMessage"`
	} `json:"value"`
}

// HTTPStatusError captures non-2xx responses from the SMS endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("sms: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Credentials is a parsed "endpoint=...;accesskey=..." connection string.
type Credentials struct {
	Endpoint  *url.URL
	AccessKey []byte
}

// ParseConnectionString parses a Communication Services connection string.
// Keys are case-insensitive; the access key is base64.
func ParseConnectionString(s string) (Credentials, error) {
	var endpoint, key string
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "endpoint":
			endpoint = strings.TrimSpace(value)
		case "accesskey":
			// base64 values may end in '=', so keep everything after the first one.
			key = strings.TrimSpace(value)
		}
	}
	if endpoint == "" {
		return Credentials{}, errors.New("sms: connection string has no endpoint")
	}
	if key == "" {
		return Credentials{}, errors.New("sms: connection string has no accesskey")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Credentials{}, fmt.Errorf("sms: invalid endpoint %q", endpoint)
	}
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Credentials{}, fmt.Errorf("sms: decode accesskey: %w", err)
	}
	return Credentials{Endpoint: u, AccessKey: secret}, nil
}

// Client sends one SMS per call. The connection string is read through the
// Getter on each send; the paramstore client caches it.
type Client struct {
	httpClient *http.Client
	getter     Getter
	paramName  string
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client that loads its connection string from
// <paramPrefix>/sms-connection-string.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("sms: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("sms: parameter prefix must not be empty")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		getter:     ps,
		paramName:  paramPrefix + "/sms-connection-string",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send delivers msg.
func (c *Client) Send(ctx context.Context, msg domain.OutboundSMS) (domain.SendResult, error) {
	if strings.TrimSpace(msg.From) == "" || strings.TrimSpace(msg.To) == "" {
		return domain.SendResult{}, errors.New("sms: from and to are required")
	}

	raw, err := c.getter.GetParameter(ctx, c.paramName)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("sms: fetch connection string: %w", err)
	}
	creds, err := ParseConnectionString(raw)
	if err != nil {
		return domain.SendResult{}, err
	}

	body, err := json.Marshal(sendRequest{
		From:          msg.From,
		SMSRecipients: []smsRecipient{{To: msg.To}},
		Message:       msg.Message,
		SMSSendOptions: sendOptions{
			EnableDeliveryReport: msg.DeliveryReport,
			Tag:                  msg.Tag,
		},
	})
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("sms: marshal request: %w", err)
	}

	target := sendURL(creds.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("sms: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signRequest(req, target, body, creds.AccessKey, c.now())

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("sms: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.SendResult{}, &HTTPStatusError{StatusCode: res.StatusCode, URL: target.String(), Body: string(buf)}
	}

	var payload sendResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return domain.SendResult{}, fmt.Errorf("sms: decode response: %w", err)
	}
	if len(payload.Value) == 0 {
		return domain.SendResult{}, errors.New("sms: no recipient results in response")
	}
	r := payload.Value[0]
	if !r.Successful {
		return domain.SendResult{}, fmt.Errorf("sms: send to %s rejected (%d): %s", r.To, r.HTTPStatusCode, r.ErrorMessage)
	}
	return domain.SendResult{MessageID: r.MessageID}, nil
}

func sendURL(endpoint *url.URL) *url.URL {
	u := *endpoint
	u.Path = strings.TrimRight(u.Path, "/") + "/sms"
	u.RawQuery = url.Values{"api-version": {apiVersion}}.Encode()
	return &u
}

// signRequest applies Communication Services HMAC-SHA256 authentication.
func signRequest(req *http.Request, target *url.URL, body, secret []byte, now time.Time) {
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := now.UTC().Format(http.TimeFormat)

	stringToSign := req.Method + "\n" + target.RequestURI() + "\n" + date + ";" + target.Host + ";" + contentHash
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
