package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// SpecVersion is the CloudEvents specification version emitted in every
	// completion envelope.
	SpecVersion = "1.0"

	// EventSource is the CloudEvents source attribute of completion events.
	EventSource = "com.management.azure"

	// QuerySource is the value a client supplies in the connect request's
	// "source" query parameter.
	QuerySource = "com.azure.management"

	// TypeOperationCompletion identifies the completion event type, both in
	// the connect request's "eventTypes" parameter and in the envelope.
	TypeOperationCompletion = "com.azure.operationcompletion"

	// ContentTypeJSON is the datacontenttype of completion envelopes.
	ContentTypeJSON = "application/json"
)

var (
	ErrMalformedSubject = errors.New("malformed subject: want {subscriptionId}/{sessionId}")
)

// Subject addresses one notification session within a subscription scope.
// Both components are client-chosen, opaque to the gateway beyond equality,
// and must not encode sensitive data.
type Subject struct {
	SubscriptionID string
	SessionID      string
}

// ParseSubject splits a "{subscriptionId}/{sessionId}" string. Both segments
// must be non-empty; anything else is a protocol violation.
func ParseSubject(s string) (Subject, error) {
	sub, sess, ok := strings.Cut(s, "/")
	if !ok || sub == "" || sess == "" || strings.Contains(sess, "/") {
		return Subject{}, fmt.Errorf("%w: %q", ErrMalformedSubject, s)
	}
	return Subject{SubscriptionID: sub, SessionID: sess}, nil
}

// String renders the wire form. A subject whose subscription scope was never
// learned renders as the bare session id.
func (s Subject) String() string {
	if s.SubscriptionID == "" {
		return s.SessionID
	}
	return s.SubscriptionID + "/" + s.SessionID
}

// CompletionEvent is the internal form of an "operation completed" signal as
// raised by the operation subsystem: which session to notify, which
// client-chosen notification id the completion answers, and where the final
// operation status can be fetched.
type CompletionEvent struct {
	SessionID      string
	NotificationID string
	OperationURL   string
}

// CompletionData is the data attribute of a completion envelope.
type CompletionData struct {
	OperationURL               string `json:"operationUrl"`
	SubscriptionNotificationID string `json:"subscriptionNotificationId"`
}

// Envelope is the CloudEvents v1.0 representation of a completion event as it
// crosses the duplex channel.
type Envelope struct {
	SpecVersion     string         `json:"specversion"`
	Source          string         `json:"source"`
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Subject         string         `json:"subject"`
	DataContentType string         `json:"datacontenttype"`
	Data            CompletionData `json:"data"`
}

// NewEnvelope builds a completion envelope for the given subject with a
// server-generated unique id.
func NewEnvelope(subject Subject, notificationID, operationURL string) Envelope {
	return Envelope{
		SpecVersion:     SpecVersion,
		Source:          EventSource,
		ID:              uuid.NewString(),
		Type:            TypeOperationCompletion,
		Subject:         subject.String(),
		DataContentType: ContentTypeJSON,
		Data: CompletionData{
			OperationURL:               operationURL,
			SubscriptionNotificationID: notificationID,
		},
	}
}

// Encode renders the envelope as the JSON text frame sent on the wire.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode completion envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a wire frame back into an Envelope. Used by clients
// and tests; the gateway itself only ever encodes.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode completion envelope: %w", err)
	}
	return e, nil
}
