// Package events defines the envelope every domain event travels in, both on
// the wire (Kafka message value) and at rest (outbox payload column).
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Envelope carries a domain event together with its identity and lineage.
// EventID is assigned once and never changes; CorrelationID is propagated
// unchanged across every event the original request causes, and CausationID
// names the direct parent (empty for root events).
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventVersion  string          `json:"eventVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds a root envelope for a fresh domain event. The event id is a
// UUIDv7 so ids sort by creation time; the correlation id starts a new chain.
func New(eventType, eventVersion, aggregateType, aggregateID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event payload: %w", err)
	}
	id := newEventID()
	return Envelope{
		EventID:       id,
		EventType:     eventType,
		EventVersion:  eventVersion,
		Timestamp:     time.Now().UTC(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		CorrelationID: id,
		Payload:       raw,
	}, nil
}

// Derive builds a child envelope caused by e: the correlation id is carried
// over and the causation id points back at e.
func (e Envelope) Derive(eventType, eventVersion, aggregateType, aggregateID string, payload any) (Envelope, error) {
	child, err := New(eventType, eventVersion, aggregateType, aggregateID, payload)
	if err != nil {
		return Envelope{}, err
	}
	child.CorrelationID = e.CorrelationID
	child.CausationID = e.EventID
	return child, nil
}

// Decode unmarshals a wire envelope and rejects ones missing identity fields.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing eventId", ErrInvalidEnvelope)
	case e.EventType == "":
		return fmt.Errorf("%w: missing eventType", ErrInvalidEnvelope)
	case e.EventVersion == "":
		return fmt.Errorf("%w: missing eventVersion", ErrInvalidEnvelope)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	case e.AggregateID == "":
		return fmt.Errorf("%w: missing aggregateId", ErrInvalidEnvelope)
	case e.AggregateType == "":
		return fmt.Errorf("%w: missing aggregateType", ErrInvalidEnvelope)
	case e.CorrelationID == "":
		return fmt.Errorf("%w: missing correlationId", ErrInvalidEnvelope)
	}
	return nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
