// Package events implements the event publisher (C9): at-least-once
// delivery of job records, lifecycle events, and enrichment payloads onto a
// Kafka/Redpanda-compatible bus, plus ingestion of externally-submitted
// scrape commands from a dedicated topic.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope for every topic the publisher writes to:
// jobs, events, and enrichment all share this shape so consumers can decode
// generically before branching on Type.
type Message struct {
	MessageID string            `json:"message_id"`
	Timestamp time.Time         `json:"ts"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Data      any               `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event type tags carried in Message.Type.
const (
	TypeJobRecord      = "job_record"
	TypeCompanyRecord  = "company_record"
	TypeTaskStarted    = "task.started"
	TypeTaskCompleted  = "task.completed"
	TypeTaskFailed     = "task.failed"
	TypeTaskRetried    = "task.retried"
	TypeCircuitOpened  = "circuit.opened"
	TypeCircuitClosed  = "circuit.closed"
	TypeQuotaExhausted = "quota.exhausted"
	TypeAnomaly        = "anomaly.detected"
	TypeEnrichmentHint = "enrichment.hint"
)

// NewMessage builds a Message with a fresh uuid MessageID and the current
// timestamp.
func NewMessage(msgType, source string, data any, metadata map[string]string) Message {
	return Message{
		MessageID: uuid.NewString(),
		Timestamp: time.Now(),
		Type:      msgType,
		Source:    source,
		Data:      data,
		Metadata:  metadata,
	}
}
