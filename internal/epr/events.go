package epr

import (
	"time"

	"github.com/google/uuid"

	"github.com/epr-ch/vaccination/internal/domain/record"
)

// EventType names a document lifecycle event.
type EventType string

const (
	EventDocumentCreated EventType = "epr.document.create"
	EventDocumentUpdated EventType = "epr.document.update"
	EventDocumentDeleted EventType = "epr.document.delete"
)

// AggregateType is the outbox aggregate type of stored documents.
const AggregateType = "EPRDocument"

// DocumentEvent announces a stored document to downstream consumers. It
// carries index data only; consumers fetch the bundle by DocumentID.
type DocumentEvent struct {
	ID                 string      `json:"id"`
	EventType          EventType   `json:"event_type"`
	DocumentID         string      `json:"document_id"`
	PatientKey         string      `json:"patient_key"`
	Kind               record.Kind `json:"kind"`
	ReplacesDocumentID string      `json:"replaces_document_id,omitempty"`
	RecordIDs          []string    `json:"record_ids"`
	Timestamp          time.Time   `json:"timestamp"`
}

// NewDocumentEvent creates the event for doc.
func NewDocumentEvent(doc *StoredDocument) *DocumentEvent {
	return &DocumentEvent{
		ID:                 uuid.NewString(),
		EventType:          eventTypeFor(doc.Action),
		DocumentID:         doc.DocumentID,
		PatientKey:         doc.PatientKey,
		Kind:               doc.Kind,
		ReplacesDocumentID: doc.ReplacesDocumentID,
		RecordIDs:          doc.RecordIDs,
		Timestamp:          doc.CreatedAt.UTC(),
	}
}

func eventTypeFor(action string) EventType {
	switch action {
	case ActionUpdate:
		return EventDocumentUpdated
	case ActionDelete:
		return EventDocumentDeleted
	default:
		return EventDocumentCreated
	}
}
