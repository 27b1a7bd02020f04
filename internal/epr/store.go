package epr

import (
	"context"
	"fmt"
	"time"

	"github.com/epr-ch/vaccination/internal/document"
	"github.com/epr-ch/vaccination/internal/domain/record"
)

// ErrDocumentNotFound is returned by stores for unknown documents or record ids.
var ErrDocumentNotFound = fmt.Errorf("%w: no stored document", document.ErrNotFound)

// Actions recorded on stored documents.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// StoredDocument is a serialized FHIR document with its index columns.
type StoredDocument struct {
	DocumentID         string      `json:"documentId"`
	PatientKey         string      `json:"patientKey"`
	Kind               record.Kind `json:"kind"`
	ReplacesDocumentID string      `json:"replacesDocumentId,omitempty"`
	RecordIDs          []string    `json:"recordIds"`
	Payload            []byte      `json:"-"`
	CreatedAt          time.Time   `json:"createdAt"`

	// Action is the operation that produced the document: create, update or
	// delete. Stores are not required to persist it.
	Action string `json:"action,omitempty"`
}

// Store persists documents. Documents are immutable; a new version is a new
// document whose ReplacesDocumentID names its predecessor.
type Store interface {
	Save(ctx context.Context, doc *StoredDocument) error
	Get(ctx context.Context, documentID string) (*StoredDocument, error)
	ListByPatient(ctx context.Context, patientKey string) ([]*StoredDocument, error)
	// FindByRecordID returns the document carrying the record, newest first
	// when more than one does.
	FindByRecordID(ctx context.Context, patientKey, recordID string) (*StoredDocument, error)
}
