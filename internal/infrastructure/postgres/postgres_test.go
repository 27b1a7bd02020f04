package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/epr"
)

func TestSchema_DeclaresTables(t *testing.T) {
	ddl := Schema()
	for _, table := range []string{"epr_documents", "outbox", "inbox"} {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, ddl, "USING GIN (record_ids)")
}

func TestDocumentStore_OutboxEntry(t *testing.T) {
	store := NewDocumentStore(nil, "epr.documents", nil)
	doc := &epr.StoredDocument{
		DocumentID:         "doc-2",
		PatientKey:         "urn:oid:2.999|urn:oid:2.999.1|p-1",
		Kind:               record.KindVaccination,
		ReplacesDocumentID: "doc-1",
		RecordIDs:          []string{"imm-1"},
		Action:             epr.ActionUpdate,
		CreatedAt:          time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}

	entry, err := store.outboxEntry(doc)
	require.NoError(t, err)
	assert.Equal(t, "doc-2", entry.AggregateID)
	assert.Equal(t, epr.AggregateType, entry.AggregateType)
	assert.Equal(t, "epr.document.update", entry.EventType)
	assert.Equal(t, "epr.documents", entry.KafkaTopic)
	assert.Equal(t, doc.PatientKey, entry.KafkaKey)

	var event epr.DocumentEvent
	require.NoError(t, json.Unmarshal(entry.Payload, &event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "doc-1", event.ReplacesDocumentID)
	assert.Equal(t, []string{"imm-1"}, event.RecordIDs)
	assert.True(t, doc.CreatedAt.Equal(event.Timestamp))
}

func TestDeadLetterPayload(t *testing.T) {
	lastErr := "broker unavailable"
	entry := &OutboxEntry{
		ID:          7,
		AggregateID: "doc-1",
		EventType:   "epr.document.create",
		Payload:     json.RawMessage(`{"document_id":"doc-1"}`),
		KafkaTopic:  "epr.documents",
		RetryCount:  5,
		LastError:   &lastErr,
	}

	payload, err := DeadLetterPayload(entry)
	require.NoError(t, err)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(payload, &dl))
	assert.Equal(t, "epr.documents", dl.OriginalTopic)
	assert.Equal(t, 5, dl.RetryCount)
	assert.Equal(t, lastErr, dl.LastError)
	assert.JSONEq(t, `{"document_id":"doc-1"}`, string(dl.Payload))
}

func TestRecordIDs_NeverNil(t *testing.T) {
	assert.Equal(t, []string{}, recordIDs(nil))
	assert.Equal(t, []string{"a"}, recordIDs([]string{"a"}))
}
