package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/epr"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
	"github.com/epr-ch/vaccination/internal/infrastructure/redpanda"
)

const minimalBundle = `{
  "resourceType": "Bundle",
  "identifier": {"system": "urn:ietf:rfc:3986", "value": "urn:uuid:6c3a5d0e-7c7e-4c0f-9f2a-2f0f7e9d1a11"},
  "type": "document",
  "timestamp": "2023-05-04T10:11:12+02:00"
}`

func TestConvert_JSONToXML(t *testing.T) {
	in := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(in, []byte(minimalBundle), 0o644))

	cmd := convertCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--to", "xml", in})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, r4.FormatXML, r4.DetectFormat(out.Bytes()))
	assert.Contains(t, out.String(), "6c3a5d0e-7c7e-4c0f-9f2a-2f0f7e9d1a11")
}

func TestConvert_StdinToFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "doc.json")

	cmd := convertCmd()
	cmd.SetIn(bytes.NewBufferString(minimalBundle))
	cmd.SetArgs([]string{"--to", "json", "-o", dest})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, r4.FormatJSON, r4.DetectFormat(data))
}

func TestConvert_RejectsUnknownFormat(t *testing.T) {
	cmd := convertCmd()
	cmd.SetIn(bytes.NewBufferString(minimalBundle))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--to", "yaml"})
	assert.ErrorIs(t, cmd.Execute(), r4.ErrUnknownFormat)
}

func TestLogDocumentEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handle := logDocumentEvent(zap.New(core))

	ev := epr.DocumentEvent{
		ID:         "ev-1",
		EventType:  epr.EventDocumentUpdated,
		DocumentID: "doc-2",
		Kind:       record.KindAllergy,
		RecordIDs:  []string{"rec-2"},
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	value, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, handle(context.Background(), &redpanda.ConsumedMessage{Topic: "epr.documents", Value: value}))
	entries := logs.FilterMessage("document event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "epr.document.update", fields["event_type"])
	assert.Equal(t, "doc-2", fields["document_id"])

	require.NoError(t, handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("not json")}))
	assert.Equal(t, 1, logs.FilterMessage("skipping undecodable event").Len())
}
