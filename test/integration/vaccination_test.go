// Package integration exercises the record service end to end over the
// local document store.
package integration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epr-ch/vaccination/internal/document"
	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/domain/validation"
	"github.com/epr-ch/vaccination/internal/epr"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
	"github.com/epr-ch/vaccination/internal/infrastructure/localfile"
	"github.com/epr-ch/vaccination/pkg/idempotency"
)

func newService(t *testing.T) (*epr.Service, *localfile.Store) {
	t.Helper()
	store, err := localfile.New(t.TempDir(), nil)
	require.NoError(t, err)
	svc := epr.NewService(store, epr.Config{
		Validator: validation.NewWithClock(func() record.Date { return record.NewDate(2024, 1, 1) }),
	}, nil)
	return svc, store
}

func patient() *record.PatientIdentifier {
	pid := record.NewPatientIdentifier("1.1.4567334.1.1", "waldspital-Id-1234", "1.1.4567334.1.1.1")
	pid.PatientInfo = &record.HumanName{FirstName: "Kenneth", LastName: "Branagh", BirthDate: record.NewDate(1960, 12, 10)}
	return pid
}

func author() *record.Author {
	return &record.Author{
		User:         record.HumanName{FirstName: "Peter", LastName: "Mueller", GLN: "7601000000000"},
		Role:         record.RoleHCP,
		Organization: "Gruppenpraxis CH",
	}
}

func fsme(lot string) *record.Vaccination {
	return &record.Vaccination{
		Base: record.Base{
			Code:     *record.NewCodedValue("http://fhir.ch/ig/ch-vacd/CodeSystem/ch-vacd-swissmedic-cs", "558", "FSME-Immun 0.25ml Junior"),
			Author:   author(),
			Recorder: &record.HumanName{FirstName: "Peter", LastName: "Mueller"},
		},
		TargetDiseases: []record.CodedValue{*record.NewCodedValue(r4.SystemSNOMED, "16901001", "Central European encephalitis")},
		DoseNumber:     1,
		OccurrenceDate: record.NewDate(2022, 1, 1),
		LotNumber:      lot,
	}
}

func TestVaccinationLifecycle(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, patient(), fsme("AHAVB946A"))
	require.NoError(t, err)
	firstID := created.Record.Common().ID

	updated, err := svc.Update(ctx, patient(), firstID, fsme("XYZ123"))
	require.NoError(t, err)
	assert.True(t, updated.RequiresRevalidation)

	doc, err := store.Get(ctx, updated.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, record.KindVaccination, doc.Kind)
	assert.Contains(t, doc.RecordIDs, updated.Record.Common().ID)

	summary, err := svc.Summary(ctx, patient())
	require.NoError(t, err)
	require.Len(t, summary.Vaccinations, 1)
	assert.Equal(t, "XYZ123", summary.Vaccinations[0].LotNumber)
	assert.Equal(t, firstID, summary.Vaccinations[0].RelatedID)
}

func TestDocumentFormats(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, patient(), fsme("AHAVB946A"))
	require.NoError(t, err)

	xml, err := svc.Document(ctx, created.DocumentID, r4.FormatXML)
	require.NoError(t, err)
	assert.Equal(t, r4.FormatXML, r4.DetectFormat(xml))

	jsonDoc, err := svc.Document(ctx, created.DocumentID, r4.FormatJSON)
	require.NoError(t, err)

	codec := r4.NewCodec(nil)
	fromXML, err := codec.Parse(xml)
	require.NoError(t, err)
	fromJSON, err := codec.Parse(jsonDoc)
	require.NoError(t, err)
	assert.Equal(t, fromJSON.DocumentID(), fromXML.DocumentID())
	assert.Equal(t, document.RecordIDs(fromJSON), document.RecordIDs(fromXML))
	assert.Equal(t, []string{created.Record.Common().ID}, document.RecordIDs(fromXML))
}

func TestIdempotentCreate(t *testing.T) {
	svc, _ := newService(t)
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultInboxConfig(), nil)
	ctx := context.Background()

	payload := []byte(`{"lot":"AHAVB946A"}`)
	create := func(ctx context.Context) (json.RawMessage, error) {
		out, err := svc.Create(ctx, patient(), fsme("AHAVB946A"))
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}

	first, err := inbox.Process(ctx, "key-1", "create:vaccination", payload, create)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	replay, err := inbox.Process(ctx, "key-1", "create:vaccination", payload, create)
	require.NoError(t, err)
	assert.False(t, replay.IsNew)
	assert.JSONEq(t, string(first.Result), string(replay.Result))

	entries, err := svc.List(ctx, patient(), record.KindVaccination, false)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = inbox.Process(ctx, "key-1", "create:vaccination", []byte(`{"lot":"other"}`), create)
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)
}

func TestDocumentEventFromStore(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, patient(), fsme("AHAVB946A"))
	require.NoError(t, err)

	doc, err := store.Get(ctx, created.DocumentID)
	require.NoError(t, err)

	ev := epr.NewDocumentEvent(doc)
	assert.Equal(t, epr.EventDocumentCreated, ev.EventType)
	assert.Equal(t, created.DocumentID, ev.DocumentID)
	assert.Equal(t, record.KindVaccination, ev.Kind)
	assert.Contains(t, ev.RecordIDs, created.Record.Common().ID)
}
