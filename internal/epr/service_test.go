package epr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epr-ch/vaccination/internal/document"
	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/domain/validation"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
	"github.com/epr-ch/vaccination/internal/observability/metrics"
	"github.com/epr-ch/vaccination/pkg/circuitbreaker"
	"github.com/epr-ch/vaccination/pkg/workerpool"
)

// memStore keeps documents in insertion order.
type memStore struct {
	mu   sync.Mutex
	docs []*StoredDocument
	err  error
}

func (m *memStore) Save(_ context.Context, doc *StoredDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs = append(m.docs, doc)
	return nil
}

func (m *memStore) Get(_ context.Context, documentID string) (*StoredDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.DocumentID == documentID {
			return d, nil
		}
	}
	return nil, ErrDocumentNotFound
}

func (m *memStore) ListByPatient(_ context.Context, patientKey string) ([]*StoredDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*StoredDocument
	for _, d := range m.docs {
		if d.PatientKey == patientKey {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) FindByRecordID(_ context.Context, patientKey, recordID string) (*StoredDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.docs) - 1; i >= 0; i-- {
		d := m.docs[i]
		if d.PatientKey != patientKey {
			continue
		}
		for _, id := range d.RecordIDs {
			if id == recordID {
				return d, nil
			}
		}
	}
	return nil, ErrDocumentNotFound
}

var testNow = time.Date(2023, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	var mu sync.Mutex
	n := 0
	opts := document.Options{
		Clock: func() time.Time { return testNow },
		NewUUID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
		},
	}
	return NewService(store, Config{
		Document:  opts,
		Validator: validation.NewWithClock(func() record.Date { return record.NewDate(2023, 6, 15) }),
		Pool:      workerpool.New(workerpool.Config{Workers: 4}, nil),
		Metrics:   metrics.New(nil),
	}, nil)
}

func testPatient() *record.PatientIdentifier {
	pid := record.NewPatientIdentifier("1.1.4567334.1.1", "waldspital-Id-1234", "1.1.4567334.1.1.1")
	pid.SPIDExtension = "761337610411265304"
	pid.PatientInfo = &record.HumanName{FirstName: "Kenneth", LastName: "Branagh", BirthDate: record.NewDate(1960, 12, 10)}
	return pid
}

func hcp() *record.Author {
	return &record.Author{
		User:         record.HumanName{FirstName: "Peter", LastName: "Mueller", GLN: "7601000000000"},
		Role:         record.RoleHCP,
		Organization: "Gruppenpraxis CH",
	}
}

func vaccination(lot string, occurred record.Date) *record.Vaccination {
	return &record.Vaccination{
		Base: record.Base{
			Code:     *record.NewCodedValue("http://fhir.ch/ig/ch-vacd/CodeSystem/ch-vacd-swissmedic-cs", "558", "FSME-Immun 0.25ml Junior"),
			Author:   hcp(),
			Recorder: &record.HumanName{FirstName: "Peter", LastName: "Mueller"},
			Comments: []record.Comment{{Text: "first entry"}},
		},
		TargetDiseases: []record.CodedValue{*record.NewCodedValue(r4.SystemSNOMED, "16901001", "Central European encephalitis")},
		DoseNumber:     1,
		OccurrenceDate: occurred,
		LotNumber:      lot,
		Status:         &record.CodedValue{Code: "completed", Name: "Completed", System: r4.SystemEventStatus},
	}
}

func allergy() *record.Allergy {
	return &record.Allergy{
		Base: record.Base{
			Code:     *record.NewCodedValue(r4.SystemSNOMED, "294468006", "Neomycin allergy"),
			Author:   hcp(),
			Recorder: &record.HumanName{FirstName: "Peter", LastName: "Mueller"},
		},
		OccurrenceDate: record.NewDate(2019, 3, 1),
	}
}

func ids(entries []record.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Common().ID)
	}
	sort.Strings(out)
	return out
}

func TestService_Create(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)

	out, err := svc.Create(context.Background(), testPatient(), vaccination("AHAVB946A", record.NewDate(2022, 1, 1)))
	require.NoError(t, err)
	require.Len(t, store.docs, 1)

	doc := store.docs[0]
	assert.Equal(t, out.DocumentID, doc.DocumentID)
	assert.Equal(t, testPatient().CacheKey(), doc.PatientKey)
	assert.Equal(t, record.KindVaccination, doc.Kind)
	assert.Empty(t, doc.ReplacesDocumentID)

	got := out.Record.(*record.Vaccination)
	assert.Equal(t, []string{got.ID}, doc.RecordIDs)
	assert.Equal(t, "AHAVB946A", got.LotNumber)
	assert.True(t, got.Validated)
	require.Len(t, got.Comments, 1)
	assert.NotNil(t, got.Comments[0].Date)
}

func TestService_CreateRejectsInvalid(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)

	invalid := vaccination("X", record.NewDate(2022, 1, 1))
	invalid.TargetDiseases = nil
	_, err := svc.Create(context.Background(), testPatient(), invalid)
	assert.ErrorIs(t, err, validation.ErrValidation)
	assert.Equal(t, ClassValidation, Classify(err))

	_, err = svc.Create(context.Background(), record.NewPatientIdentifier("c", "", ""), vaccination("X", record.NewDate(2022, 1, 1)))
	assert.Equal(t, ClassValidation, Classify(err))

	unknownStatus := vaccination("X", record.NewDate(2022, 1, 1))
	unknownStatus.Status = record.NewCodedValue(r4.SystemSNOMED, "255594003", "Completed")
	_, err = svc.Create(context.Background(), testPatient(), unknownStatus)
	assert.Equal(t, ClassValidation, Classify(err))
	var fe *validation.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "status", fe.Field)
	assert.Empty(t, store.docs)
}

func TestService_UpdateSupersedes(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)
	ctx := context.Background()

	created, err := svc.Create(ctx, testPatient(), vaccination("AHAVB946A", record.NewDate(2022, 1, 1)))
	require.NoError(t, err)
	oldID := created.Record.Common().ID

	commentOnly := vaccination("AHAVB946A", record.NewDate(2022, 1, 1))
	commentOnly.Comments = []record.Comment{{Text: "well tolerated"}}
	updated, err := svc.Update(ctx, testPatient(), oldID, commentOnly)
	require.NoError(t, err)
	assert.False(t, updated.RequiresRevalidation)
	assert.Equal(t, created.DocumentID, store.docs[1].ReplacesDocumentID)
	assert.Len(t, updated.Record.Common().Comments, 2)

	newID := updated.Record.Common().ID
	relot, err := svc.Update(ctx, testPatient(), newID, vaccination("XYZ123", record.NewDate(2022, 1, 1)))
	require.NoError(t, err)
	assert.True(t, relot.RequiresRevalidation)

	current, err := svc.List(ctx, testPatient(), record.KindVaccination, false)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, relot.Record.Common().ID, current[0].Common().ID)
	assert.Equal(t, newID, current[0].Common().RelatedID)
	assert.True(t, current[0].Common().Updated)
	assert.NotEmpty(t, current[0].Common().JSON)

	old, err := svc.Get(ctx, testPatient(), record.KindVaccination, oldID)
	require.NoError(t, err)
	assert.Equal(t, "AHAVB946A", old.(*record.Vaccination).LotNumber)
}

func TestService_Delete(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)
	ctx := context.Background()

	created, err := svc.Create(ctx, testPatient(), allergy())
	require.NoError(t, err)
	id := created.Record.Common().ID

	deleted, err := svc.Delete(ctx, testPatient(), record.KindAllergy, id, nil)
	require.NoError(t, err)
	assert.True(t, deleted.Record.Common().Deleted)
	assert.Equal(t, id, deleted.Record.Common().RelatedID)

	current, err := svc.List(ctx, testPatient(), record.KindAllergy, false)
	require.NoError(t, err)
	assert.Empty(t, current)

	withDeleted, err := svc.List(ctx, testPatient(), record.KindAllergy, true)
	require.NoError(t, err)
	assert.Equal(t, []string{deleted.Record.Common().ID}, ids(withDeleted))

	_, err = svc.Delete(ctx, testPatient(), record.KindAllergy, deleted.Record.Common().ID, nil)
	assert.Equal(t, ClassNotFound, Classify(err))

	_, err = svc.Delete(ctx, testPatient(), record.KindVaccination, id, nil)
	assert.Equal(t, ClassNotFound, Classify(err))
}

func TestService_GetUnknown(t *testing.T) {
	svc := newTestService(t, &memStore{})

	_, err := svc.Get(context.Background(), testPatient(), record.KindVaccination, "8a5c7e4e-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, document.ErrNotFound)
	assert.Equal(t, ClassNotFound, Classify(err))
}

func TestService_ListOrderAndKinds(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)
	ctx := context.Background()

	for _, d := range []record.Date{record.NewDate(2020, 5, 1), record.NewDate(2022, 1, 1), record.NewDate(2021, 3, 1)} {
		_, err := svc.Create(ctx, testPatient(), vaccination("L", d))
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, testPatient(), allergy())
	require.NoError(t, err)
	store.docs = append(store.docs, &StoredDocument{DocumentID: "broken", PatientKey: testPatient().CacheKey(), Payload: []byte("{not json")})

	got, err := svc.List(ctx, testPatient(), record.KindVaccination, false)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, record.NewDate(2022, 1, 1), got[0].DateOfEvent())
	assert.Equal(t, record.NewDate(2021, 3, 1), got[1].DateOfEvent())
	assert.Equal(t, record.NewDate(2020, 5, 1), got[2].DateOfEvent())

	_, err = svc.List(ctx, testPatient(), record.KindVaccinationRecord, false)
	assert.ErrorIs(t, err, document.ErrUnsupportedRecord)

	other := record.NewPatientIdentifier("1.1.4567334.1.1", "other", "1.1.4567334.1.1.1")
	none, err := svc.List(ctx, other, record.KindVaccination, false)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestService_CompositeDocuments(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)
	ctx := context.Background()

	rec := &record.VaccinationRecord{
		Base:         record.Base{Author: hcp()},
		Vaccinations: []*record.Vaccination{vaccination("A1", record.NewDate(2021, 1, 1))},
		Allergies:    []*record.Allergy{allergy()},
	}
	out, err := svc.Create(ctx, testPatient(), rec)
	require.NoError(t, err)
	assert.Equal(t, record.KindVaccinationRecord, store.docs[0].Kind)
	assert.Len(t, store.docs[0].RecordIDs, 2)
	composite := out.Record.(*record.VaccinationRecord)
	require.Len(t, composite.Vaccinations, 1)

	vaccinations, err := svc.List(ctx, testPatient(), record.KindVaccination, false)
	require.NoError(t, err)
	require.Len(t, vaccinations, 1)

	updated, err := svc.Update(ctx, testPatient(), composite.Vaccinations[0].ID, vaccination("A2", record.NewDate(2021, 1, 1)))
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, testPatient())
	require.NoError(t, err)
	require.Len(t, summary.Vaccinations, 1)
	assert.Equal(t, updated.Record.Common().ID, summary.Vaccinations[0].ID)
	assert.Len(t, summary.Allergies, 1)
	assert.Equal(t, "Branagh", summary.Patient.LastName)
}

func TestService_Document(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)
	ctx := context.Background()

	out, err := svc.Create(ctx, testPatient(), allergy())
	require.NoError(t, err)

	data, err := svc.Document(ctx, out.DocumentID, r4.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, store.docs[0].Payload, data)

	xml, err := svc.Document(ctx, out.DocumentID, r4.FormatXML)
	require.NoError(t, err)
	assert.Contains(t, string(xml), "<Bundle")

	_, err = svc.Document(ctx, "missing", r4.FormatJSON)
	assert.Equal(t, ClassNotFound, Classify(err))
}

func TestService_ValidateOnly(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)

	assert.NoError(t, svc.Validate(context.Background(), allergy()))
	future := allergy()
	future.OccurrenceDate = record.NewDate(2030, 1, 1)
	assert.ErrorIs(t, svc.Validate(context.Background(), future), validation.ErrValidation)
	assert.Empty(t, store.docs)
}

func TestService_BreakerOpensOnStoreFailures(t *testing.T) {
	store := &memStore{err: errors.New("connection refused")}
	cfg := circuitbreaker.DefaultConfig("store")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.Ignore = func(err error) bool { return errors.Is(err, document.ErrNotFound) }
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	svc := newTestService(t, store)
	svc.breaker = cb
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.List(ctx, testPatient(), record.KindAllergy, false)
		assert.Equal(t, ClassTechnical, Classify(err))
	}
	_, err = svc.List(ctx, testPatient(), record.KindAllergy, false)
	assert.Equal(t, ClassUnavailable, Classify(err))
}

func TestService_DeleteWithoutDemographics(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)
	ctx := context.Background()

	created, err := svc.Create(ctx, testPatient(), allergy())
	require.NoError(t, err)

	bare := testPatient()
	bare.PatientInfo = nil
	deleted, err := svc.Delete(ctx, bare, record.KindAllergy, created.Record.Common().ID, nil)
	require.NoError(t, err)
	assert.True(t, deleted.Record.Common().Deleted)
	assert.Nil(t, bare.PatientInfo)

	require.Len(t, store.docs, 2)
	b, err := r4.NewCodec(nil).Parse(store.docs[1].Payload)
	require.NoError(t, err)
	prior, err := document.LocatePrior(b, deleted.Record.Common().ID)
	require.NoError(t, err)
	patient := prior.Patient()
	require.NotNil(t, patient)
	assert.Equal(t, "Branagh", patient.LastName)
	assert.Equal(t, record.NewDate(1960, 12, 10), patient.BirthDate)
}

func TestService_ListFailsOnCorruptDocument(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Create(ctx, testPatient(), vaccination("AHAVB946A", record.NewDate(2022, 1, 1)))
	require.NoError(t, err)
	store.docs[0].Payload = []byte(`{"resourceType":"Bundle", broken`)

	entries, err := svc.List(ctx, testPatient(), record.KindVaccination, false)
	assert.Nil(t, entries)
	assert.ErrorIs(t, err, document.ErrTechnical)
	assert.Equal(t, ClassTechnical, Classify(err))

	_, err = svc.Summary(ctx, testPatient())
	assert.Equal(t, ClassTechnical, Classify(err))
}
