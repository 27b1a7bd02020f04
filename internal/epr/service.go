// Package epr is the vaccination record service: it validates records, turns
// them into FHIR documents, stores the documents and reads records back out
// of a patient's stored documents.
package epr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/document"
	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/domain/validation"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
	"github.com/epr-ch/vaccination/internal/observability/metrics"
	"github.com/epr-ch/vaccination/pkg/circuitbreaker"
	"github.com/epr-ch/vaccination/pkg/workerpool"
)

// entryKinds are the kinds stored as single entries, in document order.
var entryKinds = []record.Kind{
	record.KindVaccination,
	record.KindPastIllness,
	record.KindAllergy,
	record.KindMedicalProblem,
}

// Config wires the collaborators of a Service. Zero values get defaults;
// Breaker and Metrics are optional.
type Config struct {
	Document  document.Options
	Validator *validation.Validator
	Pool      *workerpool.Pool
	Breaker   *circuitbreaker.CircuitBreaker
	Metrics   *metrics.Metrics
}

// Outcome is the result of a write.
type Outcome struct {
	DocumentID string        `json:"documentId"`
	Record     record.Record `json:"record"`
	// RequiresRevalidation is set on updates that changed clinically
	// relevant fields of a record.
	RequiresRevalidation bool `json:"requiresRevalidation,omitempty"`
}

// Service implements the record operations on top of a Store.
type Service struct {
	store     Store
	builder   *document.Builder
	reader    *document.Reader
	versioner *document.Versioner
	validator *validation.Validator
	codec     *r4.Codec
	pool      *workerpool.Pool
	breaker   *circuitbreaker.CircuitBreaker
	metrics   *metrics.Metrics
	clock     func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewService creates a record service
func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.Pool == nil {
		cfg.Pool = workerpool.New(workerpool.DefaultConfig(), logger)
	}
	clock := cfg.Document.Clock
	if clock == nil {
		clock = time.Now
	}
	builder := document.NewBuilder(cfg.Document, logger)
	return &Service{
		store:     store,
		builder:   builder,
		reader:    document.NewReader(cfg.Document, logger),
		versioner: document.NewVersioner(builder, logger),
		validator: cfg.Validator,
		codec:     r4.NewCodec(logger),
		pool:      cfg.Pool,
		breaker:   cfg.Breaker,
		metrics:   cfg.Metrics,
		clock:     clock,
		logger:    logger,
		tracer:    otel.Tracer("epr-service"),
	}
}

// Validate checks a record without storing it.
func (s *Service) Validate(ctx context.Context, rec record.Record) error {
	_, span := s.tracer.Start(ctx, "epr.validate")
	defer span.End()
	return s.observe(span, "validate", time.Now(), s.validator.Validate(rec, false))
}

// Create stores a new document for rec and returns the record as read back
// from that document.
func (s *Service) Create(ctx context.Context, pid *record.PatientIdentifier, rec record.Record) (_ *Outcome, err error) {
	ctx, span := s.start(ctx, "epr.create", pid)
	defer span.End()
	defer func(start time.Time) { err = s.observe(span, "create", start, err) }(time.Now())

	if err := pid.Validate(); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(rec, false); err != nil {
		return nil, err
	}

	b, err := s.builder.Build(pid, rec)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, pid, rec.Kind(), "", ActionCreate, b); err != nil {
		return nil, err
	}

	stored, err := s.readBack(rec.Kind(), b)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Record created",
		zap.String("kind", string(rec.Kind())),
		zap.String("document_id", b.DocumentID()))
	return &Outcome{DocumentID: b.DocumentID(), Record: stored}, nil
}

// Update replaces the record id with entry. The prior document stays
// stored; the new document references it.
func (s *Service) Update(ctx context.Context, pid *record.PatientIdentifier, id string, entry record.Entry) (_ *Outcome, err error) {
	ctx, span := s.start(ctx, "epr.update", pid)
	defer span.End()
	span.SetAttributes(attribute.String("record_id", id))
	defer func(start time.Time) { err = s.observe(span, "update", start, err) }(time.Now())

	if err := pid.Validate(); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(entry, false); err != nil {
		return nil, err
	}

	prior, old, err := s.locate(ctx, pid, entry.Kind(), id)
	if err != nil {
		return nil, err
	}
	pid = withStoredPatient(pid, prior.prior)
	b, err := s.versioner.Update(pid, entry, prior.prior)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, pid, entry.Kind(), prior.doc.DocumentID, ActionUpdate, b); err != nil {
		return nil, err
	}

	stored, err := s.readBack(entry.Kind(), b)
	if err != nil {
		return nil, err
	}
	revalidate := validation.RequiresRevalidation(old, entry)
	s.logger.Info("Record updated",
		zap.String("kind", string(entry.Kind())),
		zap.String("record_id", id),
		zap.String("document_id", b.DocumentID()),
		zap.Bool("requires_revalidation", revalidate))
	return &Outcome{DocumentID: b.DocumentID(), Record: stored, RequiresRevalidation: revalidate}, nil
}

// Delete supersedes the record id with an entered-in-error version authored
// by author. A nil author keeps the stored record's author.
func (s *Service) Delete(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, id string, author *record.Author) (_ *Outcome, err error) {
	ctx, span := s.start(ctx, "epr.delete", pid)
	defer span.End()
	span.SetAttributes(attribute.String("record_id", id))
	defer func(start time.Time) { err = s.observe(span, "delete", start, err) }(time.Now())

	if err := pid.Validate(); err != nil {
		return nil, err
	}
	prior, old, err := s.locate(ctx, pid, kind, id)
	if err != nil {
		return nil, err
	}
	if old.Common().Deleted {
		return nil, fmt.Errorf("%w: record %s is already deleted", document.ErrNotFound, id)
	}
	if author != nil {
		old.Common().Author = author
	}
	pid = withStoredPatient(pid, prior.prior)

	b, err := s.versioner.Delete(pid, old, prior.prior)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, pid, kind, prior.doc.DocumentID, ActionDelete, b); err != nil {
		return nil, err
	}
	stored, err := s.readBack(kind, b)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Record deleted",
		zap.String("kind", string(kind)),
		zap.String("record_id", id),
		zap.String("document_id", b.DocumentID()))
	return &Outcome{DocumentID: b.DocumentID(), Record: stored}, nil
}

// Get returns a single record version by id, superseded or not.
func (s *Service) Get(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, id string) (_ record.Entry, err error) {
	ctx, span := s.start(ctx, "epr.get", pid)
	defer span.End()
	defer func(start time.Time) { err = s.observe(span, "get", start, err) }(time.Now())

	if err := pid.Validate(); err != nil {
		return nil, err
	}
	_, entry, err := s.locate(ctx, pid, kind, id)
	if err != nil {
		return nil, err
	}
	s.countRead(entry.Kind(), 1)
	return entry, nil
}

// List returns the current records of one kind, newest event first.
// Superseded versions are dropped; deleted records only with includeDeleted.
func (s *Service) List(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, includeDeleted bool) (_ []record.Entry, err error) {
	ctx, span := s.start(ctx, "epr.list", pid)
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)))
	defer func(start time.Time) { err = s.observe(span, "list", start, err) }(time.Now())

	if kind == record.KindVaccinationRecord {
		return nil, fmt.Errorf("%w: list %s", document.ErrUnsupportedRecord, kind)
	}
	if err := pid.Validate(); err != nil {
		return nil, err
	}
	all, err := s.current(ctx, pid, includeDeleted)
	if err != nil {
		return nil, err
	}

	var out []record.Entry
	for _, e := range all {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	s.countRead(kind, len(out))
	return out, nil
}

// Summary assembles the current records of all kinds into a vaccination record.
func (s *Service) Summary(ctx context.Context, pid *record.PatientIdentifier) (_ *record.VaccinationRecord, err error) {
	ctx, span := s.start(ctx, "epr.summary", pid)
	defer span.End()
	defer func(start time.Time) { err = s.observe(span, "summary", start, err) }(time.Now())

	if err := pid.Validate(); err != nil {
		return nil, err
	}
	all, err := s.current(ctx, pid, false)
	if err != nil {
		return nil, err
	}

	rec := &record.VaccinationRecord{Patient: pid.PatientInfo}
	for _, e := range all {
		switch v := e.(type) {
		case *record.Vaccination:
			rec.Vaccinations = append(rec.Vaccinations, v)
		case *record.PastIllness:
			rec.PastIllnesses = append(rec.PastIllnesses, v)
		case *record.Allergy:
			rec.Allergies = append(rec.Allergies, v)
		case *record.MedicalProblem:
			rec.MedicalProblems = append(rec.MedicalProblems, v)
		}
	}
	s.countRead(record.KindVaccinationRecord, len(all))
	return rec, nil
}

// Document returns a stored document in the requested format.
func (s *Service) Document(ctx context.Context, documentID string, format r4.Format) (_ []byte, err error) {
	ctx, span := s.tracer.Start(ctx, "epr.document",
		trace.WithAttributes(attribute.String("document_id", documentID)))
	defer span.End()
	defer func(start time.Time) { err = s.observe(span, "document", start, err) }(time.Now())

	doc, err := guard(ctx, s.breaker, func(ctx context.Context) (*StoredDocument, error) {
		return s.store.Get(ctx, documentID)
	})
	if err != nil {
		return nil, err
	}
	if format == r4.FormatJSON {
		return doc.Payload, nil
	}
	out, err := s.codec.Convert(doc.Payload, format)
	if err != nil {
		return nil, fmt.Errorf("%w: convert document %s: %w", document.ErrTechnical, documentID, err)
	}
	return out, nil
}

// withStoredPatient returns pid with the demographics of the prior document
// when the caller supplied none.
func withStoredPatient(pid *record.PatientIdentifier, prior *document.Prior) *record.PatientIdentifier {
	if pid.PatientInfo != nil {
		return pid
	}
	info := prior.Patient()
	if info == nil {
		return pid
	}
	filled := *pid
	filled.PatientInfo = info
	return &filled
}

// located is a stored document parsed for supersession.
type located struct {
	doc   *StoredDocument
	prior *document.Prior
}

// locate loads the document carrying record id and reads the record from it.
func (s *Service) locate(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, id string) (*located, record.Entry, error) {
	doc, err := guard(ctx, s.breaker, func(ctx context.Context) (*StoredDocument, error) {
		return s.store.FindByRecordID(ctx, pid.CacheKey(), id)
	})
	if err != nil {
		return nil, nil, err
	}
	b, err := s.codec.Parse(doc.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse document %s: %w", document.ErrTechnical, doc.DocumentID, err)
	}
	prior, err := document.LocatePrior(b, id)
	if err != nil {
		return nil, nil, err
	}

	entries, err := s.extract(doc, b)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.Kind() == kind && e.Common().ID == id {
			return &located{doc: doc, prior: prior}, e, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s %s", document.ErrNotFound, kind, id)
}

// current reads every stored document of the patient and returns the
// records that no other record supersedes.
func (s *Service) current(ctx context.Context, pid *record.PatientIdentifier, includeDeleted bool) ([]record.Entry, error) {
	docs, err := guard(ctx, s.breaker, func(ctx context.Context) ([]*StoredDocument, error) {
		return s.store.ListByPatient(ctx, pid.CacheKey())
	})
	if err != nil {
		return nil, err
	}

	perDoc, err := workerpool.Map(ctx, s.pool, docs, func(_ context.Context, doc *StoredDocument) ([]record.Entry, error) {
		b, err := s.codec.Parse(doc.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: parse document %s: %w", document.ErrTechnical, doc.DocumentID, err)
		}
		return s.extract(doc, b)
	})
	if err != nil {
		return nil, err
	}

	var all []record.Entry
	superseded := make(map[string]bool)
	for _, entries := range perDoc {
		for _, e := range entries {
			all = append(all, e)
			if rel := e.Common().RelatedID; rel != "" {
				superseded[rel] = true
			}
		}
	}

	out := all[:0]
	for _, e := range all {
		base := e.Common()
		if superseded[base.ID] || (base.Deleted && !includeDeleted) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// extract reads every entry of a document, composite or not.
func (s *Service) extract(doc *StoredDocument, b *r4.Bundle) ([]record.Entry, error) {
	var entries []record.Entry
	if document.IsVaccinationRecord(b) {
		rec, err := s.reader.ExtractRecord(b)
		if err != nil {
			return nil, err
		}
		entries = rec.Entries()
	} else {
		for _, kind := range entryKinds {
			found, err := s.reader.ExtractAll(kind, b)
			if err != nil {
				return nil, err
			}
			entries = append(entries, found...)
		}
	}
	for _, e := range entries {
		e.Common().JSON = string(doc.Payload)
	}
	return entries, nil
}

// readBack returns the stored form of what was just built.
func (s *Service) readBack(kind record.Kind, b *r4.Bundle) (record.Record, error) {
	if kind == record.KindVaccinationRecord {
		return s.reader.ExtractRecord(b)
	}
	entries, err := s.reader.ExtractAll(kind, b)
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 {
		return nil, fmt.Errorf("%w: document %s carries %d %s entries", document.ErrMissingResource, b.DocumentID(), len(entries), kind)
	}
	return entries[0], nil
}

// save checks, serializes and stores a document.
func (s *Service) save(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, replaces, action string, b *r4.Bundle) error {
	if err := r4.NewGraph(b).CheckReferences(); err != nil {
		return fmt.Errorf("%w: document %s: %w", document.ErrTechnical, b.DocumentID(), err)
	}
	payload, err := s.codec.Marshal(b, r4.FormatJSON)
	if err != nil {
		return fmt.Errorf("%w: serialize document: %w", document.ErrTechnical, err)
	}

	doc := &StoredDocument{
		DocumentID:         b.DocumentID(),
		PatientKey:         pid.CacheKey(),
		Kind:               kind,
		ReplacesDocumentID: replaces,
		Action:             action,
		RecordIDs:          document.RecordIDs(b),
		Payload:            payload,
		CreatedAt:          s.clock(),
	}
	if err := guard0(ctx, s.breaker, func(ctx context.Context) error { return s.store.Save(ctx, doc) }); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.DocumentsStored.WithLabelValues(string(kind), action).Inc()
	}
	return nil
}

func (s *Service) start(ctx context.Context, name string, pid *record.PatientIdentifier) (context.Context, trace.Span) {
	var community string
	if pid != nil {
		community = pid.CommunityID
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("community_id", community)))
}

// observe records duration and failure of an operation and passes err through.
func (s *Service) observe(span trace.Span, op string, start time.Time, err error) error {
	if s.metrics != nil {
		s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}
	class := Classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, class)
	if s.metrics != nil {
		s.metrics.OperationsFailed.WithLabelValues(op, class).Inc()
	}
	if class == ClassTechnical || class == ClassUnavailable {
		s.logger.Error("Operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (s *Service) countRead(kind record.Kind, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.RecordsRead.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// sortEntries orders by date of event, then creation time, newest first.
func sortEntries(entries []record.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].DateOfEvent(), entries[j].DateOfEvent()
		if a != b {
			return a.After(b)
		}
		ca, cb := entries[i].Common().CreatedAt, entries[j].Common().CreatedAt
		return ca != nil && cb != nil && ca.After(*cb)
	})
}

func guard[T any](ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	if cb == nil {
		return fn(ctx)
	}
	return circuitbreaker.Do(ctx, cb, fn)
}

func guard0(ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func(context.Context) error) error {
	if cb == nil {
		return fn(ctx)
	}
	return cb.Run(ctx, fn)
}
