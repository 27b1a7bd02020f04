package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/epr"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schema }

// Connect opens a pool on databaseURL and checks it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the document, outbox and inbox tables when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DocumentStore keeps FHIR documents in epr_documents and announces each
// saved document through the outbox.
type DocumentStore struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewDocumentStore creates a store whose events go to topic.
func NewDocumentStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *DocumentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{pool: pool, topic: topic, logger: logger}
}

// Ping checks the database connection.
func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save inserts doc and its outbox entry in one transaction.
func (s *DocumentStore) Save(ctx context.Context, doc *epr.StoredDocument) error {
	entry, err := s.outboxEntry(doc)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO epr_documents
		(document_id, patient_key, kind, replaces_document_id, record_ids, payload, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`
	_, err = tx.Exec(ctx, query,
		doc.DocumentID,
		doc.PatientKey,
		string(doc.Kind),
		doc.ReplacesDocumentID,
		recordIDs(doc.RecordIDs),
		string(doc.Payload),
		doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.DocumentID, err)
	}

	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("document stored",
		zap.String("document_id", doc.DocumentID),
		zap.String("kind", string(doc.Kind)),
		zap.Int64("outbox_id", entry.ID))
	return nil
}

func (s *DocumentStore) outboxEntry(doc *epr.StoredDocument) (*OutboxEntry, error) {
	event := epr.NewDocumentEvent(doc)
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal document event: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   doc.DocumentID,
		AggregateType: epr.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    s.topic,
		KafkaKey:      doc.PatientKey,
	}, nil
}

const documentColumns = `document_id, patient_key, kind, COALESCE(replaces_document_id, ''), record_ids, payload, created_at`

// Get returns the document with documentID.
func (s *DocumentStore) Get(ctx context.Context, documentID string) (*epr.StoredDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM epr_documents WHERE document_id = $1`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", epr.ErrDocumentNotFound, documentID)
	}
	return doc, err
}

// ListByPatient returns the patient's documents, oldest first.
func (s *DocumentStore) ListByPatient(ctx context.Context, patientKey string) ([]*epr.StoredDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM epr_documents WHERE patient_key = $1 ORDER BY created_at ASC`, patientKey)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*epr.StoredDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FindByRecordID returns the newest document of the patient carrying recordID.
func (s *DocumentStore) FindByRecordID(ctx context.Context, patientKey, recordID string) (*epr.StoredDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM epr_documents
		 WHERE patient_key = $1 AND $2 = ANY(record_ids)
		 ORDER BY created_at DESC
		 LIMIT 1`, patientKey, recordID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s", epr.ErrDocumentNotFound, recordID)
	}
	return doc, err
}

func scanDocument(row pgx.Row) (*epr.StoredDocument, error) {
	var (
		doc     epr.StoredDocument
		kind    string
		payload string
	)
	err := row.Scan(&doc.DocumentID, &doc.PatientKey, &kind, &doc.ReplacesDocumentID,
		&doc.RecordIDs, &payload, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}
	doc.Kind = record.Kind(kind)
	doc.Payload = []byte(payload)
	return &doc, nil
}

func recordIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
