// Package localfile stores documents as {uuid}.json files in a directory.
// It backs the offline mode, where every document in the directory belongs
// to the single patient being worked on.
package localfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/document"
	"github.com/epr-ch/vaccination/internal/epr"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

// Store implements epr.Store on a directory.
type Store struct {
	dir    string
	codec  *r4.Codec
	logger *zap.Logger
	mu     sync.RWMutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{dir: dir, codec: r4.NewCodec(logger), logger: logger}, nil
}

// Save writes the document payload to {dir}/{documentID}.json.
func (s *Store) Save(_ context.Context, doc *epr.StoredDocument) error {
	path, err := s.path(doc.DocumentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(doc.Payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write document %s: %w", doc.DocumentID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close document %s: %w", doc.DocumentID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store document %s: %w", doc.DocumentID, err)
	}

	s.logger.Debug("Stored document", zap.String("document_id", doc.DocumentID), zap.String("path", path))
	return nil
}

// Get reads a single document by id.
func (s *Store) Get(ctx context.Context, documentID string) (*epr.StoredDocument, error) {
	path, err := s.path(documentID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if err == nil {
		if doc := s.describe(path, data); doc != nil {
			return doc, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read document %s: %w", documentID, err)
	}

	// Files dropped into the directory by hand may be named differently
	// from their bundle identifier.
	docs, err := s.ListByPatient(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc.DocumentID == documentID {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", epr.ErrDocumentNotFound, documentID)
}

// ListByPatient returns every readable document in the directory, oldest
// first. The patient key is not consulted.
func (s *Store) ListByPatient(_ context.Context, _ string) ([]*epr.StoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	var docs []*epr.StoredDocument
	compositions := make(map[string]string)
	replaces := make(map[*epr.StoredDocument]string)
	for _, path := range paths {
		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable document", zap.String("path", path), zap.Error(err))
			continue
		}
		b := s.codec.ParseOrNil(data)
		if b == nil {
			continue
		}
		doc := s.fromBundle(path, data, b)
		docs = append(docs, doc)

		if comp, err := r4.NewGraph(b).Composition(); err == nil {
			if comp.Identifier != nil {
				compositions[r4.StripURNUUID(comp.Identifier.Value)] = doc.DocumentID
			}
			for _, rel := range comp.RelatesTo {
				if rel.Code == r4.CompositionRelationReplaces && rel.TargetIdentifier != nil {
					replaces[doc] = r4.StripURNUUID(rel.TargetIdentifier.Value)
				}
			}
		}
	}
	for doc, compID := range replaces {
		doc.ReplacesDocumentID = compositions[compID]
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

// FindByRecordID returns the newest document carrying the record.
func (s *Store) FindByRecordID(ctx context.Context, patientKey, recordID string) (*epr.StoredDocument, error) {
	docs, err := s.ListByPatient(ctx, patientKey)
	if err != nil {
		return nil, err
	}
	for i := len(docs) - 1; i >= 0; i-- {
		for _, id := range docs[i].RecordIDs {
			if id == recordID {
				return docs[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: record %s", epr.ErrDocumentNotFound, recordID)
}

func (s *Store) path(documentID string) (string, error) {
	if _, err := uuid.Parse(documentID); err != nil {
		return "", fmt.Errorf("%w: invalid document id %q", epr.ErrDocumentNotFound, documentID)
	}
	return filepath.Join(s.dir, documentID+".json"), nil
}

func (s *Store) describe(path string, data []byte) *epr.StoredDocument {
	b := s.codec.ParseOrNil(data)
	if b == nil {
		return nil
	}
	return s.fromBundle(path, data, b)
}

func (s *Store) fromBundle(path string, data []byte, b *r4.Bundle) *epr.StoredDocument {
	id := b.DocumentID()
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	created, err := time.Parse(time.RFC3339, b.Timestamp)
	if err != nil {
		if info, statErr := os.Stat(path); statErr == nil {
			created = info.ModTime()
		}
	}
	return &epr.StoredDocument{
		DocumentID: id,
		Kind:       document.KindOf(b),
		RecordIDs:  document.RecordIDs(b),
		Payload:    data,
		CreatedAt:  created,
	}
}
