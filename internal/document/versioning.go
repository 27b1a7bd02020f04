package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

// Prior is a stored document together with the clinical resource that is
// about to be superseded.
type Prior struct {
	Bundle      *r4.Bundle
	Composition *r4.Composition
	Resource    r4.ClinicalResource
}

// LocatePrior finds the clinical resource whose identifier matches id.
func LocatePrior(b *r4.Bundle, id string) (*Prior, error) {
	g := r4.NewGraph(b)
	comp, err := g.Composition()
	if err != nil {
		return nil, technical(err, "locating %s", id)
	}
	for _, cr := range clinicalResources(g) {
		if recordID(cr) == id {
			return &Prior{Bundle: b, Composition: comp, Resource: cr}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in document %s", ErrNotFound, id, b.DocumentID())
}

// Patient returns the demographics of the prior document's subject, or nil
// when the subject is not a Patient in the bundle.
func (p *Prior) Patient() *record.HumanName {
	res, ok := r4.NewGraph(p.Bundle).Resolve(p.Composition.Subject)
	if !ok {
		return nil
	}
	patient, ok := res.(*r4.Patient)
	if !ok {
		return nil
	}
	return patientName(patient)
}

// RecordIDs lists the ids of the records carried by a document.
func RecordIDs(b *r4.Bundle) []string {
	var ids []string
	for _, cr := range clinicalResources(r4.NewGraph(b)) {
		if id := recordID(cr); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func clinicalResources(g *r4.Graph) []r4.ClinicalResource {
	var out []r4.ClinicalResource
	for _, typ := range []string{"Immunization", "AllergyIntolerance", "Condition"} {
		for _, res := range g.OfType(typ) {
			if cr, ok := res.(r4.ClinicalResource); ok {
				out = append(out, cr)
			}
		}
	}
	return out
}

func recordID(cr r4.ClinicalResource) string {
	ids := cr.GetIdentifier()
	if len(ids) == 0 {
		return ""
	}
	return r4.StripURNUUID(ids[0].Value)
}

// Versioner produces documents that supersede a prior document.
type Versioner struct {
	builder *Builder
	logger  *zap.Logger
}

// NewVersioner creates a versioner building new documents with builder.
func NewVersioner(builder *Builder, logger *zap.Logger) *Versioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Versioner{builder: builder, logger: logger}
}

// Update builds a document replacing prior with entry. Comments of the prior
// resource are carried over. An entry flagged as deleted produces a deletion.
func (v *Versioner) Update(pid *record.PatientIdentifier, entry record.Entry, prior *Prior) (*r4.Bundle, error) {
	return v.supersede(pid, entry, prior, entry.Common().Deleted, true)
}

// Delete builds a document replacing prior with an entered-in-error copy of
// entry.
func (v *Versioner) Delete(pid *record.PatientIdentifier, entry record.Entry, prior *Prior) (*r4.Bundle, error) {
	return v.supersede(pid, entry, prior, true, false)
}

func (v *Versioner) supersede(pid *record.PatientIdentifier, entry record.Entry, prior *Prior, deleted, copyNotes bool) (*r4.Bundle, error) {
	if prior == nil || prior.Resource == nil || prior.Composition == nil {
		return nil, fmt.Errorf("%w: prior document", ErrMissingResource)
	}
	priorIDs := prior.Resource.GetIdentifier()
	if len(priorIDs) == 0 || prior.Composition.Identifier == nil {
		return nil, fmt.Errorf("%w: identifier of %s", ErrMissingResource, r4.Key(prior.Resource))
	}

	b, err := v.builder.Build(pid, entry)
	if err != nil {
		return nil, err
	}
	g := r4.NewGraph(b)
	comp, err := g.Composition()
	if err != nil {
		return nil, technical(err, "superseding %s", r4.Key(prior.Resource))
	}
	comp.RelatesTo = append(comp.RelatesTo, r4.CompositionRelatesTo{
		Code:             r4.CompositionRelationReplaces,
		TargetIdentifier: identifierCopy(prior.Composition.Identifier),
	})

	var current r4.ClinicalResource
	for _, res := range g.OfType(prior.Resource.GetResourceType()) {
		if cr, ok := res.(r4.ClinicalResource); ok {
			current = cr
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("%w: no %s in new document", ErrMissingResource, prior.Resource.GetResourceType())
	}
	if deleted {
		current.MarkEnteredInError()
	}
	current.SetExtension(append(current.GetExtension(), crossReference(&priorIDs[0], prior.Composition.Identifier)))

	if copyNotes && len(prior.Resource.GetNote()) > 0 {
		imp := newImporter(prior.Bundle, b)
		notes, err := imp.notes(prior.Resource.GetNote())
		if err != nil {
			return nil, err
		}
		current.SetNote(append(notes, current.GetNote()...))
	}

	v.logger.Info("Superseded document",
		zap.String("prior_document", prior.Composition.DocumentIdentifier()),
		zap.String("document_id", b.DocumentID()),
		zap.String("resource", r4.Key(current)),
		zap.Bool("deleted", deleted),
	)
	return b, nil
}

func crossReference(entry, document *r4.Identifier) r4.Extension {
	return r4.Extension{
		URL: r4.ExtensionCrossReference,
		Extension: []r4.Extension{
			{URL: r4.CrossReferenceEntry, ValueReference: &r4.Reference{Identifier: identifierCopy(entry)}},
			{URL: r4.CrossReferenceDocument, ValueReference: &r4.Reference{Identifier: identifierCopy(document)}},
			{URL: r4.CrossReferenceRelationCode, ValueCode: r4.CompositionRelationReplaces},
		},
	}
}

func identifierCopy(id *r4.Identifier) *r4.Identifier {
	out := *id
	return &out
}

// importer copies resources referenced from prior notes into a new bundle.
// Resources already present with the same content, minted urn:uuid
// identifiers aside, are shared; clashing ids are renamed to {Type}-note-{n}.
type importer struct {
	source *r4.Graph
	target *r4.Bundle
	byKey  map[string]r4.Resource
	mapped map[string]string
	n      int
}

func newImporter(source, target *r4.Bundle) *importer {
	imp := &importer{
		source: r4.NewGraph(source),
		target: target,
		byKey:  make(map[string]r4.Resource, len(target.Entry)),
		mapped: make(map[string]string),
	}
	for _, e := range target.Entry {
		if e.Resource != nil {
			imp.byKey[r4.Key(e.Resource)] = e.Resource
		}
	}
	return imp
}

func (imp *importer) notes(notes []r4.Annotation) ([]r4.Annotation, error) {
	out := make([]r4.Annotation, 0, len(notes))
	for _, note := range notes {
		copied := note
		if note.AuthorReference != nil {
			copied.AuthorReference = &r4.Reference{}
			*copied.AuthorReference = *note.AuthorReference
			if err := imp.ref(copied.AuthorReference); err != nil {
				return nil, err
			}
		}
		out = append(out, copied)
	}
	return out, nil
}

// ref imports the resource ref points at, with everything it references,
// and rewrites ref to the imported key.
func (imp *importer) ref(ref *r4.Reference) error {
	if ref == nil || ref.Reference == "" {
		return nil
	}
	if key, ok := imp.mapped[ref.Reference]; ok {
		ref.Reference = key
		return nil
	}
	res, ok := imp.source.Resolve(ref)
	if !ok {
		return fmt.Errorf("%w: %s referenced by prior note", ErrMissingResource, ref.Reference)
	}
	key := r4.Key(res)
	imp.mapped[ref.Reference] = key
	imp.mapped[key] = key

	clone, err := cloneResource(res, "")
	if err != nil {
		return err
	}
	for _, inner := range clone.References() {
		if err := imp.ref(inner); err != nil {
			return err
		}
	}

	if existing, ok := imp.byKey[key]; ok {
		same, err := sameContent(existing, clone)
		if err != nil {
			return err
		}
		if !same {
			imp.n++
			if clone, err = cloneResource(clone, fmt.Sprintf("%s-note-%d", clone.GetResourceType(), imp.n)); err != nil {
				return err
			}
			imp.add(clone)
		}
	} else {
		imp.add(clone)
	}

	imp.mapped[ref.Reference] = r4.Key(clone)
	imp.mapped[key] = r4.Key(clone)
	ref.Reference = r4.Key(clone)
	return nil
}

func (imp *importer) add(res r4.Resource) {
	imp.byKey[r4.Key(res)] = res
	imp.target.AddEntry(res)
}

// cloneResource deep-copies a resource through its JSON form, replacing the
// id when one is given.
func cloneResource(res r4.Resource, id string) (r4.Resource, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, technical(err, "copying %s", r4.Key(res))
	}
	if id != "" {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, technical(err, "copying %s", r4.Key(res))
		}
		m["id"] = id
		if data, err = json.Marshal(m); err != nil {
			return nil, technical(err, "copying %s", r4.Key(res))
		}
	}
	clone, err := r4.DecodeResource(data)
	if err != nil {
		return nil, technical(err, "copying %s", r4.Key(res))
	}
	return clone, nil
}

func sameContent(a, b r4.Resource) (bool, error) {
	da, err := identityJSON(a)
	if err != nil {
		return false, err
	}
	db, err := identityJSON(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}

// identityJSON renders a resource without the urn:uuid identifiers minted per
// build, so a patient known only by local id matches across documents.
func identityJSON(res r4.Resource) ([]byte, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, technical(err, "comparing %s", r4.Key(res))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, technical(err, "comparing %s", r4.Key(res))
	}
	if ids, ok := m["identifier"].([]any); ok {
		kept := ids[:0]
		for _, id := range ids {
			if obj, ok := id.(map[string]any); ok && obj["system"] == r4.SystemURI {
				if v, _ := obj["value"].(string); strings.HasPrefix(v, r4.URNUUIDPrefix) {
					continue
				}
			}
			kept = append(kept, id)
		}
		m["identifier"] = kept
	}
	if data, err = json.Marshal(m); err != nil {
		return nil, technical(err, "comparing %s", r4.Key(res))
	}
	return data, nil
}
