package document

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

// Reader extracts records from document bundles.
type Reader struct {
	opts   Options
	logger *zap.Logger
}

// NewReader creates a new document reader.
func NewReader(opts Options, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{opts: opts.withDefaults(), logger: logger}
}

// IsVaccinationRecord reports whether the bundle is a composite vaccination
// record document.
func IsVaccinationRecord(b *r4.Bundle) bool {
	return b.HasProfile(r4.ProfileVaccinationRecordDocument)
}

// KindOf returns the record kind a document was built from, or "" when it
// carries no clinical resource.
func KindOf(b *r4.Bundle) record.Kind {
	if b == nil {
		return ""
	}
	if IsVaccinationRecord(b) {
		return record.KindVaccinationRecord
	}
	g := r4.NewGraph(b)
	switch {
	case len(g.OfType("Immunization")) > 0:
		return record.KindVaccination
	case len(g.OfType("AllergyIntolerance")) > 0:
		return record.KindAllergy
	}
	for _, res := range g.OfType("Condition") {
		if res.(*r4.Condition).IsProblemListItem() {
			return record.KindMedicalProblem
		}
		return record.KindPastIllness
	}
	return ""
}

// ExtractAll returns every entry of the given kind contained in a single-entry
// document. Vaccination record documents and nil bundles yield no entries.
func (r *Reader) ExtractAll(kind record.Kind, b *r4.Bundle) ([]record.Entry, error) {
	if kind == record.KindVaccinationRecord {
		return nil, fmt.Errorf("%w: %s is not an entry kind", ErrUnsupportedRecord, kind)
	}
	if b == nil || IsVaccinationRecord(b) {
		return nil, nil
	}
	doc, err := r.open(b)
	if err != nil {
		return nil, err
	}
	entries, err := doc.entries(kind)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Extracted entries",
		zap.String("kind", string(kind)),
		zap.String("document_id", b.DocumentID()),
		zap.Int("count", len(entries)),
	)
	return entries, nil
}

// ExtractOne returns the entry with the given id.
func (r *Reader) ExtractOne(kind record.Kind, b *r4.Bundle, id string) (record.Entry, error) {
	entries, err := r.ExtractAll(kind, b)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Common().ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// ExtractRecord reads a composite vaccination record document.
func (r *Reader) ExtractRecord(b *r4.Bundle) (*record.VaccinationRecord, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil bundle", ErrMissingResource)
	}
	doc, err := r.open(b)
	if err != nil {
		return nil, err
	}

	rec := &record.VaccinationRecord{}
	doc.fillBase(&rec.Base)
	if p, ok := doc.graph.Resolve(doc.comp.Subject); ok {
		if patient, ok := p.(*r4.Patient); ok {
			rec.Patient = patientName(patient)
		}
	}
	for _, kind := range []record.Kind{record.KindVaccination, record.KindPastIllness, record.KindAllergy, record.KindMedicalProblem} {
		entries, err := doc.entries(kind)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
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
	}
	return rec, nil
}

// ExtractComments returns the comments attached to a clinical resource,
// newest first.
func (r *Reader) ExtractComments(b *r4.Bundle, res r4.ClinicalResource) ([]record.Comment, error) {
	doc, err := r.open(b)
	if err != nil {
		return nil, err
	}
	return doc.comments(res)
}

// docContext holds what is shared by every entry of one document.
type docContext struct {
	opts      Options
	graph     *r4.Graph
	comp      *r4.Composition
	author    *record.Author
	createdAt *time.Time
	conf      *record.CodedValue
}

func (r *Reader) open(b *r4.Bundle) (*docContext, error) {
	g := r4.NewGraph(b)
	comp, err := g.Composition()
	if err != nil {
		return nil, technical(err, "reading document %s", b.DocumentID())
	}
	doc := &docContext{opts: r.opts, graph: g, comp: comp}
	if len(comp.Author) > 0 {
		doc.author = doc.authorOf(&comp.Author[0])
	}
	if b.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, b.Timestamp)
		if err != nil {
			return nil, technical(err, "bundle timestamp")
		}
		doc.createdAt = &ts
	}
	doc.conf = codedValue(comp.ConfidentialityCoding())
	return doc, nil
}

func (d *docContext) fillBase(base *record.Base) {
	base.Author = d.author
	base.CreatedAt = d.createdAt
	base.Confidentiality = d.conf
	base.Validated = d.author != nil && d.opts.isHCP(d.author.Role)
}

func (d *docContext) entries(kind record.Kind) ([]record.Entry, error) {
	var out []record.Entry
	switch kind {
	case record.KindVaccination:
		for _, res := range d.graph.OfType("Immunization") {
			v, err := d.vaccination(res.(*r4.Immunization))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	case record.KindAllergy:
		for _, res := range d.graph.OfType("AllergyIntolerance") {
			a, err := d.allergy(res.(*r4.AllergyIntolerance))
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	case record.KindPastIllness, record.KindMedicalProblem:
		for _, res := range d.graph.OfType("Condition") {
			c := res.(*r4.Condition)
			if c.IsProblemListItem() != (kind == record.KindMedicalProblem) {
				continue
			}
			e, err := d.condition(c)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRecord, kind)
	}
	return out, nil
}

// base reads the fields every clinical resource shares.
func (d *docContext) base(res r4.ClinicalResource, code *r4.CodeableConcept, recorder *r4.Reference) (record.Base, error) {
	var base record.Base
	d.fillBase(&base)
	if ids := res.GetIdentifier(); len(ids) > 0 {
		base.ID = r4.StripURNUUID(ids[0].Value)
	}
	if cv := codedValue(code); cv != nil {
		base.Code = *cv
	}
	base.Recorder, base.OrganizationName = d.recorderOf(recorder)
	base.Deleted = res.IsEnteredInError()
	base.RelatedID = relatedID(res.GetExtension())
	base.Updated = base.RelatedID != "" && !base.Deleted

	comments, err := d.comments(res)
	if err != nil {
		return base, err
	}
	base.Comments = comments
	return base, nil
}

func (d *docContext) vaccination(imm *r4.Immunization) (*record.Vaccination, error) {
	var recorder *r4.Reference
	if len(imm.Performer) > 0 {
		recorder = &imm.Performer[0].Actor
	}
	base, err := d.base(imm, &imm.VaccineCode, recorder)
	if err != nil {
		return nil, err
	}
	date, err := parseDate(imm.OccurrenceDateTime)
	if err != nil {
		return nil, err
	}

	v := &record.Vaccination{
		Base:           base,
		DoseNumber:     imm.GetDoseNumber(),
		OccurrenceDate: date,
		LotNumber:      imm.LotNumber,
		Status:         immunizationStatus.value(imm.Status, imm.StatusElement),
	}
	if len(imm.ReasonCode) > 0 {
		v.Reason = codedValue(&imm.ReasonCode[0])
	}
	if len(imm.ProtocolApplied) > 0 {
		for i := range imm.ProtocolApplied[0].TargetDisease {
			if cv := codedValue(&imm.ProtocolApplied[0].TargetDisease[i]); cv != nil {
				v.TargetDiseases = append(v.TargetDiseases, *cv)
			}
		}
	}
	return v, nil
}

func (d *docContext) allergy(ai *r4.AllergyIntolerance) (*record.Allergy, error) {
	base, err := d.base(ai, ai.Code, ai.Recorder)
	if err != nil {
		return nil, err
	}
	raw := ai.LastOccurrence
	if raw == "" {
		raw = ai.RecordedDate
	}
	if raw == "" {
		raw = ai.OnsetDateTime
	}
	date, err := parseDate(raw)
	if err != nil {
		return nil, err
	}
	return &record.Allergy{
		Base:           base,
		OccurrenceDate: date,
		Type:           allergyType.value(ai.Type, ai.TypeElement),
		Criticality:    allergyCriticality.value(ai.Criticality, ai.CriticalityElement),
		ClinicalStatus: codedValue(ai.ClinicalStatus),
	}, nil
}

func (d *docContext) condition(c *r4.Condition) (record.Entry, error) {
	base, err := d.base(c, c.Code, c.Recorder)
	if err != nil {
		return nil, err
	}
	var dates [3]record.Date
	for i, raw := range []string{c.OnsetDateTime, c.AbatementDateTime, c.RecordedDate} {
		if dates[i], err = parseDate(raw); err != nil {
			return nil, err
		}
	}
	if c.IsProblemListItem() {
		mp := &record.MedicalProblem{
			Base:           base,
			ClinicalStatus: codedValue(c.ClinicalStatus),
			Begin:          dates[0],
			End:            dates[1],
			RecordedDate:   dates[2],
		}
		if !base.Deleted {
			mp.VerificationStatus = codedValue(c.VerificationStatus)
		}
		return mp, nil
	}
	return &record.PastIllness{
		Base:           base,
		ClinicalStatus: codedValue(c.ClinicalStatus),
		Begin:          dates[0],
		End:            dates[1],
		RecordedDate:   dates[2],
	}, nil
}

// authorOf maps the composition author to a record author. The placeholder
// practitioner of anonymous documents yields nil.
func (d *docContext) authorOf(ref *r4.Reference) *record.Author {
	res, ok := d.graph.Resolve(ref)
	if !ok {
		return nil
	}
	switch a := res.(type) {
	case *r4.Practitioner:
		if a.ID == idPlaceholderAuthor {
			return nil
		}
		name := practitionerName(a)
		name.Role = record.RoleHCP
		return &record.Author{User: *name, Role: record.RoleHCP, GLN: name.GLN}
	case *r4.PractitionerRole:
		name, org := d.roleName(a)
		if name == nil {
			name = &record.HumanName{}
		}
		name.Role = record.RoleHCP
		return &record.Author{User: *name, Role: record.RoleHCP, Organization: org, GLN: name.GLN}
	case *r4.Patient:
		name := patientName(a)
		name.Role = record.RolePAT
		return &record.Author{User: *name, Role: record.RolePAT}
	}
	return nil
}

// recorderOf follows a PractitionerRole to its practitioner and organization.
func (d *docContext) recorderOf(ref *r4.Reference) (*record.HumanName, string) {
	res, ok := d.graph.Resolve(ref)
	if !ok {
		return nil, ""
	}
	switch rec := res.(type) {
	case *r4.PractitionerRole:
		return d.roleName(rec)
	case *r4.Practitioner:
		return practitionerName(rec), ""
	}
	return nil, ""
}

func (d *docContext) roleName(role *r4.PractitionerRole) (*record.HumanName, string) {
	var name *record.HumanName
	if res, ok := d.graph.Resolve(role.Practitioner); ok {
		if p, ok := res.(*r4.Practitioner); ok {
			name = practitionerName(p)
		}
	}
	var org string
	if res, ok := d.graph.Resolve(role.Organization); ok {
		if o, ok := res.(*r4.Organization); ok {
			org = o.Name
		}
	}
	return name, org
}

func (d *docContext) comments(res r4.ClinicalResource) ([]record.Comment, error) {
	notes := res.GetNote()
	if len(notes) == 0 {
		return nil, nil
	}
	out := make([]record.Comment, 0, len(notes))
	for _, note := range notes {
		c := record.Comment{Text: note.Text}
		if note.Time != "" {
			t, err := time.Parse(time.RFC3339, note.Time)
			if err != nil {
				return nil, technical(err, "note time of %s", r4.Key(res))
			}
			c.Date = &t
		}
		switch {
		case note.AuthorString != "":
			c.Author = record.HumanName{LastName: note.AuthorString}
		case note.AuthorReference != nil:
			if a := d.authorOf(note.AuthorReference); a != nil {
				c.Author = a.User
			}
		}
		out = append(out, c)
	}
	record.SortComments(out)
	return out, nil
}

func relatedID(exts []r4.Extension) string {
	xref := r4.FindExtension(exts, r4.ExtensionCrossReference)
	if xref == nil {
		return ""
	}
	entry := xref.Sub(r4.CrossReferenceEntry)
	if entry == nil || entry.ValueReference == nil || entry.ValueReference.Identifier == nil {
		return ""
	}
	return r4.StripURNUUID(entry.ValueReference.Identifier.Value)
}

// parseDate accepts the FHIR date precisions YYYY, YYYY-MM and YYYY-MM-DD.
// Longer values are full dateTimes and are converted to the local zone.
func parseDate(s string) (record.Date, error) {
	var layout string
	switch len(s) {
	case 0:
		return record.Date{}, nil
	case 4:
		layout = "2006"
	case 7:
		layout = "2006-01"
	case 10:
		layout = "2006-01-02"
	default:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return record.Date{}, technical(err, "date %q", s)
		}
		return record.DateOf(t.In(time.Local)), nil
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return record.Date{}, technical(err, "date %q", s)
	}
	return record.DateOf(t), nil
}

func practitionerName(p *r4.Practitioner) *record.HumanName {
	name := personFromFHIR(p.GetOfficialName())
	name.GLN = p.GetGLN()
	return name
}

func patientName(p *r4.Patient) *record.HumanName {
	name := personFromFHIR(p.GetOfficialName())
	name.Gender = p.Gender
	name.BirthDate, _ = record.ParseDate(p.BirthDate)
	return name
}

func personFromFHIR(n *r4.HumanName) *record.HumanName {
	if n == nil {
		return &record.HumanName{}
	}
	return &record.HumanName{
		FirstName: strings.Join(n.Given, " "),
		LastName:  n.Family,
		Prefix:    n.FirstPrefix(),
	}
}
