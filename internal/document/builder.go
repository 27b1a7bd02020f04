package document

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

// Builder turns a record into a FHIR document bundle. It is safe for
// concurrent use; every call works on a freshly constructed bundle.
type Builder struct {
	opts   Options
	logger *zap.Logger
}

// NewBuilder creates a new document builder.
func NewBuilder(opts Options, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{opts: opts.withDefaults(), logger: logger}
}

// Build creates the document bundle for a record of the given patient.
func (b *Builder) Build(pid *record.PatientIdentifier, rec record.Record) (*r4.Bundle, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrUnsupportedRecord)
	}
	if err := pid.Validate(); err != nil {
		return nil, technical(err, "building %s document", rec.Kind())
	}

	s := b.newState(rec.Kind())
	if err := s.addPatient(pid); err != nil {
		return nil, err
	}
	if err := s.addAuthor(pid, rec.Common().Author); err != nil {
		return nil, err
	}
	s.setConfidentiality(rec.Common().Confidentiality)
	if err := rec.Accept(s); err != nil {
		return nil, err
	}

	b.logger.Debug("Built document",
		zap.String("kind", string(rec.Kind())),
		zap.String("document_id", s.bundle.DocumentID()),
		zap.Int("entries", len(s.bundle.Entry)),
	)
	return s.bundle, nil
}

// buildState carries one Build call. It implements record.Visitor so that
// every variant is handled explicitly.
type buildState struct {
	opts       Options
	now        time.Time
	bundle     *r4.Bundle
	comp       *r4.Composition
	patientRef r4.Reference
	authorRef  r4.Reference
	seq        int
}

func (b *Builder) newState(kind record.Kind) *buildState {
	now := b.opts.Clock()
	docProfile, compProfile := r4.ProfileImmunizationAdministrationDocument, r4.ProfileImmunizationAdministrationComposition
	if kind == record.KindVaccinationRecord {
		docProfile, compProfile = r4.ProfileVaccinationRecordDocument, r4.ProfileVaccinationRecordComposition
	}

	bundleID := urnIdentifier(b.opts.NewUUID())
	compID := urnIdentifier(b.opts.NewUUID())
	s := &buildState{
		opts: b.opts,
		now:  now,
		bundle: &r4.Bundle{
			ResourceType: "Bundle",
			Meta:         &r4.Meta{Profile: []string{docProfile}},
			Identifier:   &bundleID,
			Type:         r4.BundleTypeDocument,
			Timestamp:    now.Format(time.RFC3339),
		},
		comp: &r4.Composition{
			ResourceType: "Composition",
			ID:           idComposition,
			Meta:         &r4.Meta{Profile: []string{compProfile}},
			Language:     "en-US",
			Identifier:   &compID,
			Status:       r4.CompositionStatusFinal,
			Type: r4.CodeableConcept{Coding: []r4.Coding{{
				System: r4.SystemSNOMED, Code: documentTypeCode, Display: documentTypeDisplay,
			}}},
			Date:  now.Format(time.RFC3339),
			Title: titles[kind],
		},
		patientRef: *r4.NewReference("Patient", idPatient),
	}
	s.comp.Subject = &s.patientRef
	for _, sec := range fixedSections {
		s.addSection(sec)
	}
	s.bundle.AddEntry(s.comp)
	return s
}

func (s *buildState) addSection(sec section) *r4.CompositionSection {
	s.comp.Section = append(s.comp.Section, r4.CompositionSection{
		Title: sec.title,
		Code:  sectionConcept(sec.code),
		Text:  &r4.Narrative{Status: r4.NarrativeStatusGenerated, Div: r4.EmptyNarrativeDiv},
	})
	return &s.comp.Section[len(s.comp.Section)-1]
}

func (s *buildState) section(code string) *r4.CompositionSection {
	if sec := s.comp.SectionByCode(code); sec != nil {
		return sec
	}
	return s.addSection(medicalProblemsSection)
}

func (s *buildState) setConfidentiality(override *record.CodedValue) {
	cc := &r4.CodeableConcept{Coding: []r4.Coding{{System: r4.SystemSNOMED, Code: normalConfCode, Display: normalConfDisplay}}}
	if override != nil {
		cc = concept(override)
	}
	s.comp.Confidentiality = r4.ConfidentialityNormalV3
	s.comp.ConfidentialityElement = &r4.Element{Extension: []r4.Extension{{
		URL:                  r4.ExtensionConfidentialityCode,
		ValueCodeableConcept: cc,
	}}}
}

func (s *buildState) addPatient(pid *record.PatientIdentifier) error {
	p := &r4.Patient{ResourceType: "Patient", ID: idPatient}
	if pid.HasSPID() {
		p.Identifier = append(p.Identifier, r4.Identifier{
			System: r4.OIDPrefix + pid.SPIDAuthority(),
			Value:  pid.SPIDExtension,
		})
	} else {
		p.Identifier = append(p.Identifier, urnIdentifier(s.opts.NewUUID()))
	}
	p.Identifier = append(p.Identifier, r4.Identifier{
		System: r4.OIDPrefix + pid.LocalAssigningAuthority,
		Value:  pid.LocalExtension,
	})

	info := pid.PatientInfo
	switch {
	case info != nil:
		p.Name = []r4.HumanName{personName(info)}
		p.BirthDate = info.BirthDate.String()
		p.Gender = strings.ToLower(info.Gender)
		if p.Gender == "" {
			p.Gender = placeholderGender
		}
	case s.opts.AllowIncompletePatient:
		p.Name = []r4.HumanName{{Family: placeholderFamily, Given: []string{placeholderGiven}}}
		p.BirthDate = placeholderBirthDate
		p.Gender = placeholderGender
	default:
		return fmt.Errorf("%w: patient %s", ErrPatientInfoMissing, pid.LocalExtension)
	}
	s.bundle.AddEntry(p)
	return nil
}

func (s *buildState) addAuthor(pid *record.PatientIdentifier, author *record.Author) error {
	switch {
	case author == nil:
		s.bundle.AddEntry(&r4.Practitioner{ResourceType: "Practitioner", ID: idPlaceholderAuthor})
		s.authorRef = *r4.NewReference("Practitioner", idPlaceholderAuthor)
	case s.opts.isHCP(author.Role):
		practitioner := practitionerResource(idAuthorPractitioner, &author.User)
		if practitioner.GetGLN() == "" && author.GLN != "" {
			practitioner.Identifier = append(practitioner.Identifier, r4.Identifier{System: r4.SystemGLN, Value: author.GLN})
		}
		s.bundle.AddEntry(practitioner)
		s.authorRef = *r4.NewReference("Practitioner", idAuthorPractitioner)
		if author.Organization != "" {
			s.bundle.AddEntry(&r4.Organization{ResourceType: "Organization", ID: idAuthorOrg, Name: author.Organization})
			s.bundle.AddEntry(&r4.PractitionerRole{
				ResourceType: "PractitionerRole",
				ID:           idAuthorRole,
				Practitioner: r4.NewReference("Practitioner", idAuthorPractitioner),
				Organization: r4.NewReference("Organization", idAuthorOrg),
			})
			s.authorRef = *r4.NewReference("PractitionerRole", idAuthorRole)
		}
	case author.User.FullName() != "" && author.User.FullName() == pid.FullName():
		s.authorRef = s.patientRef
	case s.opts.isPatient(author.Role):
		s.bundle.AddEntry(&r4.Patient{
			ResourceType: "Patient",
			ID:           idAuthorPatient,
			Name:         []r4.HumanName{personName(&author.User)},
		})
		s.authorRef = *r4.NewReference("Patient", idAuthorPatient)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedRole, author.Role)
	}
	s.comp.Author = []r4.Reference{s.authorRef}
	return nil
}

// addRecorder creates the PractitionerRole, Practitioner and Organization of
// the entry with the given sequence number.
func (s *buildState) addRecorder(seq int, base *record.Base) *r4.Reference {
	if base.Recorder == nil && base.OrganizationName == "" {
		return nil
	}
	role := &r4.PractitionerRole{ResourceType: "PractitionerRole", ID: seqID("PractitionerRole", seq)}
	s.bundle.AddEntry(role)
	if base.Recorder != nil {
		practitioner := practitionerResource(seqID("Practitioner", seq), base.Recorder)
		s.bundle.AddEntry(practitioner)
		role.Practitioner = r4.NewReference("Practitioner", practitioner.ID)
	}
	if base.OrganizationName != "" {
		org := &r4.Organization{ResourceType: "Organization", ID: seqID("Organization", seq), Name: base.OrganizationName}
		s.bundle.AddEntry(org)
		role.Organization = r4.NewReference("Organization", org.ID)
	}
	return r4.NewReference("PractitionerRole", role.ID)
}

// commonExtensions returns the recorder-reference extension every clinical
// resource carries.
func (s *buildState) commonExtensions() []r4.Extension {
	ref := s.authorRef
	return []r4.Extension{{URL: r4.ExtensionRecorderReference, ValueReference: &ref}}
}

func (s *buildState) notes(base *record.Base) []r4.Annotation {
	pending := base.PendingComment()
	if pending == nil || strings.TrimSpace(pending.Text) == "" {
		return nil
	}
	ref := s.authorRef
	return []r4.Annotation{{
		AuthorReference: &ref,
		Time:            s.now.Format(time.RFC3339),
		Text:            pending.Text,
	}}
}

func (s *buildState) next() int {
	s.seq++
	return s.seq
}

func (s *buildState) VisitVaccination(v *record.Vaccination) error {
	seq := s.next()
	status := r4.ImmunizationStatusCompleted
	var statusElement *r4.Element
	if v.Status != nil {
		code, el, err := immunizationStatus.code("status", v.Status)
		if err != nil {
			return err
		}
		status, statusElement = code, el
	}

	imm := &r4.Immunization{
		ResourceType:       "Immunization",
		ID:                 seqID("Immunization", seq),
		Extension:          s.commonExtensions(),
		Identifier:         []r4.Identifier{urnIdentifier(s.opts.NewUUID())},
		Status:             status,
		StatusElement:      statusElement,
		VaccineCode:        *conceptOrEmpty(&v.Code),
		Patient:            s.patientRef,
		OccurrenceDateTime: v.OccurrenceDate.String(),
		LotNumber:          v.LotNumber,
		Note:               s.notes(&v.Base),
	}
	if reason := concept(v.Reason); reason != nil {
		imm.ReasonCode = []r4.CodeableConcept{*reason}
	}
	protocol := r4.ImmunizationProtocolApplied{}
	for i := range v.TargetDiseases {
		protocol.TargetDisease = append(protocol.TargetDisease, *concept(&v.TargetDiseases[i]))
	}
	if v.DoseNumber > 0 {
		protocol.DoseNumberPositiveInt = r4.Ptr(v.DoseNumber)
	}
	if protocol.TargetDisease != nil || protocol.DoseNumberPositiveInt != nil {
		imm.ProtocolApplied = []r4.ImmunizationProtocolApplied{protocol}
	}

	s.bundle.AddEntry(imm)
	if ref := s.addRecorder(seq, &v.Base); ref != nil {
		imm.Performer = []r4.ImmunizationPerformer{{Actor: *ref}}
	}
	s.link(SectionImmunizations, imm)
	return nil
}

func (s *buildState) VisitAllergy(a *record.Allergy) error {
	seq := s.next()
	typ, typeElement, err := allergyType.code("type", a.Type)
	if err != nil {
		return err
	}
	criticality, criticalityElement, err := allergyCriticality.code("criticality", a.Criticality)
	if err != nil {
		return err
	}

	ai := &r4.AllergyIntolerance{
		ResourceType:       "AllergyIntolerance",
		ID:                 seqID("AllergyIntolerance", seq),
		Extension:          s.commonExtensions(),
		Identifier:         []r4.Identifier{urnIdentifier(s.opts.NewUUID())},
		ClinicalStatus:     concept(a.ClinicalStatus),
		VerificationStatus: verificationConcept(r4.SystemAllergyVerification, r4.VerificationConfirmed),
		Type:               typ,
		TypeElement:        typeElement,
		Category:           []string{r4.AllergyCategoryMed},
		Criticality:        criticality,
		CriticalityElement: criticalityElement,
		Code:               concept(&a.Code),
		Patient:            s.patientRef,
		RecordedDate:       a.OccurrenceDate.String(),
		LastOccurrence:     a.OccurrenceDate.String(),
		Note:               s.notes(&a.Base),
	}
	s.bundle.AddEntry(ai)
	ai.Recorder = s.addRecorder(seq, &a.Base)
	s.link(SectionAllergies, ai)
	return nil
}

func (s *buildState) VisitPastIllness(p *record.PastIllness) error {
	c := s.condition(&p.Base, p.ClinicalStatus, nil, p.Begin, p.End, p.RecordedDate)
	c.VerificationStatus = verificationConcept(r4.SystemConditionVerification, r4.VerificationConfirmed)
	s.link(SectionPastIllnesses, c)
	return nil
}

func (s *buildState) VisitMedicalProblem(m *record.MedicalProblem) error {
	c := s.condition(&m.Base, m.ClinicalStatus, m.VerificationStatus, m.Begin, m.End, m.RecordedDate)
	c.Category = []r4.CodeableConcept{{Coding: []r4.Coding{{
		System: r4.SystemConditionCategory, Code: r4.ConditionCategoryProblemList, Display: "Problem List Item",
	}}}}
	s.link(SectionMedicalProblems, c)
	return nil
}

func (s *buildState) condition(base *record.Base, clinical, verification *record.CodedValue, begin, end, recorded record.Date) *r4.Condition {
	seq := s.next()
	c := &r4.Condition{
		ResourceType:       "Condition",
		ID:                 seqID("Condition", seq),
		Extension:          s.commonExtensions(),
		Identifier:         []r4.Identifier{urnIdentifier(s.opts.NewUUID())},
		ClinicalStatus:     concept(clinical),
		VerificationStatus: concept(verification),
		Code:               concept(&base.Code),
		Subject:            s.patientRef,
		OnsetDateTime:      begin.String(),
		AbatementDateTime:  end.String(),
		RecordedDate:       recorded.String(),
		Note:               s.notes(base),
	}
	s.bundle.AddEntry(c)
	c.Recorder = s.addRecorder(seq, base)
	return c
}

// VisitVaccinationRecord numbers all entries with one sequence, in the order
// vaccinations, past illnesses, allergies, medical problems.
func (s *buildState) VisitVaccinationRecord(r *record.VaccinationRecord) error {
	for _, e := range r.Entries() {
		if err := e.Accept(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *buildState) link(sectionCode string, res r4.Resource) {
	sec := s.section(sectionCode)
	sec.Entry = append(sec.Entry, *r4.NewReference(res.GetResourceType(), res.GetID()))
}

func seqID(resourceType string, seq int) string {
	return fmt.Sprintf("%s-%04d", resourceType, seq)
}

func conceptOrEmpty(cv *record.CodedValue) *r4.CodeableConcept {
	if cc := concept(cv); cc != nil {
		return cc
	}
	return &r4.CodeableConcept{}
}

func practitionerResource(id string, name *record.HumanName) *r4.Practitioner {
	p := &r4.Practitioner{ResourceType: "Practitioner", ID: id, Name: []r4.HumanName{personName(name)}}
	if name.GLN != "" {
		p.Identifier = []r4.Identifier{{System: r4.SystemGLN, Value: name.GLN}}
	}
	return p
}

func personName(name *record.HumanName) r4.HumanName {
	hn := r4.HumanName{Family: name.LastName}
	if name.FirstName != "" {
		hn.Given = []string{name.FirstName}
	}
	if name.Prefix != "" {
		hn.Prefix = []string{name.Prefix}
	}
	return hn
}
