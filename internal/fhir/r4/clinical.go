package r4

// Immunization represents a FHIR R4 Immunization resource.
type Immunization struct {
	ResourceType       string                        `json:"resourceType"`
	ID                 string                        `json:"id,omitempty"`
	Meta               *Meta                         `json:"meta,omitempty"`
	Extension          []Extension                   `json:"extension,omitempty"`
	Identifier         []Identifier                  `json:"identifier,omitempty"`
	Status             string                        `json:"status"` // completed | entered-in-error | not-done
	StatusElement      *Element                      `json:"_status,omitempty"`
	StatusReason       *CodeableConcept              `json:"statusReason,omitempty"`
	VaccineCode        CodeableConcept               `json:"vaccineCode"`
	Patient            Reference                     `json:"patient"`
	OccurrenceDateTime string                        `json:"occurrenceDateTime,omitempty"`
	Recorded           string                        `json:"recorded,omitempty"`
	PrimarySource      *bool                         `json:"primarySource,omitempty"`
	LotNumber          string                        `json:"lotNumber,omitempty"`
	Performer          []ImmunizationPerformer       `json:"performer,omitempty"`
	Note               []Annotation                  `json:"note,omitempty"`
	ReasonCode         []CodeableConcept             `json:"reasonCode,omitempty"`
	ProtocolApplied    []ImmunizationProtocolApplied `json:"protocolApplied,omitempty"`
}

// ImmunizationPerformer identifies who performed the vaccination.
type ImmunizationPerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    Reference        `json:"actor"`
}

// ImmunizationProtocolApplied describes the dose within a vaccination series.
type ImmunizationProtocolApplied struct {
	Series                string            `json:"series,omitempty"`
	TargetDisease         []CodeableConcept `json:"targetDisease,omitempty"`
	DoseNumberPositiveInt *int              `json:"doseNumberPositiveInt,omitempty"`
	DoseNumberString      string            `json:"doseNumberString,omitempty"`
}

func (i *Immunization) GetResourceType() string { return "Immunization" }
func (i *Immunization) GetID() string           { return i.ID }
func (i *Immunization) References() []*Reference {
	refs := nonNil(&i.Patient)
	for p := range i.Performer {
		refs = append(refs, nonNil(&i.Performer[p].Actor)...)
	}
	refs = append(refs, nonNil(noteRefs(i.Note)...)...)
	return append(refs, nonNil(extensionRefs(i.Extension)...)...)
}
func (i *Immunization) GetIdentifier() []Identifier  { return i.Identifier }
func (i *Immunization) GetExtension() []Extension    { return i.Extension }
func (i *Immunization) SetExtension(ext []Extension) { i.Extension = ext }
func (i *Immunization) GetNote() []Annotation        { return i.Note }
func (i *Immunization) SetNote(notes []Annotation)   { i.Note = notes }
func (i *Immunization) MarkEnteredInError()          { i.Status = ImmunizationStatusEnteredInError }
func (i *Immunization) IsEnteredInError() bool       { return i.Status == ImmunizationStatusEnteredInError }

// GetDoseNumber returns the dose number of the first protocol applied.
func (i *Immunization) GetDoseNumber() int {
	if len(i.ProtocolApplied) == 0 || i.ProtocolApplied[0].DoseNumberPositiveInt == nil {
		return 0
	}
	return *i.ProtocolApplied[0].DoseNumberPositiveInt
}

// AllergyIntolerance represents a FHIR R4 AllergyIntolerance resource.
type AllergyIntolerance struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	Meta               *Meta            `json:"meta,omitempty"`
	Extension          []Extension      `json:"extension,omitempty"`
	Identifier         []Identifier     `json:"identifier,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Type               string           `json:"type,omitempty"` // allergy | intolerance
	TypeElement        *Element         `json:"_type,omitempty"`
	Category           []string         `json:"category,omitempty"`
	Criticality        string           `json:"criticality,omitempty"` // low | high | unable-to-assess
	CriticalityElement *Element         `json:"_criticality,omitempty"`
	Code               *CodeableConcept `json:"code,omitempty"`
	Patient            Reference        `json:"patient"`
	OnsetDateTime      string           `json:"onsetDateTime,omitempty"`
	RecordedDate       string           `json:"recordedDate,omitempty"`
	Recorder           *Reference       `json:"recorder,omitempty"`
	Asserter           *Reference       `json:"asserter,omitempty"`
	LastOccurrence     string           `json:"lastOccurrence,omitempty"`
	Note               []Annotation     `json:"note,omitempty"`
}

func (a *AllergyIntolerance) GetResourceType() string { return "AllergyIntolerance" }
func (a *AllergyIntolerance) GetID() string           { return a.ID }
func (a *AllergyIntolerance) References() []*Reference {
	refs := nonNil(&a.Patient, a.Recorder, a.Asserter)
	refs = append(refs, nonNil(noteRefs(a.Note)...)...)
	return append(refs, nonNil(extensionRefs(a.Extension)...)...)
}
func (a *AllergyIntolerance) GetIdentifier() []Identifier  { return a.Identifier }
func (a *AllergyIntolerance) GetExtension() []Extension    { return a.Extension }
func (a *AllergyIntolerance) SetExtension(ext []Extension) { a.Extension = ext }
func (a *AllergyIntolerance) GetNote() []Annotation        { return a.Note }
func (a *AllergyIntolerance) SetNote(notes []Annotation)   { a.Note = notes }
func (a *AllergyIntolerance) MarkEnteredInError() {
	a.VerificationStatus = verification(SystemAllergyVerification, VerificationEnteredInError)
}
func (a *AllergyIntolerance) IsEnteredInError() bool {
	return a.VerificationStatus.HasCode(VerificationEnteredInError)
}

// Condition represents a FHIR R4 Condition resource.
type Condition struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	Meta               *Meta             `json:"meta,omitempty"`
	Extension          []Extension       `json:"extension,omitempty"`
	Identifier         []Identifier      `json:"identifier,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Subject            Reference         `json:"subject"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	AbatementDateTime  string            `json:"abatementDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	Recorder           *Reference        `json:"recorder,omitempty"`
	Asserter           *Reference        `json:"asserter,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
}

func (c *Condition) GetResourceType() string { return "Condition" }
func (c *Condition) GetID() string           { return c.ID }
func (c *Condition) References() []*Reference {
	refs := nonNil(&c.Subject, c.Recorder, c.Asserter)
	refs = append(refs, nonNil(noteRefs(c.Note)...)...)
	return append(refs, nonNil(extensionRefs(c.Extension)...)...)
}
func (c *Condition) GetIdentifier() []Identifier  { return c.Identifier }
func (c *Condition) GetExtension() []Extension    { return c.Extension }
func (c *Condition) SetExtension(ext []Extension) { c.Extension = ext }
func (c *Condition) GetNote() []Annotation        { return c.Note }
func (c *Condition) SetNote(notes []Annotation)   { c.Note = notes }
func (c *Condition) MarkEnteredInError() {
	c.VerificationStatus = verification(SystemConditionVerification, VerificationEnteredInError)
}
func (c *Condition) IsEnteredInError() bool {
	return c.VerificationStatus.HasCode(VerificationEnteredInError)
}

// IsProblemListItem reports whether the condition is categorized as a
// problem-list item rather than a past illness.
func (c *Condition) IsProblemListItem() bool {
	for i := range c.Category {
		if c.Category[i].HasCode(ConditionCategoryProblemList) {
			return true
		}
	}
	return false
}

func verification(system, code string) *CodeableConcept {
	return &CodeableConcept{Coding: []Coding{{System: system, Code: code}}}
}

var (
	_ ClinicalResource = (*Immunization)(nil)
	_ ClinicalResource = (*AllergyIntolerance)(nil)
	_ ClinicalResource = (*Condition)(nil)
)
