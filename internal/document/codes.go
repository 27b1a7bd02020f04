package document

import (
	"fmt"
	"strings"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

// LOINC section codes of vaccination documents.
const (
	SectionImmunizations   = "11369-6"
	SectionPastIllnesses   = "11348-0"
	SectionAllergies       = "48765-2"
	SectionMedicalProblems = "11450-4"
)

const (
	documentTypeCode    = "41000179103"
	documentTypeDisplay = "Immunization record"
	normalConfCode      = "17621005"
	normalConfDisplay   = "Normal"
)

// Fixed resource ids.
const (
	idComposition        = "Composition-0001"
	idPatient            = "Patient-0001"
	idAuthorPractitioner = "Practitioner-author"
	idAuthorRole         = "PractitionerRole-author"
	idAuthorOrg          = "Organization-author"
	idAuthorPatient      = "Patient-author"
	idPlaceholderAuthor  = "Practitioner-placeholder"
)

// Placeholder demographics for documents built without patient info.
const (
	placeholderFamily    = "emptyFamily"
	placeholderGiven     = "emptyGiven"
	placeholderBirthDate = "1970-01-01"
	placeholderGender    = "unknown"
)

type section struct {
	code  string
	title string
}

var fixedSections = []section{
	{SectionImmunizations, "Immunization Administration"},
	{SectionPastIllnesses, "Past Illnesses"},
	{SectionAllergies, "Allergies and Intolerances"},
}

var medicalProblemsSection = section{SectionMedicalProblems, "Medical Problems"}

var titles = map[record.Kind]string{
	record.KindVaccination:       "Immunization Administration",
	record.KindAllergy:           "Allergy Intolerance",
	record.KindPastIllness:       "Past Illness",
	record.KindMedicalProblem:    "Medical Problem",
	record.KindVaccinationRecord: "Vaccination Record",
}

// codeTable maps the codes of a FHIR code-typed element to their display.
type codeTable struct {
	system   string
	displays map[string]string
}

var (
	immunizationStatus = codeTable{r4.SystemEventStatus, map[string]string{
		r4.ImmunizationStatusCompleted:      "Completed",
		r4.ImmunizationStatusNotDone:        "Not Done",
		r4.ImmunizationStatusEnteredInError: "Entered in Error",
	}}
	allergyType = codeTable{r4.SystemAllergyType, map[string]string{
		"allergy":     "Allergy",
		"intolerance": "Intolerance",
	}}
	allergyCriticality = codeTable{r4.SystemAllergyCriticality, map[string]string{
		"low":              "Low Risk",
		"high":             "High Risk",
		"unable-to-assess": "Unable to Assess Risk",
	}}
)

// code returns the FHIR code for a coded value, which must belong to the
// table. A name other than the table display travels as originalText on the
// returned element.
func (t codeTable) code(field string, cv *record.CodedValue) (string, *r4.Element, error) {
	if cv == nil {
		return "", nil, nil
	}
	c := strings.ToLower(strings.TrimSpace(cv.Code))
	display, ok := t.displays[c]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s %q", ErrUnsupportedCode, field, cv.Code)
	}
	if cv.Name == "" || cv.Name == display {
		return c, nil, nil
	}
	return c, r4.OriginalText(cv.Name), nil
}

// value maps a FHIR code back to a coded value. The name prefers the
// element's originalText, then the table display, then the code itself.
func (t codeTable) value(code string, el *r4.Element) *record.CodedValue {
	if code == "" {
		return nil
	}
	name := el.OriginalText()
	if name == "" {
		name = t.displays[code]
	}
	if name == "" {
		name = code
	}
	return &record.CodedValue{Code: code, Name: name, System: t.system}
}

func concept(cv *record.CodedValue) *r4.CodeableConcept {
	if cv == nil {
		return nil
	}
	coding := r4.Coding{System: cv.System, Code: cv.Code, Display: cv.Name}
	if cv.AllowDisplay {
		coding.UserSelected = r4.Ptr(true)
	}
	return &r4.CodeableConcept{Coding: []r4.Coding{coding}}
}

func codedValue(cc *r4.CodeableConcept) *record.CodedValue {
	c := cc.FirstCoding()
	if c == nil {
		return nil
	}
	return &record.CodedValue{
		Code:         c.Code,
		Name:         c.Display,
		System:       c.System,
		AllowDisplay: c.UserSelected != nil && *c.UserSelected,
	}
}

func sectionConcept(code string) *r4.CodeableConcept {
	return &r4.CodeableConcept{Coding: []r4.Coding{{System: r4.SystemLOINC, Code: code}}}
}

func verificationConcept(system, code string) *r4.CodeableConcept {
	return &r4.CodeableConcept{Coding: []r4.Coding{{System: system, Code: code}}}
}

func urnIdentifier(id string) r4.Identifier {
	return r4.Identifier{System: r4.SystemURI, Value: r4.URNUUIDPrefix + id}
}
