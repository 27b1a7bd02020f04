// Package r4 provides FHIR R4 data structures for Swiss EPR vaccination documents.
package r4

import "strings"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
	Security    []Coding `json:"security,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string           `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
	Period *Period          `json:"period,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding of the concept, or nil.
func (c *CodeableConcept) FirstCoding() *Coding {
	if c == nil || len(c.Coding) == 0 {
		return nil
	}
	return &c.Coding[0]
}

// HasCode reports whether any coding carries the given code.
func (c *CodeableConcept) HasCode(code string) bool {
	if c == nil {
		return false
	}
	for _, coding := range c.Coding {
		if coding.Code == code {
			return true
		}
	}
	return false
}

// Coding represents a code from a terminology system.
type Coding struct {
	System       string `json:"system,omitempty"`
	Version      string `json:"version,omitempty"`
	Code         string `json:"code,omitempty"`
	Display      string `json:"display,omitempty"`
	UserSelected *bool  `json:"userSelected,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// NewReference builds a literal reference of the form ResourceType/id.
func NewReference(resourceType, id string) *Reference {
	return &Reference{Reference: resourceType + "/" + id}
}

// ResourceType returns the type part of a literal reference.
func (r *Reference) ResourceType() string {
	if r == nil {
		return ""
	}
	typ, _, ok := strings.Cut(r.Reference, "/")
	if !ok {
		return ""
	}
	return typ
}

// Period represents a time period.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	Extension       []Extension `json:"extension,omitempty"`
	AuthorReference *Reference  `json:"authorReference,omitempty"`
	AuthorString    string      `json:"authorString,omitempty"`
	Time            string      `json:"time,omitempty"`
	Text            string      `json:"text"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty"` // usual | official | temp | nickname | anonymous | old | maiden
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// FirstGiven returns the first given name.
func (n *HumanName) FirstGiven() string {
	if n == nil || len(n.Given) == 0 {
		return ""
	}
	return n.Given[0]
}

// FirstPrefix returns the first prefix.
func (n *HumanName) FirstPrefix() string {
	if n == nil || len(n.Prefix) == 0 {
		return ""
	}
	return n.Prefix[0]
}

// Address represents a postal address.
type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// ContactPoint represents a contact detail.
type ContactPoint struct {
	System string `json:"system,omitempty"` // phone | fax | email | pager | url | sms | other
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// Extension represents a FHIR extension. Complex extensions nest further
// extensions instead of carrying a value.
type Extension struct {
	URL                  string           `json:"url"`
	Extension            []Extension      `json:"extension,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
	ValueCode            string           `json:"valueCode,omitempty"`
	ValueDateTime        string           `json:"valueDateTime,omitempty"`
	ValueCoding          *Coding          `json:"valueCoding,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueIdentifier      *Identifier      `json:"valueIdentifier,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
}

// Sub returns the nested extension with the given url, or nil.
func (e *Extension) Sub(url string) *Extension {
	if e == nil {
		return nil
	}
	return FindExtension(e.Extension, url)
}

// FindExtension returns the first extension with the given url, or nil.
func FindExtension(extensions []Extension, url string) *Extension {
	for i := range extensions {
		if extensions[i].URL == url {
			return &extensions[i]
		}
	}
	return nil
}

// Element carries the id and extensions of a primitive value, serialized
// under the "_name" key next to the primitive itself.
type Element struct {
	ID        string      `json:"id,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// OriginalText returns an element carrying the human-entered text of a coded
// primitive.
func OriginalText(text string) *Element {
	return &Element{Extension: []Extension{{URL: ExtensionOriginalText, ValueString: text}}}
}

// OriginalText returns the originalText extension value, or "".
func (e *Element) OriginalText() string {
	if e == nil {
		return ""
	}
	if ext := FindExtension(e.Extension, ExtensionOriginalText); ext != nil {
		return ext.ValueString
	}
	return ""
}

// Narrative is the human-readable summary of a resource or section.
type Narrative struct {
	Status string `json:"status"` // generated | extensions | additional | empty
	Div    string `json:"div"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Common code systems
const (
	SystemSNOMED                 = "http://snomed.info/sct"
	SystemLOINC                  = "http://loinc.org"
	SystemURI                    = "urn:ietf:rfc:3986"
	SystemGLN                    = "urn:oid:2.51.1.3"
	SystemEventStatus            = "http://hl7.org/fhir/event-status"
	SystemAllergyType            = "http://hl7.org/fhir/allergy-intolerance-type"
	SystemAllergyCriticality     = "http://hl7.org/fhir/allergy-intolerance-criticality"
	SystemAllergyClinical        = "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical"
	SystemAllergyVerification    = "http://terminology.hl7.org/CodeSystem/allergyintolerance-verification"
	SystemConditionClinical      = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemConditionVerification  = "http://terminology.hl7.org/CodeSystem/condition-ver-status"
	SystemConditionCategory      = "http://terminology.hl7.org/CodeSystem/condition-category"
	SystemConfidentialityV3      = "http://terminology.hl7.org/CodeSystem/v3-Confidentiality"
	SystemDocumentRelationship   = "http://hl7.org/fhir/document-relationship-type"
	URNUUIDPrefix                = "urn:uuid:"
	OIDPrefix                    = "urn:oid:"
	DefaultSPIDRootAuthority     = "2.16.756.5.30.1.127.3.10.3"
	NamespaceFHIR                = "http://hl7.org/fhir"
	NamespaceXHTML               = "http://www.w3.org/1999/xhtml"
	EmptyNarrativeDiv            = `<div xmlns="http://www.w3.org/1999/xhtml"></div>`
	ContentTypeJSON              = "application/fhir+json"
	ContentTypeXML               = "application/fhir+xml"
	NarrativeStatusGenerated     = "generated"
	CompositionRelationReplaces  = "replaces"
	ConfidentialityNormalV3      = "N"
	ConditionCategoryProblemList = "problem-list-item"
)

// Swiss EPR vaccination document profiles and extensions.
const (
	ProfileImmunizationAdministrationDocument    = "http://fhir.ch/ig/ch-vacd/StructureDefinition/ch-vacd-document-immunization-administration"
	ProfileVaccinationRecordDocument             = "http://fhir.ch/ig/ch-vacd/StructureDefinition/ch-vacd-document-vaccination-record"
	ProfileImmunizationAdministrationComposition = "http://fhir.ch/ig/ch-vacd/StructureDefinition/ch-vacd-composition-immunization-administration"
	ProfileVaccinationRecordComposition          = "http://fhir.ch/ig/ch-vacd/StructureDefinition/ch-vacd-composition-vaccination-record"

	ExtensionConfidentialityCode = "http://fhir.ch/ig/ch-core/StructureDefinition/ch-ext-epr-confidentialitycode"
	ExtensionCrossReference      = "http://fhir.ch/ig/ch-vacd/StructureDefinition/ch-vacd-ext-cross-reference"
	ExtensionRecorderReference   = "http://fhir.ch/ig/ch-vacd/StructureDefinition/ch-vacd-recorder-reference"
	ExtensionOriginalText        = "http://hl7.org/fhir/StructureDefinition/originalText"

	CrossReferenceEntry        = "entry"
	CrossReferenceDocument     = "document"
	CrossReferenceRelationCode = "relationcode"
)

// Immunization statuses
const (
	ImmunizationStatusCompleted      = "completed"
	ImmunizationStatusEnteredInError = "entered-in-error"
	ImmunizationStatusNotDone        = "not-done"
)

// Verification status codes shared by AllergyIntolerance and Condition.
const (
	VerificationConfirmed      = "confirmed"
	VerificationUnconfirmed    = "unconfirmed"
	VerificationRefuted        = "refuted"
	VerificationEnteredInError = "entered-in-error"
)

// Bundle and composition codes
const (
	BundleTypeDocument     = "document"
	CompositionStatusFinal = "final"
	AllergyCategoryMed     = "medication"
)

// StripURNUUID removes the urn:uuid: prefix from an identifier value.
func StripURNUUID(value string) string {
	return strings.TrimPrefix(value, URNUUIDPrefix)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
