// Package record defines the vaccination record value model exchanged with
// callers: vaccinations, allergies, past illnesses, medical problems and the
// composite vaccination record.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the record variants.
type Kind string

const (
	KindVaccination       Kind = "vaccination"
	KindAllergy           Kind = "allergy"
	KindPastIllness       Kind = "pastillness"
	KindMedicalProblem    Kind = "medicalproblem"
	KindVaccinationRecord Kind = "vaccinationrecord"
)

// ParseKind maps a path segment to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindVaccination, KindAllergy, KindPastIllness, KindMedicalProblem, KindVaccinationRecord:
		return k, nil
	default:
		return "", fmt.Errorf("unknown record kind %q", s)
	}
}

// New returns an empty record of the given kind.
func New(k Kind) (Record, error) {
	switch k {
	case KindVaccination:
		return &Vaccination{}, nil
	case KindAllergy:
		return &Allergy{}, nil
	case KindPastIllness:
		return &PastIllness{}, nil
	case KindMedicalProblem:
		return &MedicalProblem{}, nil
	case KindVaccinationRecord:
		return &VaccinationRecord{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", k)
	}
}

// Visitor dispatches over the closed set of record variants.
type Visitor interface {
	VisitVaccination(*Vaccination) error
	VisitAllergy(*Allergy) error
	VisitPastIllness(*PastIllness) error
	VisitMedicalProblem(*MedicalProblem) error
	VisitVaccinationRecord(*VaccinationRecord) error
}

// Record is implemented by every record variant.
type Record interface {
	Kind() Kind
	Common() *Base
	Accept(Visitor) error
}

// Entry is a single clinical statement with a date of event.
type Entry interface {
	Record
	DateOfEvent() Date
}

// Base holds the fields shared by all record variants.
type Base struct {
	ID               string      `json:"id,omitempty"`
	Code             CodedValue  `json:"code"`
	Deleted          bool        `json:"deleted"`
	RelatedID        string      `json:"relatedId,omitempty"`
	Updated          bool        `json:"updated"`
	Validated        bool        `json:"validated"`
	CreatedAt        *time.Time  `json:"createdAt,omitempty"`
	Author           *Author     `json:"author,omitempty"`
	Recorder         *HumanName  `json:"recorder,omitempty"`
	OrganizationName string      `json:"organization,omitempty"`
	Comments         []Comment   `json:"comments,omitempty"`
	Confidentiality  *CodedValue `json:"confidentiality,omitempty"`

	// JSON caches the serialized document the record was read from.
	JSON string `json:"-"`
}

// Common returns the shared fields.
func (b *Base) Common() *Base { return b }

// PendingComment returns the first comment without a date, or nil.
func (b *Base) PendingComment() *Comment {
	for i := range b.Comments {
		if b.Comments[i].Date == nil {
			return &b.Comments[i]
		}
	}
	return nil
}

// Vaccination records an administered vaccine.
type Vaccination struct {
	Base
	TargetDiseases []CodedValue `json:"targetDiseases"`
	DoseNumber     int          `json:"doseNumber"`
	OccurrenceDate Date         `json:"occurrenceDate"`
	LotNumber      string       `json:"lotNumber,omitempty"`
	Reason         *CodedValue  `json:"reason,omitempty"`
	Status         *CodedValue  `json:"status,omitempty"`
}

func (v *Vaccination) Kind() Kind               { return KindVaccination }
func (v *Vaccination) DateOfEvent() Date        { return v.OccurrenceDate }
func (v *Vaccination) Accept(vis Visitor) error { return vis.VisitVaccination(v) }

// Allergy records an allergy or intolerance.
type Allergy struct {
	Base
	OccurrenceDate Date        `json:"occurrenceDate"`
	Type           *CodedValue `json:"type,omitempty"`
	Criticality    *CodedValue `json:"criticality,omitempty"`
	ClinicalStatus *CodedValue `json:"clinicalStatus,omitempty"`
}

func (a *Allergy) Kind() Kind               { return KindAllergy }
func (a *Allergy) DateOfEvent() Date        { return a.OccurrenceDate }
func (a *Allergy) Accept(vis Visitor) error { return vis.VisitAllergy(a) }

// PastIllness records an illness relevant to vaccination decisions.
type PastIllness struct {
	Base
	ClinicalStatus *CodedValue `json:"clinicalStatus,omitempty"`
	Begin          Date        `json:"begin"`
	End            Date        `json:"end"`
	RecordedDate   Date        `json:"recordedDate"`
}

func (p *PastIllness) Kind() Kind               { return KindPastIllness }
func (p *PastIllness) DateOfEvent() Date        { return p.RecordedDate }
func (p *PastIllness) Accept(vis Visitor) error { return vis.VisitPastIllness(p) }

// MedicalProblem records a current or past medical problem.
type MedicalProblem struct {
	Base
	ClinicalStatus     *CodedValue `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodedValue `json:"verificationStatus,omitempty"`
	Begin              Date        `json:"begin"`
	End                Date        `json:"end"`
	RecordedDate       Date        `json:"recordedDate"`
}

func (m *MedicalProblem) Kind() Kind               { return KindMedicalProblem }
func (m *MedicalProblem) DateOfEvent() Date        { return m.RecordedDate }
func (m *MedicalProblem) Accept(vis Visitor) error { return vis.VisitMedicalProblem(m) }

// VaccinationRecord is the composite of all entries of a patient.
type VaccinationRecord struct {
	Base
	Vaccinations    []*Vaccination    `json:"vaccinations"`
	PastIllnesses   []*PastIllness    `json:"pastIllnesses"`
	Allergies       []*Allergy        `json:"allergies"`
	MedicalProblems []*MedicalProblem `json:"medicalProblems"`
	Patient         *HumanName        `json:"patient,omitempty"`
}

func (r *VaccinationRecord) Kind() Kind               { return KindVaccinationRecord }
func (r *VaccinationRecord) Accept(vis Visitor) error { return vis.VisitVaccinationRecord(r) }

// Entries returns all entries in document order: vaccinations, past
// illnesses, allergies, medical problems.
func (r *VaccinationRecord) Entries() []Entry {
	out := make([]Entry, 0, len(r.Vaccinations)+len(r.PastIllnesses)+len(r.Allergies)+len(r.MedicalProblems))
	for _, v := range r.Vaccinations {
		out = append(out, v)
	}
	for _, p := range r.PastIllnesses {
		out = append(out, p)
	}
	for _, a := range r.Allergies {
		out = append(out, a)
	}
	for _, m := range r.MedicalProblems {
		out = append(out, m)
	}
	return out
}

var (
	_ Entry  = (*Vaccination)(nil)
	_ Entry  = (*Allergy)(nil)
	_ Entry  = (*PastIllness)(nil)
	_ Entry  = (*MedicalProblem)(nil)
	_ Record = (*VaccinationRecord)(nil)
)
