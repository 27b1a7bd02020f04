package validation

import (
	"reflect"
	"strings"

	"github.com/epr-ch/vaccination/internal/domain/record"
)

// clinicalView holds the fields whose change invalidates an earlier
// professional validation. Comments, author and bookkeeping fields are left
// out.
type clinicalView struct {
	Kind         record.Kind
	Code         record.CodedValue
	Recorder     record.HumanName
	Organization string
	Dates        []record.Date
	Codes        []record.CodedValue
	Dose         int
	Lot          string
}

// RequiresRevalidation reports whether an edit from old to updated changes
// clinically relevant content, so that a validated record must be validated
// again by a health professional.
func RequiresRevalidation(old, updated record.Entry) bool {
	if old == nil || updated == nil {
		return old != updated
	}
	return !reflect.DeepEqual(viewOf(old), viewOf(updated))
}

func viewOf(e record.Entry) clinicalView {
	b := e.Common()
	v := clinicalView{
		Kind:         e.Kind(),
		Code:         normalize(&b.Code),
		Organization: strings.TrimSpace(b.OrganizationName),
	}
	if b.Recorder != nil {
		v.Recorder = record.HumanName{
			FirstName: strings.TrimSpace(b.Recorder.FirstName),
			LastName:  strings.TrimSpace(b.Recorder.LastName),
			Prefix:    strings.TrimSpace(b.Recorder.Prefix),
			GLN:       b.Recorder.GLN,
		}
	}
	switch r := e.(type) {
	case *record.Vaccination:
		v.Dates = []record.Date{r.OccurrenceDate}
		v.Codes = append(codes(r.Reason, r.Status), normalizeAll(r.TargetDiseases)...)
		v.Dose = r.DoseNumber
		v.Lot = strings.TrimSpace(r.LotNumber)
	case *record.Allergy:
		v.Dates = []record.Date{r.OccurrenceDate}
		v.Codes = codes(r.Type, r.Criticality, r.ClinicalStatus)
	case *record.PastIllness:
		v.Dates = []record.Date{r.Begin, r.End, r.RecordedDate}
		v.Codes = codes(r.ClinicalStatus)
	case *record.MedicalProblem:
		v.Dates = []record.Date{r.Begin, r.End, r.RecordedDate}
		v.Codes = codes(r.ClinicalStatus, r.VerificationStatus)
	}
	return v
}

func normalize(c *record.CodedValue) record.CodedValue {
	if c == nil {
		return record.CodedValue{}
	}
	return record.CodedValue{
		Code:   strings.ToLower(strings.TrimSpace(c.Code)),
		Name:   strings.ToLower(strings.TrimSpace(c.Name)),
		System: strings.ToLower(strings.TrimSpace(c.System)),
	}
}

func codes(values ...*record.CodedValue) []record.CodedValue {
	out := make([]record.CodedValue, len(values))
	for i, c := range values {
		out[i] = normalize(c)
	}
	return out
}

func normalizeAll(values []record.CodedValue) []record.CodedValue {
	out := make([]record.CodedValue, len(values))
	for i := range values {
		out[i] = normalize(&values[i])
	}
	return out
}
