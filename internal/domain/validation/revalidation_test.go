package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/epr-ch/vaccination/internal/domain/record"
)

func TestRequiresRevalidation(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(v *record.Vaccination)
		want   bool
	}{
		{"unchanged", func(v *record.Vaccination) {}, false},
		{"comment added", func(v *record.Vaccination) {
			v.Comments = append(v.Comments, record.Comment{Date: &now, Text: "tolerated well"})
		}, false},
		{"author changed", func(v *record.Vaccination) {
			v.Author = &record.Author{User: record.HumanName{LastName: "Wegmueller"}, Role: record.RolePAT}
		}, false},
		{"code case differs", func(v *record.Vaccination) { v.Code.Name = "HEPATITIS A VACCINE" }, false},
		{"dose changed", func(v *record.Vaccination) { v.DoseNumber = 2 }, true},
		{"lot changed", func(v *record.Vaccination) { v.LotNumber = "XYZ" }, true},
		{"date changed", func(v *record.Vaccination) { v.OccurrenceDate = record.NewDate(2022, 1, 2) }, true},
		{"target disease added", func(v *record.Vaccination) {
			v.TargetDiseases = append(v.TargetDiseases, *record.NewCodedValue("http://snomed.info/sct", "76902006", "Tetanus"))
		}, true},
		{"recorder changed", func(v *record.Vaccination) { v.Recorder.LastName = "Meier" }, true},
		{"organization changed", func(v *record.Vaccination) { v.OrganizationName = "Kantonsspital" }, true},
		{"status set", func(v *record.Vaccination) {
			v.Status = record.NewCodedValue("http://hl7.org/fhir/event-status", "not-done", "Not Done")
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := validVaccination()
			updated := validVaccination()
			tt.mutate(updated)
			assert.Equal(t, tt.want, RequiresRevalidation(old, updated))
		})
	}
}

func TestRequiresRevalidation_OtherKinds(t *testing.T) {
	a, b := validAllergy(), validAllergy()
	assert.False(t, RequiresRevalidation(a, b))
	b.Criticality = record.NewCodedValue("http://hl7.org/fhir/allergy-intolerance-criticality", "high", "High Risk")
	assert.True(t, RequiresRevalidation(a, b))

	p, q := validPastIllness(), validPastIllness()
	q.End = record.NewDate(2012, 1, 1)
	assert.True(t, RequiresRevalidation(p, q))

	assert.True(t, RequiresRevalidation(validPastIllness(), validMedicalProblem()))
	assert.True(t, RequiresRevalidation(nil, validAllergy()))
}
