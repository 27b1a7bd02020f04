package document

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

var testNow = time.Date(2023, 6, 15, 10, 0, 0, 0, time.UTC)

const swissmedic = "http://fhir.ch/ig/ch-vacd/CodeSystem/ch-vacd-swissmedic-cs"

func testOptions() Options {
	n := 0
	return Options{
		Clock: func() time.Time { return testNow },
		NewUUID: func() string {
			n++
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
		},
	}
}

func testPatient() *record.PatientIdentifier {
	pid := record.NewPatientIdentifier("1.1.4567334.1.1", "waldspital-Id-1234", "1.1.4567334.1.1.1")
	pid.SPIDExtension = "761337610411265304"
	pid.PatientInfo = &record.HumanName{
		FirstName: "Kenneth",
		LastName:  "Branagh",
		BirthDate: record.NewDate(1960, 12, 10),
		Gender:    "MALE",
	}
	return pid
}

func hcpAuthor() *record.Author {
	return &record.Author{
		User:         record.HumanName{FirstName: "Peter", LastName: "Mueller", Prefix: "Dr. med.", GLN: "7601000000000"},
		Role:         record.RoleHCP,
		Organization: "Gruppenpraxis CH",
	}
}

func patAuthor() *record.Author {
	return &record.Author{User: record.HumanName{FirstName: "Hans", LastName: "Wegmueller"}, Role: record.RolePAT}
}

func testRecorder() *record.HumanName {
	return &record.HumanName{FirstName: "Peter", LastName: "Mueller", Prefix: "Dr. med.", GLN: "7601000000000"}
}

func testVaccination(author *record.Author) *record.Vaccination {
	return &record.Vaccination{
		Base: record.Base{
			Code:             *record.NewCodedValue(swissmedic, "558", "FSME-Immun 0.25ml Junior"),
			Author:           author,
			Recorder:         testRecorder(),
			OrganizationName: "Gruppenpraxis CH",
			Comments:         []record.Comment{{Text: "no reaction observed"}},
		},
		TargetDiseases: []record.CodedValue{*record.NewCodedValue(r4.SystemSNOMED, "40468003", "Viral hepatitis, type A")},
		DoseNumber:     1,
		OccurrenceDate: record.NewDate(2022, 1, 1),
		LotNumber:      "AHAVB946A",
		Reason:         record.NewCodedValue(r4.SystemSNOMED, "77386006", "Pregnancy"),
		Status:         &record.CodedValue{Code: "completed", Name: "Completed", System: r4.SystemEventStatus},
	}
}

func testAllergy(author *record.Author) *record.Allergy {
	return &record.Allergy{
		Base: record.Base{
			Code:     *record.NewCodedValue(r4.SystemSNOMED, "294468006", "Neomycin allergy"),
			Author:   author,
			Recorder: testRecorder(),
		},
		OccurrenceDate: record.NewDate(2019, 3, 1),
		Type:           &record.CodedValue{Code: "allergy", Name: "Allergy", System: r4.SystemAllergyType},
		Criticality:    &record.CodedValue{Code: "high", Name: "High Risk", System: r4.SystemAllergyCriticality},
		ClinicalStatus: record.NewCodedValue(r4.SystemAllergyClinical, "active", "Active"),
	}
}

func testPastIllness(author *record.Author) *record.PastIllness {
	return &record.PastIllness{
		Base: record.Base{
			Code:             *record.NewCodedValue(r4.SystemSNOMED, "38907003", "Varicella"),
			Author:           author,
			Recorder:         testRecorder(),
			OrganizationName: "Kinderarztpraxis",
		},
		ClinicalStatus: record.NewCodedValue(r4.SystemConditionClinical, "resolved", "Resolved"),
		Begin:          record.NewDate(2010, 4, 2),
		End:            record.NewDate(2010, 4, 20),
		RecordedDate:   record.NewDate(2010, 4, 5),
	}
}

func testMedicalProblem(author *record.Author) *record.MedicalProblem {
	return &record.MedicalProblem{
		Base: record.Base{
			Code:     *record.NewCodedValue(r4.SystemSNOMED, "73211009", "Diabetes mellitus"),
			Author:   author,
			Recorder: testRecorder(),
		},
		ClinicalStatus:     record.NewCodedValue(r4.SystemConditionClinical, "active", "Active"),
		VerificationStatus: record.NewCodedValue(r4.SystemConditionVerification, "confirmed", "Confirmed"),
		Begin:              record.NewDate(2018, 9, 1),
		RecordedDate:       record.NewDate(2018, 9, 3),
	}
}

func build(t *testing.T, opts Options, rec record.Record) *r4.Bundle {
	t.Helper()
	b, err := NewBuilder(opts, nil).Build(testPatient(), rec)
	require.NoError(t, err)
	require.NoError(t, r4.NewGraph(b).CheckReferences())
	return b
}

func extractOnly(t *testing.T, kind record.Kind, b *r4.Bundle) record.Entry {
	t.Helper()
	entries, err := NewReader(testOptions(), nil).ExtractAll(kind, b)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func resourceOf[T r4.Resource](t *testing.T, b *r4.Bundle, resourceType string) T {
	t.Helper()
	found := r4.NewGraph(b).OfType(resourceType)
	require.NotEmpty(t, found, "no %s in bundle", resourceType)
	res, ok := found[0].(T)
	require.True(t, ok)
	return res
}

func entryKeys(b *r4.Bundle) []string {
	keys := make([]string, 0, len(b.Entry))
	for _, e := range b.Entry {
		keys = append(keys, e.FullURL)
	}
	return keys
}
