package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

var normalConfidentiality = &record.CodedValue{Code: "17621005", Name: "Normal", System: r4.SystemSNOMED}

func TestReader_VaccinationRoundTrip(t *testing.T) {
	in := testVaccination(hcpAuthor())
	b := build(t, testOptions(), in)
	got := extractOnly(t, record.KindVaccination, b).(*record.Vaccination)

	author := &record.Author{
		User: record.HumanName{
			FirstName: "Peter", LastName: "Mueller", Prefix: "Dr. med.", GLN: "7601000000000", Role: record.RoleHCP,
		},
		Role:         record.RoleHCP,
		Organization: "Gruppenpraxis CH",
		GLN:          "7601000000000",
	}
	require.Len(t, got.Comments, 1)
	assert.Equal(t, "no reaction observed", got.Comments[0].Text)
	assert.Equal(t, author.User, got.Comments[0].Author)
	require.NotNil(t, got.Comments[0].Date)
	assert.True(t, got.Comments[0].Date.Equal(testNow))

	want := testVaccination(hcpAuthor())
	want.ID = r4.StripURNUUID(resourceOf[*r4.Immunization](t, b, "Immunization").Identifier[0].Value)
	want.Author = author
	want.Validated = true
	want.CreatedAt = &testNow
	want.Confidentiality = normalConfidentiality
	want.Comments = nil
	got.Comments = nil
	assert.Equal(t, want, got)
	assert.False(t, got.Updated)
	assert.False(t, got.Deleted)
}

func TestReader_PatientAuthoredVaccination(t *testing.T) {
	b := build(t, testOptions(), testVaccination(patAuthor()))
	got := extractOnly(t, record.KindVaccination, b).(*record.Vaccination)

	assert.Equal(t, "558", got.Code.Code)
	assert.Equal(t, 1, got.DoseNumber)
	assert.Equal(t, record.NewDate(2022, 1, 1), got.OccurrenceDate)
	assert.Equal(t, "AHAVB946A", got.LotNumber)
	assert.Equal(t, "Dr. med.", got.Recorder.Prefix)
	assert.Equal(t, "Peter Mueller", got.Recorder.FirstName+" "+got.Recorder.LastName)
	assert.False(t, got.Validated)
	require.NotNil(t, got.Author)
	assert.Equal(t, record.RolePAT, got.Author.Role)
	assert.Equal(t, "Wegmueller", got.Author.User.LastName)
	assert.Equal(t, "Hans", got.Author.User.FirstName)
}

func TestReader_RoundTrips(t *testing.T) {
	hcp := &record.Author{User: record.HumanName{FirstName: "Anna", LastName: "Meier"}, Role: record.RoleHCP}
	readAuthor := &record.Author{User: record.HumanName{FirstName: "Anna", LastName: "Meier", Role: record.RoleHCP}, Role: record.RoleHCP}

	tests := []struct {
		name  string
		entry func() record.Entry
	}{
		{"allergy", func() record.Entry { return testAllergy(hcp) }},
		{"past illness", func() record.Entry { return testPastIllness(hcp) }},
		{"medical problem", func() record.Entry { return testMedicalProblem(hcp) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := build(t, testOptions(), tt.entry())
			got := extractOnly(t, tt.entry().Kind(), b)

			want := tt.entry()
			base := want.Common()
			base.ID = got.Common().ID
			base.Author = readAuthor
			base.Validated = true
			base.CreatedAt = &testNow
			base.Confidentiality = normalConfidentiality
			assert.NotEmpty(t, got.Common().ID)
			assert.Equal(t, want, got)
		})
	}
}

func TestReader_CodeDisplaysSurvive(t *testing.T) {
	v := testVaccination(hcpAuthor())
	v.Status = &record.CodedValue{Code: "completed", Name: "completed", System: r4.SystemEventStatus}
	got := extractOnly(t, record.KindVaccination, build(t, testOptions(), v)).(*record.Vaccination)
	assert.Equal(t, v.Status, got.Status)

	a := testAllergy(hcpAuthor())
	a.Type = &record.CodedValue{Code: "intolerance", Name: "Unverträglichkeit", System: r4.SystemAllergyType}
	a.Criticality = &record.CodedValue{Code: "low", Name: "gering", System: r4.SystemAllergyCriticality}
	gotAllergy := extractOnly(t, record.KindAllergy, build(t, testOptions(), a)).(*record.Allergy)
	assert.Equal(t, a.Type, gotAllergy.Type)
	assert.Equal(t, a.Criticality, gotAllergy.Criticality)
}

func TestReader_PlaceholderAuthor(t *testing.T) {
	b := build(t, testOptions(), testVaccination(nil))
	got := extractOnly(t, record.KindVaccination, b)

	assert.Nil(t, got.Common().Author)
	assert.False(t, got.Common().Validated)
	require.Len(t, got.Common().Comments, 1)
	assert.Equal(t, record.HumanName{}, got.Common().Comments[0].Author)
}

func TestReader_KindFiltering(t *testing.T) {
	reader := NewReader(testOptions(), nil)
	b := build(t, testOptions(), testMedicalProblem(hcpAuthor()))

	entries, err := reader.ExtractAll(record.KindPastIllness, b)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = reader.ExtractAll(record.KindVaccination, b)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = reader.ExtractAll(record.KindMedicalProblem, b)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = reader.ExtractAll(record.KindVaccinationRecord, b)
	assert.ErrorIs(t, err, ErrUnsupportedRecord)

	entries, err = reader.ExtractAll(record.KindVaccination, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReader_ExtractOne(t *testing.T) {
	reader := NewReader(testOptions(), nil)
	b := build(t, testOptions(), testAllergy(hcpAuthor()))
	id := r4.StripURNUUID(resourceOf[*r4.AllergyIntolerance](t, b, "AllergyIntolerance").Identifier[0].Value)

	got, err := reader.ExtractOne(record.KindAllergy, b, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.Common().ID)

	_, err = reader.ExtractOne(record.KindAllergy, b, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReader_ExtractRecord(t *testing.T) {
	rec := &record.VaccinationRecord{
		Base:            record.Base{Author: hcpAuthor()},
		Vaccinations:    []*record.Vaccination{testVaccination(hcpAuthor()), testVaccination(hcpAuthor())},
		PastIllnesses:   []*record.PastIllness{testPastIllness(hcpAuthor())},
		Allergies:       []*record.Allergy{testAllergy(hcpAuthor())},
		MedicalProblems: []*record.MedicalProblem{testMedicalProblem(hcpAuthor())},
	}
	b := build(t, testOptions(), rec)
	reader := NewReader(testOptions(), nil)

	entries, err := reader.ExtractAll(record.KindVaccination, b)
	require.NoError(t, err)
	assert.Empty(t, entries)

	got, err := reader.ExtractRecord(b)
	require.NoError(t, err)
	assert.Len(t, got.Vaccinations, 2)
	assert.Len(t, got.PastIllnesses, 1)
	assert.Len(t, got.Allergies, 1)
	assert.Len(t, got.MedicalProblems, 1)
	require.NotNil(t, got.Patient)
	assert.Equal(t, "Branagh", got.Patient.LastName)
	assert.Equal(t, record.NewDate(1960, 12, 10), got.Patient.BirthDate)
	assert.True(t, got.Validated)
	assert.NotEqual(t, got.Vaccinations[0].ID, got.Vaccinations[1].ID)
}

func TestReader_CommentOrdering(t *testing.T) {
	b := build(t, testOptions(), testVaccination(hcpAuthor()))
	imm := resourceOf[*r4.Immunization](t, b, "Immunization")
	imm.Note = []r4.Annotation{
		{AuthorString: "Keller", Time: "2021-03-01T08:00:00Z", Text: "oldest"},
		{AuthorReference: r4.NewReference("Patient", "Patient-0001"), Time: "2023-01-01T08:00:00Z", Text: "newest"},
		{AuthorReference: r4.NewReference("Practitioner", "Practitioner-0001"), Time: "2022-05-01T08:00:00+02:00", Text: "middle"},
	}

	comments, err := NewReader(testOptions(), nil).ExtractComments(b, imm)
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, []string{"newest", "middle", "oldest"}, []string{comments[0].Text, comments[1].Text, comments[2].Text})
	assert.Equal(t, "Branagh", comments[0].Author.LastName)
	assert.Equal(t, record.RolePAT, comments[0].Author.Role)
	assert.Equal(t, "Mueller", comments[1].Author.LastName)
	assert.Equal(t, record.RoleHCP, comments[1].Author.Role)
	assert.Equal(t, record.HumanName{LastName: "Keller"}, comments[2].Author)
}

func TestParseDate(t *testing.T) {
	local := time.Date(2022, 3, 4, 23, 30, 0, 0, time.UTC).In(time.Local)

	tests := []struct {
		in   string
		want record.Date
	}{
		{"", record.Date{}},
		{"2022", record.NewDate(2022, 1, 1)},
		{"2022-03", record.NewDate(2022, 3, 1)},
		{"2022-03-04", record.NewDate(2022, 3, 4)},
		{"2022-03-04T23:30:00Z", record.DateOf(local)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"20x2", "2022-13-01", "yesterday at noon"} {
		_, err := parseDate(bad)
		assert.ErrorIs(t, err, ErrTechnical, bad)
	}
}

func TestKindOf(t *testing.T) {
	for _, entry := range []record.Entry{
		testVaccination(hcpAuthor()), testAllergy(hcpAuthor()), testPastIllness(hcpAuthor()), testMedicalProblem(hcpAuthor()),
	} {
		assert.Equal(t, entry.Kind(), KindOf(build(t, testOptions(), entry)))
	}
	composite := &record.VaccinationRecord{Base: record.Base{Author: hcpAuthor()}}
	assert.Equal(t, record.KindVaccinationRecord, KindOf(build(t, testOptions(), composite)))
	assert.Equal(t, record.Kind(""), KindOf(nil))
}
