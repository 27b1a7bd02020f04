package r4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_Composition(t *testing.T) {
	g := NewGraph(sampleBundle())

	comp, err := g.Composition()
	require.NoError(t, err)
	assert.Equal(t, "Composition-0001", comp.ID)

	_, err = NewGraph(&Bundle{ResourceType: "Bundle"}).Composition()
	assert.ErrorIs(t, err, ErrNoComposition)

	b := sampleBundle()
	b.AddEntry(&Composition{ResourceType: "Composition", ID: "Composition-0002"})
	_, err = NewGraph(b).Composition()
	assert.ErrorIs(t, err, ErrMultipleComposition)
}

func TestGraph_Resolve(t *testing.T) {
	g := NewGraph(sampleBundle())

	res, ok := g.Resolve(NewReference("Patient", "Patient-0001"))
	require.True(t, ok)
	assert.Equal(t, "Branagh", res.(*Patient).GetOfficialName().Family)

	_, ok = g.Resolve(NewReference("Patient", "Patient-9999"))
	assert.False(t, ok)

	_, ok = g.Resolve(nil)
	assert.False(t, ok)

	assert.Len(t, g.OfType("Immunization"), 1)
	assert.Empty(t, g.OfType("Condition"))
}

func TestGraph_Edges(t *testing.T) {
	g := NewGraph(sampleBundle())

	node, ok := g.Node("Immunization/Immunization-0001")
	require.True(t, ok)

	targets := make([]string, 0, len(node.Edges))
	for _, e := range node.Edges {
		targets = append(targets, e.To)
	}
	assert.ElementsMatch(t, []string{
		"Patient/Patient-0001",
		"Practitioner/Practitioner-author",
		"Practitioner/Practitioner-author",
	}, targets)
}

func TestGraph_CheckReferences(t *testing.T) {
	require.NoError(t, NewGraph(sampleBundle()).CheckReferences())

	b := sampleBundle()
	b.AddEntry(&PractitionerRole{
		ResourceType: "PractitionerRole",
		ID:           "PractitionerRole-0001",
		Practitioner: NewReference("Practitioner", "Practitioner-0001"),
		Organization: &Reference{Reference: "http://example.org/fhir/Organization/1"},
	})
	err := NewGraph(b).CheckReferences()
	assert.ErrorIs(t, err, ErrDanglingReference)
	assert.Contains(t, err.Error(), "Practitioner/Practitioner-0001")
	assert.NotContains(t, err.Error(), "example.org")

	dup := sampleBundle()
	dup.AddEntry(&Patient{ResourceType: "Patient", ID: "Patient-0001"})
	assert.ErrorIs(t, NewGraph(dup).CheckReferences(), ErrDuplicateResource)
}
