package r4

import (
	"encoding/json"
	"fmt"
)

// Resource is implemented by every resource that can appear in a Bundle entry.
type Resource interface {
	GetResourceType() string
	GetID() string
	// References returns the literal references this resource holds.
	References() []*Reference
}

// ClinicalResource is a resource that carries a clinical statement and can be
// superseded or marked entered-in-error.
type ClinicalResource interface {
	Resource
	GetIdentifier() []Identifier
	GetExtension() []Extension
	SetExtension([]Extension)
	GetNote() []Annotation
	SetNote([]Annotation)
	MarkEnteredInError()
	IsEnteredInError() bool
}

var registry = map[string]func() Resource{
	"Bundle":             func() Resource { return &Bundle{} },
	"Composition":        func() Resource { return &Composition{} },
	"Patient":            func() Resource { return &Patient{} },
	"Practitioner":       func() Resource { return &Practitioner{} },
	"PractitionerRole":   func() Resource { return &PractitionerRole{} },
	"Organization":       func() Resource { return &Organization{} },
	"Immunization":       func() Resource { return &Immunization{} },
	"AllergyIntolerance": func() Resource { return &AllergyIntolerance{} },
	"Condition":          func() Resource { return &Condition{} },
}

// DecodeResource unmarshals a single resource, dispatching on resourceType.
// Resource types without a typed model are preserved as *Unknown.
func DecodeResource(data []byte) (Resource, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to read resourceType: %w", err)
	}
	if head.ResourceType == "" {
		return nil, fmt.Errorf("resource without resourceType")
	}
	factory, ok := registry[head.ResourceType]
	if !ok {
		u := &Unknown{}
		if err := json.Unmarshal(data, u); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", head.ResourceType, err)
		}
		return u, nil
	}
	res := factory()
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", head.ResourceType, err)
	}
	return res, nil
}

// Unknown holds a resource type this package does not model.
type Unknown struct {
	ResourceType string
	ID           string
	Raw          json.RawMessage
}

func (u *Unknown) GetResourceType() string  { return u.ResourceType }
func (u *Unknown) GetID() string            { return u.ID }
func (u *Unknown) References() []*Reference { return nil }

// UnmarshalJSON keeps the raw document alongside type and id.
func (u *Unknown) UnmarshalJSON(data []byte) error {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	u.ResourceType = head.ResourceType
	u.ID = head.ID
	u.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the raw document back unchanged.
func (u *Unknown) MarshalJSON() ([]byte, error) {
	return u.Raw, nil
}

// Key returns the "Type/id" key of a resource.
func Key(r Resource) string {
	return r.GetResourceType() + "/" + r.GetID()
}

func nonNil(refs ...*Reference) []*Reference {
	out := make([]*Reference, 0, len(refs))
	for _, ref := range refs {
		if ref != nil && ref.Reference != "" {
			out = append(out, ref)
		}
	}
	return out
}

func noteRefs(notes []Annotation) []*Reference {
	refs := make([]*Reference, 0, len(notes))
	for i := range notes {
		refs = append(refs, notes[i].AuthorReference)
	}
	return refs
}

func extensionRefs(exts []Extension) []*Reference {
	var refs []*Reference
	for i := range exts {
		if exts[i].ValueReference != nil {
			refs = append(refs, exts[i].ValueReference)
		}
		refs = append(refs, extensionRefs(exts[i].Extension)...)
	}
	return refs
}
