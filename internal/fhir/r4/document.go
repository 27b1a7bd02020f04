package r4

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR R4 Bundle. Vaccination documents are bundles of
// type "document" whose first entry is a Composition.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

func (b *Bundle) GetResourceType() string  { return "Bundle" }
func (b *Bundle) GetID() string            { return b.ID }
func (b *Bundle) References() []*Reference { return nil }

// HasProfile reports whether the bundle declares the given profile.
func (b *Bundle) HasProfile(profile string) bool {
	if b == nil || b.Meta == nil {
		return false
	}
	for _, p := range b.Meta.Profile {
		if p == profile {
			return true
		}
	}
	return false
}

// AddEntry appends a resource, keyed by its relative "Type/id" URL.
func (b *Bundle) AddEntry(r Resource) {
	b.Entry = append(b.Entry, BundleEntry{FullURL: Key(r), Resource: r})
}

// DocumentID returns the bundle identifier value without the urn:uuid: prefix.
func (b *Bundle) DocumentID() string {
	if b == nil || b.Identifier == nil {
		return ""
	}
	return StripURNUUID(b.Identifier.Value)
}

// BundleEntry is a single entry in a Bundle.
type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource,omitempty"`
}

// UnmarshalJSON decodes the entry resource into its typed model.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.FullURL = raw.FullURL
	e.Resource = nil
	if len(raw.Resource) == 0 || string(raw.Resource) == "null" {
		return nil
	}
	res, err := DecodeResource(raw.Resource)
	if err != nil {
		return fmt.Errorf("entry %q: %w", raw.FullURL, err)
	}
	e.Resource = res
	return nil
}

// Composition represents a FHIR R4 Composition, the header of a document.
type Composition struct {
	ResourceType           string                 `json:"resourceType"`
	ID                     string                 `json:"id,omitempty"`
	Meta                   *Meta                  `json:"meta,omitempty"`
	Language               string                 `json:"language,omitempty"`
	Text                   *Narrative             `json:"text,omitempty"`
	Extension              []Extension            `json:"extension,omitempty"`
	Identifier             *Identifier            `json:"identifier,omitempty"`
	Status                 string                 `json:"status"` // preliminary | final | amended | entered-in-error
	Type                   CodeableConcept        `json:"type"`
	Subject                *Reference             `json:"subject,omitempty"`
	Date                   string                 `json:"date"`
	Author                 []Reference            `json:"author"`
	Title                  string                 `json:"title"`
	Confidentiality        string                 `json:"confidentiality,omitempty"`
	ConfidentialityElement *Element               `json:"_confidentiality,omitempty"`
	Custodian              *Reference             `json:"custodian,omitempty"`
	RelatesTo              []CompositionRelatesTo `json:"relatesTo,omitempty"`
	Section                []CompositionSection   `json:"section,omitempty"`
}

// CompositionRelatesTo links a document to the document it replaces.
type CompositionRelatesTo struct {
	Code             string      `json:"code"` // replaces | transforms | signs | appends
	TargetIdentifier *Identifier `json:"targetIdentifier,omitempty"`
	TargetReference  *Reference  `json:"targetReference,omitempty"`
}

// CompositionSection groups document entries.
type CompositionSection struct {
	Title  string           `json:"title,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
	Author []Reference      `json:"author,omitempty"`
	Text   *Narrative       `json:"text,omitempty"`
	Entry  []Reference      `json:"entry,omitempty"`
}

func (c *Composition) GetResourceType() string { return "Composition" }
func (c *Composition) GetID() string           { return c.ID }
func (c *Composition) References() []*Reference {
	refs := nonNil(c.Subject, c.Custodian)
	for i := range c.Author {
		refs = append(refs, nonNil(&c.Author[i])...)
	}
	for i := range c.RelatesTo {
		refs = append(refs, nonNil(c.RelatesTo[i].TargetReference)...)
	}
	for s := range c.Section {
		for i := range c.Section[s].Entry {
			refs = append(refs, nonNil(&c.Section[s].Entry[i])...)
		}
	}
	return refs
}

// HasProfile reports whether the composition declares the given profile.
func (c *Composition) HasProfile(profile string) bool {
	if c == nil || c.Meta == nil {
		return false
	}
	for _, p := range c.Meta.Profile {
		if p == profile {
			return true
		}
	}
	return false
}

// SectionByCode returns the section with the given LOINC code, or nil.
func (c *Composition) SectionByCode(code string) *CompositionSection {
	for i := range c.Section {
		if c.Section[i].Code.HasCode(code) {
			return &c.Section[i]
		}
	}
	return nil
}

// ConfidentialityCoding returns the EPR confidentiality code carried as an
// extension on the confidentiality element, or nil.
func (c *Composition) ConfidentialityCoding() *CodeableConcept {
	if c == nil || c.ConfidentialityElement == nil {
		return nil
	}
	ext := FindExtension(c.ConfidentialityElement.Extension, ExtensionConfidentialityCode)
	if ext == nil {
		return nil
	}
	return ext.ValueCodeableConcept
}

// DocumentIdentifier returns the composition identifier without the urn:uuid: prefix.
func (c *Composition) DocumentIdentifier() string {
	if c == nil || c.Identifier == nil {
		return ""
	}
	return StripURNUUID(c.Identifier.Value)
}
