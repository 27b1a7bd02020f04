package r4

import "strings"

// Patient represents a FHIR R4 Patient resource.
type Patient struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Meta         *Meta          `json:"meta,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty"`
	Active       *bool          `json:"active,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	Gender       string         `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string         `json:"birthDate,omitempty"`
	Address      []Address      `json:"address,omitempty"`
}

func (p *Patient) GetResourceType() string  { return "Patient" }
func (p *Patient) GetID() string            { return p.ID }
func (p *Patient) References() []*Reference { return nil }

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	return officialName(p.Name)
}

// GetFullName returns the patient's full name as a string.
func (p *Patient) GetFullName() string {
	return fullName(p.GetOfficialName())
}

// GetIdentifierValue returns the identifier value for the given system.
func (p *Patient) GetIdentifierValue(system string) string {
	return identifierValue(p.Identifier, system)
}

// Practitioner represents a FHIR R4 Practitioner resource.
type Practitioner struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       *bool        `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
}

func (p *Practitioner) GetResourceType() string  { return "Practitioner" }
func (p *Practitioner) GetID() string            { return p.ID }
func (p *Practitioner) References() []*Reference { return nil }

// GetGLN returns the practitioner's Global Location Number.
func (p *Practitioner) GetGLN() string {
	return identifierValue(p.Identifier, SystemGLN)
}

// GetOfficialName returns the practitioner's official name.
func (p *Practitioner) GetOfficialName() *HumanName {
	return officialName(p.Name)
}

// GetFullName returns the practitioner's full name.
func (p *Practitioner) GetFullName() string {
	return fullName(p.GetOfficialName())
}

// PractitionerRole links a practitioner to an organization.
type PractitionerRole struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       *bool        `json:"active,omitempty"`
	Practitioner *Reference   `json:"practitioner,omitempty"`
	Organization *Reference   `json:"organization,omitempty"`
}

func (r *PractitionerRole) GetResourceType() string { return "PractitionerRole" }
func (r *PractitionerRole) GetID() string           { return r.ID }
func (r *PractitionerRole) References() []*Reference {
	return nonNil(r.Practitioner, r.Organization)
}

// Organization represents a FHIR R4 Organization resource.
type Organization struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Meta         *Meta          `json:"meta,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty"`
	Active       *bool          `json:"active,omitempty"`
	Name         string         `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	Address      []Address      `json:"address,omitempty"`
}

func (o *Organization) GetResourceType() string  { return "Organization" }
func (o *Organization) GetID() string            { return o.ID }
func (o *Organization) References() []*Reference { return nil }

// GetGLN returns the organization's Global Location Number.
func (o *Organization) GetGLN() string {
	return identifierValue(o.Identifier, SystemGLN)
}

func officialName(names []HumanName) *HumanName {
	for i := range names {
		if names[i].Use == "official" {
			return &names[i]
		}
	}
	if len(names) > 0 {
		return &names[0]
	}
	return nil
}

func fullName(name *HumanName) string {
	if name == nil {
		return ""
	}
	if name.Text != "" {
		return name.Text
	}
	parts := make([]string, 0, len(name.Prefix)+len(name.Given)+1)
	parts = append(parts, name.Prefix...)
	parts = append(parts, name.Given...)
	if name.Family != "" {
		parts = append(parts, name.Family)
	}
	return strings.Join(parts, " ")
}

func identifierValue(ids []Identifier, system string) string {
	for _, id := range ids {
		if id.System == system {
			return id.Value
		}
	}
	return ""
}
