package record

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Role tags carried on HumanName and Author.
const (
	RoleHCP = "HCP"
	RolePAT = "PAT"
	RoleASS = "ASS"
	RoleREP = "REP"
)

// DefaultSPIDRootAuthority is the national OID under which SPIDs are issued.
const DefaultSPIDRootAuthority = "2.16.756.5.30.1.127.3.10.3"

// CodedValue is a code from a terminology.
type CodedValue struct {
	Code         string `json:"code" validate:"notblank"`
	Name         string `json:"name" validate:"notblank"`
	System       string `json:"system" validate:"notblank"`
	AllowDisplay bool   `json:"allowDisplay,omitempty"`
}

// NewCodedValue returns a displayable coded value.
func NewCodedValue(system, code, name string) *CodedValue {
	return &CodedValue{Code: code, Name: name, System: system, AllowDisplay: true}
}

// Equal compares code, name and system case-insensitively.
func (c *CodedValue) Equal(o *CodedValue) bool {
	if c == nil || o == nil {
		return c == o
	}
	return strings.EqualFold(c.Code, o.Code) &&
		strings.EqualFold(c.Name, o.Name) &&
		strings.EqualFold(c.System, o.System)
}

// HumanName identifies a person taking part in a record.
type HumanName struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	BirthDate Date   `json:"birthDate"`
	Gender    string `json:"gender,omitempty"`
	Role      string `json:"role,omitempty"`
	GLN       string `json:"gln,omitempty"`
}

// FullName joins prefix, first and last name with single blanks.
func (h *HumanName) FullName() string {
	if h == nil {
		return ""
	}
	return strings.Join(strings.Fields(h.Prefix+" "+h.FirstName+" "+h.LastName), " ")
}

// Author is the person who wrote a document.
type Author struct {
	User         HumanName `json:"user"`
	Role         string    `json:"role,omitempty"`
	PurposeOfUse string    `json:"purposeOfUse,omitempty"`
	Organization string    `json:"organization,omitempty"`
	GLN          string    `json:"gln,omitempty"`
}

// Comment is a free-text note on a record. A nil Date marks a comment that
// has not been persisted yet.
type Comment struct {
	Date   *time.Time `json:"date,omitempty"`
	Author HumanName  `json:"author"`
	Text   string     `json:"text"`
}

// SortComments orders comments by date, newest first. Pending comments sort last.
func SortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		a, b := comments[i].Date, comments[j].Date
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

// PatientIdentifier carries the identities of a patient across domains.
type PatientIdentifier struct {
	CommunityID             string     `json:"communityId"`
	LocalExtension          string     `json:"localExtension"`
	LocalAssigningAuthority string     `json:"localAssigningAuthority"`
	SPIDExtension           string     `json:"spidExtension,omitempty"`
	SPIDRootAuthority       string     `json:"spidRootAuthority,omitempty"`
	GlobalExtension         string     `json:"globalExtension,omitempty"`
	GlobalAuthority         string     `json:"globalAuthority,omitempty"`
	PatientInfo             *HumanName `json:"patientInfo,omitempty"`
}

// ErrIncompleteIdentifier is returned when the local identifier pair is missing.
var ErrIncompleteIdentifier = errors.New("patient identifier requires local extension and assigning authority")

// NewPatientIdentifier creates an identifier from the local id pair.
func NewPatientIdentifier(communityID, localExtension, localAuthority string) *PatientIdentifier {
	return &PatientIdentifier{
		CommunityID:             communityID,
		LocalExtension:          localExtension,
		LocalAssigningAuthority: localAuthority,
		SPIDRootAuthority:       DefaultSPIDRootAuthority,
	}
}

// Validate checks that the local identifier pair is present.
func (p *PatientIdentifier) Validate() error {
	if p == nil || strings.TrimSpace(p.LocalExtension) == "" || strings.TrimSpace(p.LocalAssigningAuthority) == "" {
		return ErrIncompleteIdentifier
	}
	return nil
}

// HasSPID reports whether the SPID has been resolved.
func (p *PatientIdentifier) HasSPID() bool {
	return p != nil && p.SPIDExtension != ""
}

// SPIDAuthority returns the SPID root authority, defaulting to the national OID.
func (p *PatientIdentifier) SPIDAuthority() string {
	if p == nil || p.SPIDRootAuthority == "" {
		return DefaultSPIDRootAuthority
	}
	return p.SPIDRootAuthority
}

// CacheKey identifies the patient for external caches and storage.
func (p *PatientIdentifier) CacheKey() string {
	return p.CommunityID + "|" + p.LocalAssigningAuthority + "|" + p.LocalExtension
}

// FullName returns the patient's display name, if known.
func (p *PatientIdentifier) FullName() string {
	if p == nil {
		return ""
	}
	return p.PatientInfo.FullName()
}
