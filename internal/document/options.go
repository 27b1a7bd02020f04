// Package document builds FHIR document bundles from vaccination records,
// reads records back out of them and produces superseding versions for
// updates and deletions.
package document

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epr-ch/vaccination/internal/domain/record"
)

// Options configure document construction and reading.
type Options struct {
	// HCPRoles are author roles represented as Practitioner. Records authored
	// in one of these roles are reported as validated.
	HCPRoles []string
	// PatientRoles are author roles represented as a Patient resource.
	PatientRoles []string
	// AllowIncompletePatient substitutes placeholder demographics when the
	// patient identifier carries no patient info.
	AllowIncompletePatient bool

	Clock   func() time.Time
	NewUUID func() string
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		HCPRoles:     []string{record.RoleHCP, record.RoleASS},
		PatientRoles: []string{record.RolePAT, record.RoleREP},
		Clock:        time.Now,
		NewUUID:      uuid.NewString,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if len(o.HCPRoles) == 0 {
		o.HCPRoles = d.HCPRoles
	}
	if len(o.PatientRoles) == 0 {
		o.PatientRoles = d.PatientRoles
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.NewUUID == nil {
		o.NewUUID = d.NewUUID
	}
	return o
}

func (o Options) isHCP(role string) bool {
	return containsFold(o.HCPRoles, role)
}

func (o Options) isPatient(role string) bool {
	return containsFold(o.PatientRoles, role)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}
