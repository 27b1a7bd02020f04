// Package validation checks record DTOs before they are turned into
// documents.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

// ErrValidation is matched by every field-level validation failure.
var ErrValidation = errors.New("validation failed")

// Error names the first field that failed validation.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed on field %q: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for field errors.
func (e *Error) Is(target error) bool {
	return target == ErrValidation
}

func fieldError(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// Validator applies the per-variant field rules.
type Validator struct {
	validate *validator.Validate
	today    func() record.Date
}

// New creates a validator that judges "future" against the system clock.
func New() *Validator {
	return NewWithClock(record.Today)
}

// NewWithClock creates a validator with a custom notion of today.
func NewWithClock(today func() record.Date) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", notBlank)
	return &Validator{validate: v, today: today}
}

func notBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// Validate checks a record. Read actions tolerate recorders without a first
// name; composite records always validate their entries as read actions.
func (v *Validator) Validate(rec record.Record, isReadAction bool) error {
	if rec == nil {
		return fieldError("record", "must be present")
	}
	return rec.Accept(&check{v: v, read: isReadAction})
}

type check struct {
	v      *Validator
	read   bool
	prefix string
}

func (c *check) common(b *record.Base) error {
	if err := c.coded("code", &b.Code); err != nil {
		return err
	}
	return c.recorder(b)
}

func (c *check) coded(field string, cv *record.CodedValue) error {
	if cv == nil {
		return fieldError(c.prefix+field, "must be present")
	}
	err := c.v.validate.Struct(cv)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fieldError(c.prefix+field+"."+verrs[0].Field(), "must not be blank")
	}
	return fmt.Errorf("validating %s: %w", c.prefix+field, err)
}

func (c *check) recorder(b *record.Base) error {
	if r := b.Recorder; r != nil && c.blank(r.LastName) == nil {
		if c.read || c.blank(r.FirstName) == nil {
			return nil
		}
		if c.blank(b.OrganizationName) != nil {
			return fieldError(c.prefix+"recorder.firstName", "must not be blank")
		}
		return nil
	}
	if c.blank(b.OrganizationName) != nil {
		return fieldError(c.prefix+"recorder", "recorder name or organization must be present")
	}
	return nil
}

func (c *check) blank(s string) error {
	return c.v.validate.Var(s, "notblank")
}

func (c *check) required(field string, d record.Date) error {
	if d.IsZero() {
		return fieldError(c.prefix+field, "must be present")
	}
	return nil
}

func (c *check) notFuture(field string, d record.Date) error {
	if err := c.required(field, d); err != nil {
		return err
	}
	if d.After(c.v.today()) {
		return fieldError(c.prefix+field, "must not be in the future")
	}
	return nil
}

// codeSet lists the codes a FHIR code-typed element accepts.
type codeSet struct {
	system string
	codes  []string
}

var (
	statusCodes = codeSet{r4.SystemEventStatus, []string{
		r4.ImmunizationStatusCompleted, r4.ImmunizationStatusNotDone, r4.ImmunizationStatusEnteredInError,
	}}
	allergyTypeCodes        = codeSet{r4.SystemAllergyType, []string{"allergy", "intolerance"}}
	allergyCriticalityCodes = codeSet{r4.SystemAllergyCriticality, []string{"low", "high", "unable-to-assess"}}
)

// member checks an optional coded value against a code set.
func (c *check) member(field string, cv *record.CodedValue, set codeSet) error {
	if cv == nil {
		return nil
	}
	if cv.System != "" && cv.System != set.system {
		return fieldError(c.prefix+field, fmt.Sprintf("system must be %s", set.system))
	}
	if err := c.v.validate.Var(cv.Code, "oneof="+strings.Join(set.codes, " ")); err != nil {
		return fieldError(c.prefix+field, fmt.Sprintf("code must be one of %s", strings.Join(set.codes, ", ")))
	}
	return nil
}

func (c *check) VisitVaccination(r *record.Vaccination) error {
	if err := c.common(&r.Base); err != nil {
		return err
	}
	if len(r.TargetDiseases) == 0 {
		return fieldError(c.prefix+"targetDiseases", "at least one target disease is required")
	}
	for i := range r.TargetDiseases {
		if err := c.coded(fmt.Sprintf("targetDiseases[%d]", i), &r.TargetDiseases[i]); err != nil {
			return err
		}
	}
	if err := c.v.validate.Var(r.DoseNumber, "min=1"); err != nil {
		return fieldError(c.prefix+"doseNumber", "must be at least 1")
	}
	if err := c.member("status", r.Status, statusCodes); err != nil {
		return err
	}
	return c.required("occurrenceDate", r.OccurrenceDate)
}

func (c *check) VisitAllergy(r *record.Allergy) error {
	if err := c.common(&r.Base); err != nil {
		return err
	}
	if err := c.member("type", r.Type, allergyTypeCodes); err != nil {
		return err
	}
	if err := c.member("criticality", r.Criticality, allergyCriticalityCodes); err != nil {
		return err
	}
	return c.notFuture("occurrenceDate", r.OccurrenceDate)
}

func (c *check) VisitPastIllness(r *record.PastIllness) error {
	if err := c.common(&r.Base); err != nil {
		return err
	}
	if err := c.notFuture("recordedDate", r.RecordedDate); err != nil {
		return err
	}
	return c.required("begin", r.Begin)
}

func (c *check) VisitMedicalProblem(r *record.MedicalProblem) error {
	if err := c.common(&r.Base); err != nil {
		return err
	}
	if err := c.notFuture("recordedDate", r.RecordedDate); err != nil {
		return err
	}
	return c.required("begin", r.Begin)
}

func (c *check) VisitVaccinationRecord(r *record.VaccinationRecord) error {
	groups := []struct {
		name    string
		entries []record.Entry
	}{
		{"vaccinations", entries(r.Vaccinations)},
		{"pastIllnesses", entries(r.PastIllnesses)},
		{"allergies", entries(r.Allergies)},
		{"medicalProblems", entries(r.MedicalProblems)},
	}
	for _, g := range groups {
		for i, e := range g.entries {
			sub := &check{v: c.v, read: true, prefix: fmt.Sprintf("%s%s[%d].", c.prefix, g.name, i)}
			if err := e.Accept(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func entries[T record.Entry](items []T) []record.Entry {
	out := make([]record.Entry, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
