package epr

import (
	"errors"

	"github.com/epr-ch/vaccination/internal/document"
	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/domain/validation"
	"github.com/epr-ch/vaccination/pkg/circuitbreaker"
)

// Error classes reported to callers and metrics.
const (
	ClassValidation  = "validation"
	ClassNotFound    = "not_found"
	ClassUnavailable = "unavailable"
	ClassTechnical   = "technical"
)

// Classify maps an error returned by the service to its class.
func Classify(err error) string {
	switch {
	case errors.Is(err, validation.ErrValidation), errors.Is(err, record.ErrIncompleteIdentifier):
		return ClassValidation
	case errors.Is(err, document.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ClassUnavailable
	default:
		return ClassTechnical
	}
}
