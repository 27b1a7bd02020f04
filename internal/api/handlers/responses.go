package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/epr-ch/vaccination/internal/domain/validation"
	"github.com/epr-ch/vaccination/internal/epr"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

// statusFor maps a service error to an HTTP status and an OperationOutcome
// issue code.
func statusFor(err error) (int, string) {
	switch epr.Classify(err) {
	case epr.ClassValidation:
		return http.StatusBadRequest, "invalid"
	case epr.ClassNotFound:
		return http.StatusNotFound, "not-found"
	case epr.ClassUnavailable:
		return http.StatusServiceUnavailable, "transient"
	default:
		return http.StatusInternalServerError, "exception"
	}
}

// expression returns the offending field of a validation error.
func expression(err error) []string {
	var verr *validation.Error
	if errors.As(err, &verr) && verr.Field != "" {
		return []string{verr.Field}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(data)
}

func writeOutcome(w http.ResponseWriter, status int, code, diagnostics string, expr []string) {
	severity := "error"
	if status < http.StatusBadRequest {
		severity = "information"
	}
	outcome := r4.NewOperationOutcome(r4.OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expr,
	})
	w.Header().Set("Content-Type", r4.ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(outcome)
}

func writeBadRequest(w http.ResponseWriter, diagnostics string) {
	writeOutcome(w, http.StatusBadRequest, "structure", diagnostics, nil)
}
