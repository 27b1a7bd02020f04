package document

import (
	"errors"
	"fmt"
)

// ErrTechnical is matched by every failure to construct or read a document.
// Technical errors are not user-correctable and are not retried.
var ErrTechnical = errors.New("technical error")

var (
	ErrUnsupportedRole    = fmt.Errorf("%w: unsupported author role", ErrTechnical)
	ErrMissingResource    = fmt.Errorf("%w: missing resource", ErrTechnical)
	ErrUnsupportedRecord  = fmt.Errorf("%w: unsupported record", ErrTechnical)
	ErrNotFound           = fmt.Errorf("%w: record not found", ErrTechnical)
	ErrPatientInfoMissing = fmt.Errorf("%w: patient demographics missing", ErrTechnical)
	ErrUnsupportedCode    = fmt.Errorf("%w: code outside value set", ErrTechnical)
)

func technical(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrTechnical, fmt.Sprintf(format, args...), cause)
}
