package errs

import "errors"

// Error classes shared across packages. Callers wrap them with fmt.Errorf("...: %w")
// and the HTTP layer classifies with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrTransport      = errors.New("transport failure")
	ErrReconciliation = errors.New("reconciliation failed")
	ErrStorage        = errors.New("storage failure")
)
