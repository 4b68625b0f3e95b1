package character

import "errors"

// Error kinds shared by every service in the persistence core. Services
// wrap these with fmt.Errorf("...: %w", ...) and callers branch with
// errors.Is.
var (
	ErrValidation         = errors.New("invalid character record")
	ErrNotFound           = errors.New("character not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrVersionConflict    = errors.New("version conflict")
)
