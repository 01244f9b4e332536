package storage

import "errors"

// Common storage errors - implementation agnostic
var (
	// ErrNotFound is returned when an account record does not exist
	ErrNotFound = errors.New("account not found")

	// ErrAlreadyExists is returned when a record for the username already exists
	ErrAlreadyExists = errors.New("account already exists")

	// ErrInvalidUsername is returned for usernames outside [A-Za-z0-9_]+
	ErrInvalidUsername = errors.New("invalid username")

	// ErrInvalidQuota is returned for negative or non-numeric quota values
	ErrInvalidQuota = errors.New("invalid quota")
)

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if an error is a duplicate-account error
// This lets handlers distinguish conflicts from other failures and map
// them to the right response code
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidationError checks if an error is caused by bad caller input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidUsername) || errors.Is(err, ErrInvalidQuota)
}
