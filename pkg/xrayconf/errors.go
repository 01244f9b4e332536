package xrayconf

import "errors"

var (
	// ErrMarkerNotFound is returned when the document has no insertion
	// marker for the requested protocol
	ErrMarkerNotFound = errors.New("insertion marker not found")

	// ErrDuplicateAccount is returned when the document already contains an
	// entry for the username
	ErrDuplicateAccount = errors.New("account already present in document")
)

// IsMarkerNotFoundError checks if an error is a missing-marker error
func IsMarkerNotFoundError(err error) bool {
	return errors.Is(err, ErrMarkerNotFound)
}

// IsDuplicateAccountError checks if an error is a duplicate-account error
func IsDuplicateAccountError(err error) bool {
	return errors.Is(err, ErrDuplicateAccount)
}
