package manifest

import "errors"

var (
	// ErrNotFound is returned when the manifest object never became
	// visible in the store within the bounded re-read attempts
	ErrNotFound = errors.New("manifest not found")

	// ErrMalformed is returned for manifests that fail schema
	// validation; these can never succeed on retry
	ErrMalformed = errors.New("malformed manifest")
)
