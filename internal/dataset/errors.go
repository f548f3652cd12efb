package dataset

import "errors"

// Dataset-level errors: any of these fails the whole dataset (no partial
// admission), per the all-or-nothing dataset invariant.
var (
	ErrSchemaInvalid = errors.New("dataset: schema validation failed")
	ErrHMACMismatch  = errors.New("dataset: hmac signature mismatch")
)
