package rag

import "errors"

var (
	// ErrInvalidQuery is returned before any external call when the question
	// fails validation.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrServiceNotConfigured means the embedding or completion provider has
	// no credential. Callers treat it as "feature disabled", not as a failure.
	ErrServiceNotConfigured = errors.New("question answering is not configured")
)
