package types

import "errors"

// Pipeline failures. Callers match them with errors.Is; the underlying cause is
// wrapped alongside the sentinel.
var (
	// ErrEmbeddingUnavailable indicates the external embedding call failed.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIndexUnavailable indicates vector search or storage failed.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrMalformedInput indicates unparsable text or invalid parameters.
	ErrMalformedInput = errors.New("malformed input")

	// ErrGenerationFailed indicates the generative call failed or was cancelled.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrScopeNotFound indicates a folder/tag filter matched no accessible documents.
	// Retrieval treats it as an empty result, not a failure.
	ErrScopeNotFound = errors.New("scope not found")

	ErrNotFound = errors.New("not found")
)
