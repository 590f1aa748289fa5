package model

import "time"

// Error codes returned in API error responses.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeRejected     = "query_rejected"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
)

// ResponseMeta accompanies every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail describes a single API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// MaxSummaryLen caps the summary text that flows into the embedding pipeline
// and Postgres TEXT columns. Oversized source payloads are truncated, not
// rejected, because the source platform occasionally attaches full transcripts
// to the summary field.
const MaxSummaryLen = 32 * 1024
