package linkage

import (
	"context"
	"errors"
)

// ErrorKind classifies errors recorded on a LinkingResult.
type ErrorKind string

// Error kinds.
const (
	KindValidation         ErrorKind = "validation"
	KindGatewayUnavailable ErrorKind = "gateway_unavailable"
	KindGatewayRejected    ErrorKind = "gateway_rejected"
	KindInferenceFailure   ErrorKind = "inference_failure"
	KindScoringFailure     ErrorKind = "scoring_failure"
	KindCancelled          ErrorKind = "cancelled"
	KindFatal              ErrorKind = "fatal"
	KindNotFound           ErrorKind = "not_found"
)

var (
	// ErrValidation is returned for malformed requests, before processing starts.
	ErrValidation = errors.New("validation error")

	// ErrGatewayUnavailable is returned on network failures, timeouts and 5xx responses.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrGatewayRejected is returned on malformed responses or rejected queries.
	ErrGatewayRejected = errors.New("gateway rejected query")

	// ErrInferenceFailure is returned when the column type cannot be inferred.
	ErrInferenceFailure = errors.New("column type inference failed")

	// ErrScoringFailure is returned when candidates cannot be scored.
	ErrScoringFailure = errors.New("candidate scoring failed")

	// ErrCancelled is returned when the caller cancelled the request.
	ErrCancelled = errors.New("request cancelled")

	// ErrFatal marks an infrastructure error with no safe default.
	ErrFatal = errors.New("fatal error")

	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("request not found")

	// ErrInvalidTransition is returned when a status change would move backward.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var kindSentinels = []struct {
	err  error
	kind ErrorKind
}{
	{ErrValidation, KindValidation},
	{ErrGatewayUnavailable, KindGatewayUnavailable},
	{ErrGatewayRejected, KindGatewayRejected},
	{ErrInferenceFailure, KindInferenceFailure},
	{ErrScoringFailure, KindScoringFailure},
	{ErrCancelled, KindCancelled},
	{ErrNotFound, KindNotFound},
	{ErrFatal, KindFatal},
}

// KindOf maps an error chain to its ErrorKind. Unclassified errors are fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindFatal
}
