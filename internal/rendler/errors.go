package rendler

import "errors"

var (
	// ErrUnknownExecutor is returned for completion messages from an unrecognized executor.
	ErrUnknownExecutor = errors.New("unknown executor")
	// ErrMalformedPayload is returned when a completion message cannot be decoded.
	ErrMalformedPayload = errors.New("malformed completion payload")
)
