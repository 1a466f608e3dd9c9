package authority

import (
	"context"
	"errors"
	"time"

	"attendance-service/internal/model"
)

var (
	// ErrUnreachable means the authority could not be reached or answered
	// with a server-side failure. Retryable by the caller with backoff.
	ErrUnreachable = errors.New("verifying authority unreachable")

	// ErrBadResponse means the authority answered with a payload the client
	// could not interpret
	ErrBadResponse = errors.New("verifying authority returned a malformed response")
)

// SubmitRequest carries one observed token to the authority
type SubmitRequest struct {
	SessionID  string    `json:"session_id"`
	TokenValue string    `json:"token_value"`
	ObservedAt time.Time `json:"observed_at"`
	RSSI       int       `json:"rssi,omitempty"`
}

// VerifyRequest carries the biometric assertion for the second factor
type VerifyRequest struct {
	SessionID string `json:"session_id"`
	Assertion string `json:"biometric_assertion"`
}

// VerifyingAuthority is the external system of record for attendance. The
// credential is an opaque bearer string supplied at call time; the protocol
// core never inspects it. Calls are bounded by the context deadline and
// surface timeouts as errors rather than hanging.
type VerifyingAuthority interface {
	SubmitToken(ctx context.Context, credential string, req SubmitRequest) (model.SubmitResult, error)
	VerifyBiometric(ctx context.Context, credential string, req VerifyRequest) (model.BiometricResult, error)
}
