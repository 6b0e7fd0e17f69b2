package idtoken

import (
	"errors"
	"fmt"
)

// Kind identifies why an ID token was rejected. Every Kind is also an error
// value, so callers can match with errors.Is(err, idtoken.ErrInvalidSignature).
type Kind string

func (k Kind) Error() string { return string(k) }

// Code returns the name-spaced error code for the kind, e.g.
// "a0.idtoken.invalid_signature".
func (k Kind) Code() string { return codeNamespace + "." + string(k) }

const codeNamespace = "a0.idtoken"

const (
	ErrTokenDecoding                 Kind = "token_decoding_error"
	ErrInvalidAlgorithm              Kind = "invalid_algorithm"
	ErrKeyRetrieval                  Kind = "key_retrieval_error"
	ErrInvalidSignature              Kind = "invalid_signature"
	ErrMissingIssuerClaim            Kind = "missing_issuer_claim"
	ErrInvalidIssuerClaim            Kind = "invalid_issuer_claim"
	ErrMissingSubjectClaim           Kind = "missing_subject_claim"
	ErrMissingAudienceClaim          Kind = "missing_audience_claim"
	ErrInvalidAudienceClaim          Kind = "invalid_audience_claim"
	ErrMissingExpiresAtClaim         Kind = "missing_expires_at_claim"
	ErrInvalidExpiresAtClaim         Kind = "invalid_expires_at_claim"
	ErrMissingIssuedAtClaim          Kind = "missing_issued_at_claim"
	ErrMissingNonceClaim             Kind = "missing_nonce_claim"
	ErrInvalidNonceClaim             Kind = "invalid_nonce_claim"
	ErrMissingAuthorizedPartyClaim   Kind = "missing_authorized_party_claim"
	ErrInvalidAuthorizedPartyClaim   Kind = "invalid_authorized_party_claim"
	ErrMissingAuthorizationTimeClaim Kind = "missing_authorization_time_claim"
	ErrInvalidAuthorizationTimeClaim Kind = "invalid_authorization_time_claim"
)

// VerificationError is returned for every rejected token. It carries the
// specific Kind and a message naming the offending values.
type VerificationError struct {
	kind    Kind
	message string
}

func newError(kind Kind, format string, args ...any) *VerificationError {
	return &VerificationError{
		kind:    kind,
		message: fmt.Sprintf(format, args...),
	}
}

func (e *VerificationError) Kind() Kind      { return e.kind }
func (e *VerificationError) Code() string    { return e.kind.Code() }
func (e *VerificationError) Message() string { return e.message }
func (e *VerificationError) Error() string   { return e.message }
func (e *VerificationError) Unwrap() error   { return e.kind }

// KindOf reports the Kind carried by err, if err is (or wraps) a
// VerificationError.
func KindOf(err error) (Kind, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.kind, true
	}
	return "", false
}
