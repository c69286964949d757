package oidc

import (
	"errors"
)

// These are causes wrapped by the errs.ErrProvider / errs.ErrInvalidParameter
// errors the Provider returns.
var (
	ErrNilParameter           = errors.New("nil parameter")
	ErrInvalidCACert          = errors.New("invalid CA certificate")
	ErrInvalidIssuer          = errors.New("invalid issuer")
	ErrUnsupportedAlg         = errors.New("unsupported signing algorithm")
	ErrIdGeneratorFailed      = errors.New("id generation failed")
	ErrMissingIdToken         = errors.New("id_token is missing")
	ErrMissingAccessToken     = errors.New("access_token is missing")
	ErrInvalidAudience        = errors.New("invalid audience")
	ErrMissingEndSession      = errors.New("provider does not advertise an end_session_endpoint")
	ErrUnexpectedResponseCode = errors.New("unexpected response code")
)
