package auth

import (
	"errors"
	"fmt"
)

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrMalformedHeader   = errors.New("malformed authorization header")
	ErrTokenMalformed    = errors.New("token malformed")
	ErrAlgorithmRejected = errors.New("token algorithm rejected")
	ErrUnknownKey        = errors.New("token signing key unknown")
	ErrBadSignature      = errors.New("token signature invalid")
	ErrIssuerMismatch    = errors.New("token issuer mismatch")
	ErrAudienceMismatch  = errors.New("token audience mismatch")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenNotYetValid  = errors.New("token not yet valid")
)

// UnknownKeyError reports the key id a token referenced that the key set lacks.
type UnknownKeyError struct {
	KeyID string
}

func (e *UnknownKeyError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("%s: token has no kid", ErrUnknownKey)
	}
	return fmt.Sprintf("%s: kid %q", ErrUnknownKey, e.KeyID)
}

func (e *UnknownKeyError) Is(target error) bool {
	return target == ErrUnknownKey
}

var reasons = []struct {
	err   error
	label string
}{
	{ErrMissingToken, "missing_token"},
	{ErrMalformedHeader, "malformed_header"},
	{ErrTokenMalformed, "malformed"},
	{ErrAlgorithmRejected, "algorithm_rejected"},
	{ErrUnknownKey, "unknown_key"},
	{ErrBadSignature, "bad_signature"},
	{ErrIssuerMismatch, "issuer_mismatch"},
	{ErrAudienceMismatch, "audience_mismatch"},
	{ErrTokenExpired, "expired"},
	{ErrTokenNotYetValid, "not_yet_valid"},
}

// Reason returns a stable label for a verification failure, suitable for
// logs and metric labels.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "invalid"
}
