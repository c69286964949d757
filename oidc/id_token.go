package oidc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davidpede/authAzureAD/sdk/errs"
)

// IdToken is an oidc id_token.
// See https://openid.net/specs/openid-connect-core-1_0.html#IDToken.
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token.
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token.
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token.
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// Claims retrieves the IdToken claims without verifying the signature. Use
// Provider.VerifyIdToken for anything security relevant.
func (t IdToken) Claims(claims interface{}) error {
	const op = "IdToken.Claims"
	if len(t) == 0 {
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("id_token is empty"))
	}
	if claims == nil {
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("claims interface is nil"), errs.WithWrap(ErrNilParameter))
	}
	return UnmarshalClaims(string(t), claims)
}

// UnmarshalClaims will retrieve the claims from the provided raw JWT token.
func UnmarshalClaims(rawToken string, claims interface{}) error {
	const op = "UnmarshalClaims"
	parts := strings.Split(rawToken, ".")
	if len(parts) < 2 {
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("malformed jwt, expected 3 parts got %d", len(parts))))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("malformed jwt claims"), errs.WithWrap(err))
	}
	if err := json.Unmarshal(raw, claims); err != nil {
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("unable to unmarshal claims"), errs.WithWrap(err))
	}
	return nil
}
