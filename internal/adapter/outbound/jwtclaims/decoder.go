// Package jwtclaims decodes a bearer token's claims without verifying its
// signature. The edge (ingress/OIDC proxy) has already validated the
// signature before the request reaches this gateway; re-verifying it here
// would require distributing the issuer's signing keys to every component
// for no additional security benefit.
package jwtclaims

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMalformedToken = errors.New("jwtclaims: malformed token")

// Decoder implements internal/port/outbound.ClaimsDecoder.
type Decoder struct{}

func NewDecoder() Decoder { return Decoder{} }

// Decode parses token's payload into a claims map. It uses jwt.Parser with
// signature verification disabled (UnsafeAllowNoneSignatureType isn't
// needed; ParseUnverified reads the payload without checking the
// signature at all) since the edge has already done that check.
func (Decoder) Decode(token string) (map[string]any, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return nil, ErrMalformedToken
	}
	return map[string]any(claims), nil
}
