// Package provider implements mail provider adapters.
package provider

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"mailgate_server/pkg/apperr"
	"mailgate_server/pkg/crypto"
)

// =============================================================================
// JWT-Bearer Assertion Builder
// =============================================================================

// worksDomainClaimKey carries the groupware tenant domain inside the
// assertion. The auth server rejects assertions without it.
const worksDomainClaimKey = "https://auth.worksmobile.com/claims/domain_id"

// assertionLifetime is the exact validity window the auth server grants.
// A fresh assertion is built per exchange attempt, never reused.
const assertionLifetime = 3600 * time.Second

// AssertionInput holds everything needed to self-sign a service-account
// assertion.
type AssertionInput struct {
	Issuer        string
	Subject       string
	Audience      string
	DomainID      string
	PrivateKeyPEM string
}

type assertionHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type assertionClaims struct {
	Iss      string `json:"iss"`
	Sub      string `json:"sub"`
	Aud      string `json:"aud"`
	Iat      int64  `json:"iat"`
	Exp      int64  `json:"exp"`
	DomainID string `json:"https://auth.worksmobile.com/claims/domain_id"`
}

// BuildAssertion composes and signs a RS256 JWT assertion valid for exactly
// one hour from now.
func BuildAssertion(in *AssertionInput, now time.Time) (string, error) {
	key, err := crypto.ParsePrivateKeyPEM(in.PrivateKeyPEM)
	if err != nil {
		return "", apperr.MalformedKey(err)
	}

	headerJSON, err := json.Marshal(assertionHeader{Alg: "RS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("failed to encode assertion header: %w", err)
	}

	iat := now.Unix()
	claimsJSON, err := json.Marshal(assertionClaims{
		Iss:      in.Issuer,
		Sub:      in.Subject,
		Aud:      in.Audience,
		Iat:      iat,
		Exp:      iat + int64(assertionLifetime.Seconds()),
		DomainID: in.DomainID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode assertion claims: %w", err)
	}

	signingInput := crypto.Base64URLEncode(headerJSON) + "." + crypto.Base64URLEncode(claimsJSON)

	sig, err := crypto.SignRS256(key, []byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}

	return signingInput + "." + crypto.Base64URLEncode(sig), nil
}
