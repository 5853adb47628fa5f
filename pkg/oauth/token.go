package oauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/authmux/authmux/pkg/logger"
)

// TokenResult contains the outcome of a successful flow.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Claims       jwt.MapClaims
	IDToken      string // The OIDC ID token (JWT), if present
}

// Account derives a stable account identifier from the token claims.
// Preference order: preferred_username, email, sub. Returns empty if no
// claims were extractable (opaque tokens).
func (r *TokenResult) Account() string {
	for _, key := range []string{"preferred_username", "email", "sub"} {
		if v, ok := r.Claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// newTokenResult extracts claims from a token. Claims are preferred from
// the ID token if present (OIDC), falling back to the access token
// (e.g. Keycloak-style JWTs). Opaque access tokens yield no claims.
func newTokenResult(token *oauth2.Token) *TokenResult {
	result := &TokenResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}

	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		result.IDToken = idToken
		if claims, err := extractJWTClaims(idToken); err == nil {
			result.Claims = claims
		} else {
			logger.Debugf("Could not extract JWT claims from ID token: %v", err)
		}
	} else {
		if claims, err := extractJWTClaims(token.AccessToken); err == nil {
			result.Claims = claims
		} else {
			logger.Debugf("Could not extract JWT claims from access token (may be opaque token): %v", err)
		}
	}

	return result
}

// extractJWTClaims attempts to extract claims from a JWT token without validation
func extractJWTClaims(tokenString string) (jwt.MapClaims, error) {
	// Parse without verification to extract claims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("failed to extract claims")
	}

	return claims, nil
}
