// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package access provides client-side helpers for platform access tokens.
package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrTokenExpired is returned by Inspect for tokens past their expiry.
var ErrTokenExpired = errors.New("access token is expired")

// TokenInfo carries the claims of a platform access token this client cares about.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// Inspect decodes the claims of a bearer token without verifying its signature.
// Verification is the platform's job; the client only wants to fail early and
// with a clear error when it is about to open a long-lived stream with a token
// that can no longer work.
func Inspect(token string) (TokenInfo, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(token, &claims)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("cannot decode access token: %w", err)
	}
	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
		if time.Now().After(info.ExpiresAt) {
			return info, ErrTokenExpired
		}
	}
	return info, nil
}
