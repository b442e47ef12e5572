package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errNoToken   = errors.New("missing token")
	errNoSubject = errors.New("token has no subject")
)

// identityFromRequest verifies the HS256 token in the request's
// Authorization header, or its token query param for browser websockets,
// and returns the token's subject.
func identityFromRequest(r *http.Request, secret []byte) (string, error) {
	tk := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tk = strings.TrimPrefix(h, "Bearer ")
	}
	if tk == "" {
		return "", errNoToken
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tk, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}
