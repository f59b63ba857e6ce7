package jwtutil

import (
	jwt "github.com/golang-jwt/jwt/v5"
)

// Claims mirror what agents put in their channel bearer token.
type Claims struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	jwt.RegisteredClaims
}

type Verifier struct {
	Secret []byte
	Issuer string
}

func (v *Verifier) Parse(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) { return v.Secret, nil }, opts...)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
