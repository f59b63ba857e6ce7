package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const Issuer = "booth-agent"

// Claims identify an agent to the cloud.
type Claims struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	jwt.RegisteredClaims
}

// Signer issues and checks the HS256 bearer tokens used on the cloud channel.
type Signer struct {
	Secret []byte
	TTL    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Signer{Secret: []byte(secret), TTL: ttl, now: time.Now}
}

func (s *Signer) Sign(tenantID, agentID string) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	now := s.now()
	claims := Claims{
		TenantID: tenantID,
		AgentID:  agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
