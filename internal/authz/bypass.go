package authz

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	bypassIssuer     = "clinicore"
	defaultBypassTTL = 2 * time.Minute
)

var errInvalidBypassToken = errors.New("authz: invalid bypass token")

// bypassClaims binds a token to a single operation id.
type bypassClaims struct {
	OperationID string `json:"op"`
	jwt.RegisteredClaims
}

// bypassIssuerSvc signs and verifies short-lived system bypass tokens.
// Tokens are single-purpose: a token minted for one operation id does not
// validate for another.
type bypassIssuerSvc struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newBypassIssuer(secret []byte, ttl time.Duration, now func() time.Time) *bypassIssuerSvc {
	if ttl <= 0 {
		ttl = defaultBypassTTL
	}
	return &bypassIssuerSvc{secret: secret, ttl: ttl, now: now}
}

func (b *bypassIssuerSvc) issue(operationID string) (string, error) {
	if operationID == "" {
		return "", errors.New("authz: operation id is required")
	}
	now := b.now().UTC()
	claims := bypassClaims{
		OperationID: operationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    bypassIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(b.secret)
}

func (b *bypassIssuerSvc) validate(token, operationID string) error {
	if token == "" {
		return errInvalidBypassToken
	}
	parsed, err := jwt.ParseWithClaims(token, &bypassClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errInvalidBypassToken
		}
		return b.secret, nil
	}, jwt.WithTimeFunc(b.now))
	if err != nil {
		return errInvalidBypassToken
	}
	claims, ok := parsed.Claims.(*bypassClaims)
	if !ok || !parsed.Valid {
		return errInvalidBypassToken
	}
	if claims.Issuer != bypassIssuer || claims.OperationID != operationID {
		return errInvalidBypassToken
	}
	return nil
}
