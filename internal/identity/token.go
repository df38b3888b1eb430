package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"shelfsync/internal/apperr"
)

const issuerName = "shelfsync"

var ErrInvalidToken = errors.New("invalid token")

// Claims is the token body issued at login.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation()),
	}
}

// WithClock overrides the time source used both to stamp and to check expiry.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue returns a signed token for c and its expiry.
func (i *Issuer) Issue(c Caller) (string, time.Time, error) {
	issuedAt := i.now()
	expiresAt := issuedAt.Add(i.ttl)
	claims := Claims{
		Role: string(c.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   c.MemberID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses token and returns the caller it was issued for.
func (i *Issuer) Verify(token string) (Caller, error) {
	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return Caller{}, apperr.Wrap(apperr.KindAuthorization, fmt.Errorf("%w: %v", ErrInvalidToken, err), "invalid or expired token")
	}
	// Claims are checked here against the issuer's clock, not jwt's package clock.
	now := i.now()
	if !claims.VerifyExpiresAt(now, true) || !claims.VerifyNotBefore(now, false) {
		return Caller{}, apperr.Wrap(apperr.KindAuthorization, fmt.Errorf("%w: token is expired", ErrInvalidToken), "invalid or expired token")
	}
	if claims.Issuer != issuerName {
		return Caller{}, apperr.Wrap(apperr.KindAuthorization, ErrInvalidToken, "token issuer mismatch")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Caller{}, apperr.Wrap(apperr.KindAuthorization, ErrInvalidToken, "token subject is not a member id")
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Caller{}, apperr.Wrap(apperr.KindAuthorization, ErrInvalidToken, "token carries an unknown role")
	}
	return Caller{MemberID: id, Role: role}, nil
}
