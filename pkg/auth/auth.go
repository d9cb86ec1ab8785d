package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const DefaultIssuer = "car-trading"

// Authenticator issues and verifies HS256 bearer tokens for trade routes.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns nil when secret is empty, which disables authentication.
func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return nil
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// IssueToken signs a token for subject that expires after ttl.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(a.issuer).
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), a.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// ValidateToken verifies tokenString and returns its subject.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256(), a.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(a.issuer),
	)
	if err != nil {
		return "", fmt.Errorf("token parsing/verification failed: %w", err)
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return "", fmt.Errorf("subject claim not found in token")
	}
	return subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("authorization header must use the Bearer scheme")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("bearer token is empty")
	}
	return token, nil
}
