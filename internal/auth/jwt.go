// Package auth validates bearer tokens presented on the tracking channel and
// maps them to an Identity.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"bustrack/internal/model"
)

// msRoleClaim is the role claim name emitted by ASP.NET-style issuers.
const msRoleClaim = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"

var ErrInvalidSubject = errors.New("token subject is not a user id")

type Claims struct {
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	MSRole string `json:"http://schemas.microsoft.com/ws/2008/06/identity/claims/role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) role() string {
	if c.Role != "" {
		return c.Role
	}
	return c.MSRole
}

type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Expiry   time.Duration
}

// JWTService signs and validates HS256 tokens.
type JWTService struct {
	secret   []byte
	issuer   string
	audience string
	expiry   time.Duration
	now      func() time.Time
}

func NewJWTService(cfg Config) *JWTService {
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTService{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		expiry:   expiry,
		now:      time.Now,
	}
}

// GenerateToken issues a token for userID with the given role. Used by the
// simulator and tests; account login lives elsewhere.
func (s *JWTService) GenerateToken(userID int, email string, role model.Role) (string, error) {
	now := s.now()
	claims := &Claims{
		Email: email,
		Role:  role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(userID),
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken checks signature, expiry and, when configured, issuer and audience.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	return claims, nil
}

// Identify validates the token and returns the caller's identity.
func (s *JWTService) Identify(tokenString string) (model.Identity, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return model.Anonymous, err
	}
	id, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return model.Anonymous, ErrInvalidSubject
	}
	return model.Identity{UserID: id, Role: model.ParseRole(claims.role())}, nil
}

// Resolve is Identify without the error: a missing or bad token is anonymous.
func (s *JWTService) Resolve(tokenString string) model.Identity {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return model.Anonymous
	}
	id, err := s.Identify(tokenString)
	if err != nil {
		return model.Anonymous
	}
	return id
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
