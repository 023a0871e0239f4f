package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/model"
)

func TestGenerateAndIdentify(t *testing.T) {
	svc := NewJWTService(Config{Secret: "s3cret", Issuer: "bustrack", Audience: "mobile"})
	tok, err := svc.GenerateToken(42, "d@example.com", model.RoleDriver)
	require.NoError(t, err)

	id, err := svc.Identify(tok)
	require.NoError(t, err)
	assert.Equal(t, 42, id.UserID)
	assert.Equal(t, model.RoleDriver, id.Role)
}

func TestValidate_WrongSecret(t *testing.T) {
	issuer := NewJWTService(Config{Secret: "a"})
	verifier := NewJWTService(Config{Secret: "b"})
	tok, err := issuer.GenerateToken(1, "", model.RoleAdmin)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(tok)
	assert.Error(t, err)
	assert.Equal(t, model.Anonymous, verifier.Resolve(tok))
}

func TestValidate_Expired(t *testing.T) {
	svc := NewJWTService(Config{Secret: "s", Expiry: time.Minute})
	tok, err := svc.GenerateToken(1, "", model.RoleDriver)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidate_AudienceMismatch(t *testing.T) {
	issuer := NewJWTService(Config{Secret: "s", Audience: "web"})
	verifier := NewJWTService(Config{Secret: "s", Audience: "mobile"})
	tok, err := issuer.GenerateToken(1, "", model.RoleDriver)
	require.NoError(t, err)
	_, err = verifier.ValidateToken(tok)
	assert.Error(t, err)
}

func TestIdentify_MicrosoftRoleClaim(t *testing.T) {
	svc := NewJWTService(Config{Secret: "s"})
	claims := jwt.MapClaims{
		"sub":       "7",
		msRoleClaim: "Driver",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
	require.NoError(t, err)

	id, err := svc.Identify(tok)
	require.NoError(t, err)
	assert.Equal(t, model.Identity{UserID: 7, Role: model.RoleDriver}, id)
}

func TestIdentify_NonNumericSubject(t *testing.T) {
	svc := NewJWTService(Config{Secret: "s"})
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "abc",
		"role": "Driver",
	}).SignedString([]byte("s"))
	require.NoError(t, err)

	_, err = svc.Identify(tok)
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestResolve_EmptyIsAnonymous(t *testing.T) {
	svc := NewJWTService(Config{Secret: "s"})
	assert.Equal(t, model.Anonymous, svc.Resolve(""))
	assert.Equal(t, model.Anonymous, svc.Resolve("not-a-jwt"))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
