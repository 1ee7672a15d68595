package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewIssuer(t *testing.T) {
	if _, err := NewIssuer("", time.Hour); err == nil {
		t.Error("Expected error for empty secret")
	}

	i, err := NewIssuer("secret", 0)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	if i.ttl != DefaultTokenTTL {
		t.Errorf("Expected default ttl, got %s", i.ttl)
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	i, _ := NewIssuer("secret", time.Hour)

	token, expiresAt, err := i.GenerateStreamToken("classroom-42")
	if err != nil {
		t.Fatalf("GenerateStreamToken() error = %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Error("Expected expiry in the future")
	}

	claims, err := i.ValidateStreamToken(token)
	if err != nil {
		t.Fatalf("ValidateStreamToken() error = %v", err)
	}
	if claims.ClientID != "classroom-42" || claims.Role != RoleStream {
		t.Errorf("Unexpected claims %+v", claims)
	}
}

func TestIssuer_Rejections(t *testing.T) {
	i, _ := NewIssuer("secret", time.Hour)
	other, _ := NewIssuer("other-secret", time.Hour)

	foreign, _, _ := other.GenerateStreamToken("x")

	expiredIssuer, _ := NewIssuer("secret", time.Minute)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _, _ := expiredIssuer.GenerateStreamToken("x")

	wrongRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		ClientID: "x",
		Role:     "admin",
	}).SignedString([]byte("secret"))

	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{
		ClientID: "x",
		Role:     RoleStream,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", jwt.ErrTokenMalformed},
		{"wrong secret", foreign, jwt.ErrTokenSignatureInvalid},
		{"expired", expired, jwt.ErrTokenExpired},
		{"wrong role", wrongRole, ErrInvalidRole},
		{"none algorithm", noneAlg, jwt.ErrTokenSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := i.ValidateStreamToken(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateStreamToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIssuer_EmptyClientID(t *testing.T) {
	i, _ := NewIssuer("secret", time.Hour)
	if _, _, err := i.GenerateStreamToken(""); err == nil {
		t.Error("Expected error for empty subject")
	}
}
