package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSubject = "5b0c3c9e-8d1f-4a57-9f43-2f0a7f1f1e11"

// signToken はテスト用のHS256トークンを生成する。
func signToken(t *testing.T, secret, subject string, exp time.Time, meta map[string]any) string {
	t.Helper()
	claims := Claims{
		Email:        "renter@gmail.com",
		Role:         "authenticated",
		UserMetadata: meta,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestClaimsParser_VerifiesSignature(t *testing.T) {
	token := signToken(t, "secret-1", testSubject, time.Now().Add(time.Hour), map[string]any{"full_name": "A Renter"})

	claims, err := NewClaimsParser("secret-1").Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != testSubject {
		t.Errorf("Subject = %q, want %q", claims.Subject, testSubject)
	}
	if claims.UserMetadata["full_name"] != "A Renter" {
		t.Errorf("UserMetadata = %v", claims.UserMetadata)
	}
}

func TestClaimsParser_WrongSecret(t *testing.T) {
	token := signToken(t, "secret-1", testSubject, time.Now().Add(time.Hour), nil)

	_, err := NewClaimsParser("secret-2").Parse(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestClaimsParser_Expired(t *testing.T) {
	token := signToken(t, "secret-1", testSubject, time.Now().Add(-time.Minute), nil)

	if _, err := NewClaimsParser("secret-1").Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

// TestClaimsParser_Unverified はシークレット未設定時に署名を検証しないことを検証する。
func TestClaimsParser_Unverified(t *testing.T) {
	token := signToken(t, "whatever", testSubject, time.Now().Add(time.Hour), nil)

	claims, err := NewClaimsParser("").Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Email != "renter@gmail.com" {
		t.Errorf("Email = %q", claims.Email)
	}
}

func TestClaimsParser_SubjectMustBeUUID(t *testing.T) {
	token := signToken(t, "secret-1", "not-a-uuid", time.Now().Add(time.Hour), nil)

	if _, err := NewClaimsParser("secret-1").Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestClaimsParser_Garbage(t *testing.T) {
	if _, err := NewClaimsParser("").Parse("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}
