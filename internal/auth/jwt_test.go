package auth

import (
	"testing"

	"github.com/google/uuid"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	id := uuid.New()
	token, err := svc.Generate(id, "admin@example.com", "admin")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != id || claims.Email != "admin@example.com" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestJWTRejectsTampered(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	token, err := svc.Generate(uuid.New(), "admin@example.com", "admin")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := svc.Validate(token + "x"); err == nil {
		t.Error("tampered token validated")
	}
	other := NewJWTService("different-secret", 1)
	if _, err := other.Validate(token); err == nil {
		t.Error("token validated under wrong secret")
	}
}
