package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"droptracker/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestAuthService(t *testing.T) *AuthService {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&models.Client{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewAuthService(db, "test-secret", time.Hour)
}

func TestRegisterClient(t *testing.T) {
	s := newTestAuthService(t)
	ctx := context.Background()

	reg, err := s.RegisterClient(ctx, "RuneLite plugin", "dev@example.com")
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if !strings.HasPrefix(reg.APIKey, reg.Client.ClientID+".") {
		t.Errorf("api key %q should start with the client id", reg.APIKey)
	}
	if strings.Contains(reg.Client.APIKeyHash, reg.APIKey) {
		t.Error("stored hash must not contain the key")
	}

	client, err := s.ValidateAPIKey(ctx, reg.APIKey)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if client.Email != "dev@example.com" {
		t.Errorf("client = %+v", client)
	}

	claims, err := s.ValidateToken(reg.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.ClientID != reg.Client.ClientID {
		t.Errorf("claims.ClientID = %q", claims.ClientID)
	}

	if _, err := s.RegisterClient(ctx, "again", "dev@example.com"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate email: got %v, want ErrEmailTaken", err)
	}
}

func TestValidateAPIKey_Rejects(t *testing.T) {
	s := newTestAuthService(t)
	ctx := context.Background()

	reg, err := s.RegisterClient(ctx, "plugin", "a@example.com")
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	for _, key := range []string{
		"",
		"no-separator",
		reg.Client.ClientID + ".",
		reg.Client.ClientID + ".wrong-secret",
		"unknown-client." + strings.SplitN(reg.APIKey, ".", 2)[1],
	} {
		if _, err := s.ValidateAPIKey(ctx, key); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("ValidateAPIKey(%q) = %v, want ErrInvalidAPIKey", key, err)
		}
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	s := newTestAuthService(t)

	other := NewAuthService(nil, "another-secret", time.Hour)
	foreign, err := other.GenerateToken("client-1")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	expired := NewAuthService(nil, "test-secret", time.Hour)
	expired.ttl = -time.Minute
	stale, err := expired.GenerateToken("client-1")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{ClientID: "client-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	for name, token := range map[string]string{
		"garbage":      "not.a.jwt",
		"wrong secret": foreign,
		"expired":      stale,
		"alg none":     none,
	} {
		if _, err := s.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: got %v, want ErrInvalidToken", name, err)
		}
	}
}
