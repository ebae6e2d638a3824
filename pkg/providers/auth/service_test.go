package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tphan267/socksgate/pkg/config"
	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
)

func setupTestAuth(t *testing.T, adminPassword string) (*Service, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Defaults()
	cfg.AdminPassword = adminPassword

	s := NewService()
	registry := providers.NewRegistry(store, logger.Discard(), cfg)
	if err := s.Initialize(context.Background(), registry); err != nil {
		t.Fatalf("Failed to initialize auth: %v", err)
	}
	return s, store
}

func TestInitialize_BootstrapsAdmin(t *testing.T) {
	s, store := setupTestAuth(t, "s3cret")
	ctx := context.Background()

	admin, err := store.Accounts().FindByUsername("admin")
	if err != nil {
		t.Fatalf("Expected admin account: %v", err)
	}
	if admin.Role != models.RoleAdmin {
		t.Errorf("Expected admin role, got %s", admin.Role)
	}
	if admin.PasswordHash == "s3cret" {
		t.Error("Password stored in clear text")
	}

	if _, err := s.Authenticate(ctx, "admin", "s3cret"); err != nil {
		t.Errorf("Expected admin login, got %v", err)
	}

	// A second initialize on a populated store must not add accounts
	registry := providers.NewRegistry(store, logger.Discard(), config.Defaults())
	if err := NewService().Initialize(ctx, registry); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Accounts().Count(); n != 1 {
		t.Errorf("Expected 1 account, got %d", n)
	}
}

func TestAuthenticate_TokenLifecycle(t *testing.T) {
	s, _ := setupTestAuth(t, "s3cret")
	ctx := context.Background()

	if _, err := s.Authenticate(ctx, "admin", "wrong"); !errors.Is(err, providers.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.Authenticate(ctx, "nobody", "s3cret"); !errors.Is(err, providers.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	token, err := s.Authenticate(ctx, "admin", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	username, err := s.ValidateToken(ctx, token)
	if err != nil || username != "admin" {
		t.Errorf("ValidateToken = %q, %v", username, err)
	}

	s.Revoke(ctx, token)
	if _, err := s.ValidateToken(ctx, token); !errors.Is(err, providers.ErrInvalidToken) {
		t.Errorf("Expected revoked token to be invalid, got %v", err)
	}
}

func TestValidateToken_Expires(t *testing.T) {
	s, _ := setupTestAuth(t, "s3cret")
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	token, err := s.Authenticate(ctx, "admin", "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(DefaultTokenTTL - time.Second)
	if _, err := s.ValidateToken(ctx, token); err != nil {
		t.Errorf("Expected token valid before expiry, got %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := s.ValidateToken(ctx, token); !errors.Is(err, providers.ErrInvalidToken) {
		t.Errorf("Expected expired token, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	s, _ := setupTestAuth(t, "s3cret")
	ctx := context.Background()

	email := "alice@example.com"
	account, err := s.Register(ctx, "alice", "pw-alice", &email)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if account.Role != models.RoleUser || account.Email == nil || *account.Email != email {
		t.Errorf("Unexpected account %+v", account)
	}

	if _, err := s.Register(ctx, "alice", "other", nil); !errors.Is(err, providers.ErrUsernameExists) {
		t.Errorf("Expected ErrUsernameExists, got %v", err)
	}
	if _, err := s.Register(ctx, "bob", "other", &email); !errors.Is(err, providers.ErrEmailExists) {
		t.Errorf("Expected ErrEmailExists, got %v", err)
	}

	// Blank emails are stored as absent, so two of them never collide
	blank := "  "
	if _, err := s.Register(ctx, "carol", "pw", &blank); err != nil {
		t.Errorf("Register carol failed: %v", err)
	}
	if _, err := s.Register(ctx, "dave", "pw", &blank); err != nil {
		t.Errorf("Register dave failed: %v", err)
	}

	if _, err := s.Authenticate(ctx, "alice", "pw-alice"); err != nil {
		t.Errorf("Expected registered user to log in, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	s, _ := setupTestAuth(t, "s3cret")
	ctx := context.Background()

	token, err := s.Authenticate(ctx, "admin", "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ChangePassword(ctx, "admin", "wrong", "new-pass"); !errors.Is(err, providers.ErrInvalidPassword) {
		t.Errorf("Expected ErrInvalidPassword, got %v", err)
	}
	if err := s.ChangePassword(ctx, "ghost", "x", "y"); !errors.Is(err, providers.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
	if err := s.ChangePassword(ctx, "admin", "s3cret", "new-pass"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	if _, err := s.ValidateToken(ctx, token); err == nil {
		t.Error("Expected existing sessions to be revoked")
	}
	if _, err := s.Authenticate(ctx, "admin", "s3cret"); err == nil {
		t.Error("Expected old password to be rejected")
	}
	if _, err := s.Authenticate(ctx, "admin", "new-pass"); err != nil {
		t.Errorf("Expected new password to work, got %v", err)
	}
}

func TestUpdateEmail(t *testing.T) {
	s, _ := setupTestAuth(t, "s3cret")
	ctx := context.Background()

	taken := "taken@example.com"
	if _, err := s.Register(ctx, "erin", "pw", &taken); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateEmail(ctx, "admin", &taken); !errors.Is(err, providers.ErrEmailExists) {
		t.Errorf("Expected ErrEmailExists, got %v", err)
	}

	mine := "admin@example.com"
	account, err := s.UpdateEmail(ctx, "admin", &mine)
	if err != nil || account.Email == nil || *account.Email != mine {
		t.Fatalf("UpdateEmail = %+v, %v", account, err)
	}
	// Re-saving the own address is not a conflict
	if _, err := s.UpdateEmail(ctx, "admin", &mine); err != nil {
		t.Errorf("Expected own email to be accepted, got %v", err)
	}

	account, err = s.UpdateEmail(ctx, "admin", nil)
	if err != nil || account.Email != nil {
		t.Errorf("Expected email cleared, got %+v, %v", account, err)
	}
}
