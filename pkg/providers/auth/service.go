package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
	"github.com/tphan267/socksgate/pkg/utils"
)

// DefaultTokenTTL is how long a login token stays valid
const DefaultTokenTTL = 24 * time.Hour

type session struct {
	username string
	expires  time.Time
}

// Service implements authentication backed by the accounts table
type Service struct {
	accounts *repositories.AccountRepository
	logger   *logger.Logger

	tokens map[string]session // token -> session
	ttl    time.Duration
	now    func() time.Time
	mu     sync.RWMutex
}

// NewService creates a new auth service
func NewService() *Service {
	return &Service{
		tokens: make(map[string]session),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "auth"
}

// Initialize binds the accounts repository and bootstraps the admin account on an empty store
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.accounts = registry.DB().Accounts()
	s.logger = registry.Logger().Named("auth")

	count, err := s.accounts.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	cfg := registry.Config()
	password := cfg.AdminPassword
	generated := password == ""
	if generated {
		if password, err = utils.GenerateRandomString(16); err != nil {
			return err
		}
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	admin := &models.Account{Username: cfg.AdminUsername, PasswordHash: hash, Role: models.RoleAdmin}
	if err := s.accounts.Create(admin); err != nil {
		return err
	}

	if generated {
		s.logger.Warn("Created admin account %q with generated password: %s", admin.Username, password)
	} else {
		s.logger.Info("Created admin account %q", admin.Username)
	}
	return nil
}

// IsRunnable returns false as auth service doesn't need background processing
func (s *Service) IsRunnable() bool {
	return false
}

// Start is not used for auth service
func (s *Service) Start(ctx context.Context) error {
	return nil
}

// Stop gracefully shuts down the service
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear tokens on shutdown
	s.tokens = make(map[string]session)
	return nil
}

// RegisterAPIRoutes registers auth-related routes
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	// Auth routes are served by the apiserver through core
	return nil
}

// SetTokenTTL overrides the token lifetime
func (s *Service) SetTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Authenticate validates credentials and returns a token
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, error) {
	account, err := s.accounts.FindByUsername(strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", providers.ErrInvalidCredentials
		}
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return "", providers.ErrInvalidCredentials
	}

	token, err := utils.GenerateToken(32)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pruneLocked()
	s.tokens[token] = session{username: account.Username, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return token, nil
}

// ValidateToken checks if a token is valid and returns the username
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	sess, exists := s.tokens[token]
	s.mu.RUnlock()

	if !exists {
		return "", providers.ErrInvalidToken
	}
	if !s.now().Before(sess.expires) {
		s.Revoke(ctx, token)
		return "", providers.ErrInvalidToken
	}
	return sess.username, nil
}

// Revoke drops a token; unknown tokens are ignored
func (s *Service) Revoke(ctx context.Context, token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Register creates an account with the user role
func (s *Service) Register(ctx context.Context, username, password string, email *string) (*models.Account, error) {
	username = strings.TrimSpace(username)
	if _, err := s.accounts.FindByUsername(username); err == nil {
		return nil, providers.ErrUsernameExists
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	email = normalizeEmail(email)
	if email != nil {
		if _, err := s.accounts.FindByEmail(*email); err == nil {
			return nil, providers.ErrEmailExists
		} else if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	account := &models.Account{Username: username, PasswordHash: hash, Email: email, Role: models.RoleUser}
	if err := s.accounts.Create(account); err != nil {
		return nil, err
	}
	s.logger.Info("Registered user %q", username)
	return account, nil
}

// GetAccount looks an account up by username
func (s *Service) GetAccount(ctx context.Context, username string) (*models.Account, error) {
	account, err := s.accounts.FindByUsername(username)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, providers.ErrUserNotFound
	}
	return account, err
}

// ChangePassword replaces the password after verifying the current one.
// Every session of the user is revoked.
func (s *Service) ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	account, err := s.GetAccount(ctx, username)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(currentPassword)) != nil {
		return providers.ErrInvalidPassword
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePassword(account.ID, hash); err != nil {
		return err
	}

	s.mu.Lock()
	for token, sess := range s.tokens {
		if sess.username == username {
			delete(s.tokens, token)
		}
	}
	s.mu.Unlock()
	return nil
}

// UpdateEmail replaces the account email; nil or blank clears it
func (s *Service) UpdateEmail(ctx context.Context, username string, email *string) (*models.Account, error) {
	account, err := s.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}

	email = normalizeEmail(email)
	if email != nil {
		other, err := s.accounts.FindByEmail(*email)
		if err == nil && other.ID != account.ID {
			return nil, providers.ErrEmailExists
		}
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}

	if err := s.accounts.UpdateEmail(account.ID, email); err != nil {
		return nil, err
	}
	account.Email = email
	return account, nil
}

// caller holds s.mu
func (s *Service) pruneLocked() {
	now := s.now()
	for token, sess := range s.tokens {
		if !now.Before(sess.expires) {
			delete(s.tokens, token)
		}
	}
}

func normalizeEmail(email *string) *string {
	if email == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*email)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify that Service implements both Service and AuthProvider interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.AuthProvider = (*Service)(nil)
