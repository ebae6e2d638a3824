package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage/models"
)

const registerEnabledKey = "register_enabled"

var (
	// ErrRegisterDisabled is returned when self registration is switched off
	ErrRegisterDisabled = errors.New("registration is disabled")

	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// ValidationError lists every problem found in a request
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Details, "; ")
}

// MainApp is the main application implementation
type MainApp struct {
	providers *providers.Registry
}

// NewMainApp creates a new main application instance
func NewMainApp(p *providers.Registry) *MainApp {
	return &MainApp{
		providers: p,
	}
}

// RegisterRequest represents a registration request
type RegisterRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Email    *string `json:"email"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChangePasswordRequest represents a password change
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// UpdateProfileRequest represents a profile update
type UpdateProfileRequest struct {
	Email *string `json:"email"`
}

// UserInfo is the public view of an account
type UserInfo struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     *string   `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token       string                 `json:"token"`
	User        *UserInfo              `json:"user"`
	Permissions []providers.Permission `json:"permissions"`
}

func newUserInfo(a *models.Account) *UserInfo {
	return &UserInfo{ID: a.ID, Username: a.Username, Email: a.Email, Role: a.Role, CreatedAt: a.CreatedAt}
}

// Register creates an account when self registration is enabled
func (a *MainApp) Register(ctx context.Context, req RegisterRequest) (*UserInfo, error) {
	if sc, err := a.providers.GetSystemConfig(); err == nil && !sc.GetBool(registerEnabledKey, true) {
		return nil, ErrRegisterDisabled
	}

	var details []string
	switch {
	case req.Username == "":
		details = append(details, "username is required")
	case len(req.Username) < 3 || len(req.Username) > 20:
		details = append(details, "username must be 3-20 characters")
	case !usernamePattern.MatchString(req.Username):
		details = append(details, "username may only contain letters, digits and underscores")
	}
	details = append(details, checkPassword("password", req.Password)...)
	if req.Email != nil && *req.Email != "" && !emailPattern.MatchString(*req.Email) {
		details = append(details, "email is not a valid address")
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	auth, err := a.providers.GetAuth()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth provider: %w", err)
	}

	account, err := auth.Register(ctx, req.Username, req.Password, req.Email)
	if err != nil {
		return nil, err
	}
	return newUserInfo(account), nil
}

// Login authenticates a user and returns their token and permissions
func (a *MainApp) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	if req.Username == "" || req.Password == "" {
		return nil, &ValidationError{Details: []string{"username and password are required"}}
	}

	auth, err := a.providers.GetAuth()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth provider: %w", err)
	}

	token, err := auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	account, err := auth.GetAccount(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	var permissions []providers.Permission
	if acl, err := a.providers.GetACL(); err == nil {
		permissions, err = acl.ListPermissions(ctx, account.Username)
		if err != nil {
			return nil, fmt.Errorf("failed to get permissions: %w", err)
		}
	}

	return &LoginResponse{
		Token:       token,
		User:        newUserInfo(account),
		Permissions: permissions,
	}, nil
}

// Logout revokes a token
func (a *MainApp) Logout(ctx context.Context, token string) error {
	auth, err := a.providers.GetAuth()
	if err != nil {
		return fmt.Errorf("failed to get auth provider: %w", err)
	}
	auth.Revoke(ctx, token)
	return nil
}

// Me returns the account behind a token
func (a *MainApp) Me(ctx context.Context, token string) (*UserInfo, error) {
	auth, username, err := a.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	account, err := auth.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}
	return newUserInfo(account), nil
}

// ChangePassword replaces the password of the token's account
func (a *MainApp) ChangePassword(ctx context.Context, token string, req ChangePasswordRequest) error {
	var details []string
	if req.OldPassword == "" {
		details = append(details, "oldPassword is required")
	}
	details = append(details, checkPassword("newPassword", req.NewPassword)...)
	if len(details) > 0 {
		return &ValidationError{Details: details}
	}

	auth, username, err := a.resolve(ctx, token)
	if err != nil {
		return err
	}
	return auth.ChangePassword(ctx, username, req.OldPassword, req.NewPassword)
}

// UpdateProfile replaces the profile fields of the token's account
func (a *MainApp) UpdateProfile(ctx context.Context, token string, req UpdateProfileRequest) (*UserInfo, error) {
	if req.Email != nil && *req.Email != "" && !emailPattern.MatchString(*req.Email) {
		return nil, &ValidationError{Details: []string{"email is not a valid address"}}
	}

	auth, username, err := a.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	account, err := auth.UpdateEmail(ctx, username, req.Email)
	if err != nil {
		return nil, err
	}
	return newUserInfo(account), nil
}

// CheckAccess verifies if a user has access to a resource
func (a *MainApp) CheckAccess(ctx context.Context, token, resource, action string) (bool, error) {
	_, username, err := a.resolve(ctx, token)
	if err != nil {
		return false, err
	}

	acl, err := a.providers.GetACL()
	if err != nil {
		return false, fmt.Errorf("failed to get ACL provider: %w", err)
	}

	hasAccess, err := acl.CheckPermission(ctx, username, resource, action)
	if err != nil {
		return false, fmt.Errorf("failed to check permission: %w", err)
	}
	return hasAccess, nil
}

// Permissions lists what the token's account may do
func (a *MainApp) Permissions(ctx context.Context, token string) ([]providers.Permission, error) {
	_, username, err := a.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	acl, err := a.providers.GetACL()
	if err != nil {
		return nil, fmt.Errorf("failed to get ACL provider: %w", err)
	}
	return acl.ListPermissions(ctx, username)
}

// resolve validates the token and returns the auth provider with the username
func (a *MainApp) resolve(ctx context.Context, token string) (providers.AuthProvider, string, error) {
	auth, err := a.providers.GetAuth()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get auth provider: %w", err)
	}

	username, err := auth.ValidateToken(ctx, token)
	if err != nil {
		return nil, "", err
	}
	return auth, username, nil
}

func checkPassword(field, password string) []string {
	switch {
	case password == "":
		return []string{field + " is required"}
	case len(password) < 6 || len(password) > 50:
		return []string{field + " must be 6-50 characters"}
	}
	return nil
}

// Verify that MainApp implements App interface
var _ App = (*MainApp)(nil)
