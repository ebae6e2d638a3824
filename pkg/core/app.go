package core

import (
	"context"

	"github.com/tphan267/socksgate/pkg/providers"
)

// App defines the account and access business logic served by the API server
type App interface {
	// Register creates an account when self registration is enabled
	Register(ctx context.Context, req RegisterRequest) (*UserInfo, error)

	// Login authenticates a user and returns their token and permissions
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)

	// Logout revokes a token
	Logout(ctx context.Context, token string) error

	// Me returns the account behind a token
	Me(ctx context.Context, token string) (*UserInfo, error)

	// ChangePassword replaces the password of the token's account
	ChangePassword(ctx context.Context, token string, req ChangePasswordRequest) error

	// UpdateProfile replaces the profile fields of the token's account
	UpdateProfile(ctx context.Context, token string, req UpdateProfileRequest) (*UserInfo, error)

	// CheckAccess verifies if a user has access to a resource
	CheckAccess(ctx context.Context, token, resource, action string) (bool, error)

	// Permissions lists what the token's account may do
	Permissions(ctx context.Context, token string) ([]providers.Permission, error)
}
