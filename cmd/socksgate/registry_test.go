package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tphan267/socksgate/apis"
	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/config"
	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/storage"
)

func TestServiceRegistryIntegration(t *testing.T) {
	// Setup test database
	store, err := storage.NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer store.Close()

	cfg := config.Defaults()
	cfg.SSHKeysDir = t.TempDir()
	cfg.AdminPassword = "admin-pass"

	registry := createServiceRegistry(store, logger.Discard(), cfg)

	ctx := context.Background()
	if err := registry.InitializeAll(ctx); err != nil {
		t.Fatalf("Failed to initialize services: %v", err)
	}

	// Every collaborator resolves through its typed getter
	if _, err := registry.GetAuth(); err != nil {
		t.Errorf("Failed to get auth provider: %v", err)
	}
	if _, err := registry.GetACL(); err != nil {
		t.Errorf("Failed to get ACL provider: %v", err)
	}
	if _, err := registry.GetEvents(); err != nil {
		t.Errorf("Failed to get events provider: %v", err)
	}
	if _, err := registry.GetPortAllocator(); err != nil {
		t.Errorf("Failed to get port allocator: %v", err)
	}
	if _, err := registry.GetCredentials(); err != nil {
		t.Errorf("Failed to get credential service: %v", err)
	}
	if _, err := registry.GetProcessManager(); err != nil {
		t.Errorf("Failed to get process manager: %v", err)
	}
	if _, err := registry.GetConflictChecker(); err != nil {
		t.Errorf("Failed to get conflict checker: %v", err)
	}
	if _, err := registry.GetPAC(); err != nil {
		t.Errorf("Failed to get PAC generator: %v", err)
	}
	if _, err := registry.GetSystemConfig(); err != nil {
		t.Errorf("Failed to get system config provider: %v", err)
	}
	for _, name := range []string{"tunnels", "groups", "monitor"} {
		if _, err := registry.Get(name); err != nil {
			t.Errorf("Expected %s to be registered: %v", name, err)
		}
	}

	// Test authentication flow
	authProvider, _ := registry.GetAuth()
	token, err := authProvider.Authenticate(ctx, "admin", "admin-pass")
	if err != nil {
		t.Fatalf("Authentication failed: %v", err)
	}
	username, err := authProvider.ValidateToken(ctx, token)
	if err != nil {
		t.Errorf("Token validation failed: %v", err)
	}
	if username != "admin" {
		t.Errorf("Expected username 'admin', got %s", username)
	}

	// Test ACL
	aclProvider, _ := registry.GetACL()
	hasAccess, err := aclProvider.CheckPermission(ctx, "admin", "proxy-services", "write")
	if err != nil {
		t.Errorf("Permission check failed: %v", err)
	}
	if !hasAccess {
		t.Error("Expected admin to manage proxy services")
	}

	// Routes from every provider mount on one app
	srv := apis.New(registry, apis.Options{DisableAccessLog: true})
	if err := registry.RegisterAllRoutes(srv.App()); err != nil {
		t.Fatalf("Failed to register routes: %v", err)
	}

	tests := []struct {
		name       string
		method     string
		url        string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"list requires a token", "GET", "/api/v1/proxy-services", "", nil, 401, ""},
		{"empty service list", "GET", "/api/v1/proxy-services", token, nil, 200, ""},
		{"empty host config list", "GET", "/api/v1/host-configs", token, nil, 200, ""},
		{"unknown service", "GET", "/api/v1/proxy-services/99", token, nil, 404, api.CodeServiceNotFound},
		{"group for unknown service", "POST", "/api/v1/host-configs", token,
			map[string]any{"name": "g", "proxyServiceId": 99, "hosts": []string{"example.com"}}, 404, api.CodeProxyServiceNotFound},
		{"event journal", "GET", "/api/v1/events", token, nil, 200, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := call(t, srv, tt.method, tt.url, tt.token, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d (%+v)", tt.wantStatus, status, resp.Error)
			}
			if tt.wantCode != "" && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Errorf("Expected code %s, got %+v", tt.wantCode, resp.Error)
			}
		})
	}

	// With nothing running the script routes everything direct
	req := httptest.NewRequest("GET", "/proxy.pac", nil)
	req.Host = "gateway.local:3000"
	res, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	script, _ := io.ReadAll(res.Body)
	if res.StatusCode != 200 || !strings.Contains(string(script), `"DIRECT"`) {
		t.Errorf("Expected a direct-only script, got %d: %s", res.StatusCode, script)
	}

	// Test shutdown
	if err := registry.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func call(t *testing.T, srv *apis.ApiServer, method, url, token string, body any) (int, api.ApiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	raw, _ := io.ReadAll(res.Body)
	var resp api.ApiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Failed to decode %s %s: %v (%s)", method, url, err, raw)
	}
	return res.StatusCode, resp
}
