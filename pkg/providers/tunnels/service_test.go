package tunnels

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/config"
	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/providers/conflict"
	"github.com/tphan267/socksgate/pkg/providers/credentials"
	"github.com/tphan267/socksgate/pkg/providers/events"
	"github.com/tphan267/socksgate/pkg/providers/portalloc"
	"github.com/tphan267/socksgate/pkg/providers/process"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
	"github.com/tphan267/socksgate/pkg/testutil/sshserver"
)

// fakeProcesses stands in for the process manager; it only flips record state
type fakeProcesses struct {
	store    storage.Storage
	startErr error

	mu      sync.Mutex
	started []int64
	stopped []int64
}

func (f *fakeProcesses) Name() string { return "process" }
func (f *fakeProcesses) Initialize(ctx context.Context, registry *providers.Registry) error {
	f.store = registry.DB()
	return nil
}
func (f *fakeProcesses) IsRunnable() bool                        { return false }
func (f *fakeProcesses) Start(ctx context.Context) error         { return nil }
func (f *fakeProcesses) Stop(ctx context.Context) error          { return nil }
func (f *fakeProcesses) RegisterAPIRoutes(app interface{}) error { return nil }

func (f *fakeProcesses) StartProcess(ctx context.Context, svc *models.TunnelService) (*providers.StartResult, error) {
	return &providers.StartResult{ProcessID: 4242}, nil
}
func (f *fakeProcesses) StopProcess(ctx context.Context, pid int) error { return nil }
func (f *fakeProcesses) IsProcessRunning(pid int) bool                  { return false }

func (f *fakeProcesses) StartService(ctx context.Context, id int64) (*providers.StartResult, error) {
	if _, err := f.store.Tunnels().FindByID(id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.started = append(f.started, id)
	startErr := f.startErr
	f.mu.Unlock()

	if startErr != nil {
		_ = f.store.Tunnels().SetState(id, models.StatusError, models.NoProcess)
		return nil, startErr
	}
	if err := f.store.Tunnels().SetState(id, models.StatusRunning, 4242); err != nil {
		return nil, err
	}
	return &providers.StartResult{ProcessID: 4242, CommandLine: "autossh -N"}, nil
}

func (f *fakeProcesses) StopService(ctx context.Context, id int64) *providers.StopReport {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	err := f.store.Tunnels().SetState(id, models.StatusStopped, models.NoProcess)
	return &providers.StopReport{ServiceID: id, Complete: err == nil, PersistErr: err}
}

type harness struct {
	svc      *Service
	procs    *fakeProcesses
	store    storage.Storage
	keys     *credentials.Service
	registry *providers.Registry
	app      *fiber.App
	base     int
}

func setupTunnels(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := freeRange(t, 3)
	cfg := config.Defaults()
	cfg.PortRangeStart = base
	cfg.PortRangeEnd = base + 2

	h := &harness{
		svc:   NewService(),
		procs: &fakeProcesses{},
		store: store,
		keys:  credentials.NewService(t.TempDir()),
		base:  base,
	}
	h.registry = providers.NewRegistry(store, logger.Discard(), cfg)
	h.registry.MustRegister(events.NewService())
	h.registry.MustRegister(portalloc.NewAllocator())
	h.registry.MustRegister(h.keys)
	h.registry.MustRegister(conflict.NewChecker())
	h.registry.MustRegister(h.procs)
	h.registry.MustRegister(h.svc)
	if err := h.registry.InitializeAll(context.Background()); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	h.app = fiber.New()
	if err := h.svc.RegisterAPIRoutes(h.app); err != nil {
		t.Fatal(err)
	}
	return h
}

// freeRange finds n consecutive ports that can be bound right now
func freeRange(t *testing.T, n int) int {
	t.Helper()
	for base := 43000; base < 60000; base += n {
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
			if err != nil {
				ok = false
				break
			}
			ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Skip("no free port range available")
	return 0
}

func (h *harness) create(t *testing.T, name string, port int, hosts ...string) *Created {
	t.Helper()
	created, err := h.svc.Create(context.Background(), CreateRequest{
		Name:         name,
		JumpHost:     "jump.example.com",
		JumpUsername: "ops",
		ProxyPort:    port,
		SSHKeyPath:   "/keys/" + name,
		Hosts:        hosts,
	})
	if err != nil {
		t.Fatalf("Create %s failed: %v", name, err)
	}
	return created
}

func TestCreate_WithHostsCreatesDefaultGroup(t *testing.T) {
	h := setupTunnels(t)
	ctx := process.WithActor(context.Background(), "alice")

	created, err := h.svc.Create(ctx, CreateRequest{
		Name:         "office",
		JumpHost:     " jump.example.com ",
		JumpUsername: "ops",
		ProxyPort:    h.base,
		SSHKeyPath:   "/keys/office",
		Hosts:        []string{"Example.COM", "*.github.com", "example.com"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	svc := created.Service
	if svc.ID == 0 || svc.Status != models.StatusStopped || svc.ProcessID != models.NoProcess {
		t.Errorf("Unexpected initial state: %+v", svc)
	}
	if svc.JumpHost != "jump.example.com" || svc.JumpPort != 22 {
		t.Errorf("Expected trimmed host and default port, got %s:%d", svc.JumpHost, svc.JumpPort)
	}

	group := created.Group
	if group == nil {
		t.Fatal("Expected a default host config")
	}
	if group.Name != "office - default" || !group.Enabled || group.ProxyServiceID != svc.ID {
		t.Errorf("Unexpected group: %+v", group)
	}
	if strings.Join(group.Domains, ",") != "example.com,github.com" {
		t.Errorf("Expected normalized domains, got %v", group.Domains)
	}

	items, _, err := h.store.Events().FindAll(repositories.ListOptions{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Type != models.EventProvision || items[0].Actor != "alice" {
		t.Errorf("Expected one provision event by alice, got %+v", items)
	}
}

func TestCreate_WithoutHosts(t *testing.T) {
	h := setupTunnels(t)
	created := h.create(t, "bare", h.base)
	if created.Group != nil {
		t.Errorf("Expected no host config, got %+v", created.Group)
	}
	n, err := h.store.Groups().CountByService(created.Service.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected no groups, got %d", n)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := setupTunnels(t)

	_, err := h.svc.Create(context.Background(), CreateRequest{ProxyPort: 70000, Hosts: []string{"bad host"}})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Details, "\n")
	for _, want := range []string{"name", "jumpHost", "jumpUsername", "sshKeyPath", "proxyPort", "bad host"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected a detail mentioning %s, got %v", want, verr.Details)
		}
	}
}

func TestCreate_PortInUse(t *testing.T) {
	h := setupTunnels(t)
	h.create(t, "first", h.base)

	_, err := h.svc.Create(context.Background(), CreateRequest{
		Name: "second", JumpHost: "h", JumpUsername: "u", ProxyPort: h.base, SSHKeyPath: "/k",
	})
	if !errors.Is(err, ErrPortInUse) {
		t.Errorf("Expected ErrPortInUse for a claimed port, got %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", h.base+1))
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer ln.Close()

	_, err = h.svc.Create(context.Background(), CreateRequest{
		Name: "third", JumpHost: "h", JumpUsername: "u", ProxyPort: h.base + 1, SSHKeyPath: "/k",
	})
	if !errors.Is(err, ErrPortInUse) {
		t.Errorf("Expected ErrPortInUse for a bound port, got %v", err)
	}
}

func TestCreate_HostConflict(t *testing.T) {
	h := setupTunnels(t)
	h.create(t, "first", h.base, "google.com")

	_, err := h.svc.Create(context.Background(), CreateRequest{
		Name: "second", JumpHost: "h", JumpUsername: "u", ProxyPort: h.base + 1, SSHKeyPath: "/k",
		Hosts: []string{"GOOGLE.com", "github.com"},
	})
	var cerr *conflict.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected conflict error, got %v", err)
	}
	if len(cerr.Result.Conflicts) != 1 || cerr.Result.Conflicts[0].Domain != "google.com" {
		t.Errorf("Unexpected conflicts: %+v", cerr.Result.Conflicts)
	}
	if _, err := h.store.Tunnels().FindByProxyPort(h.base + 1); !errors.Is(err, repositories.ErrNotFound) {
		t.Error("Expected no record to be created on conflict")
	}
}

func TestUpdate_RestartsRunningTunnel(t *testing.T) {
	h := setupTunnels(t)
	ctx := context.Background()
	id := h.create(t, "office", h.base).Service.ID

	if _, err := h.procs.StartService(ctx, id); err != nil {
		t.Fatal(err)
	}

	name := "renamed"
	svc, err := h.svc.Update(ctx, id, UpdateRequest{Name: &name})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if svc.Name != "renamed" || len(h.procs.stopped) != 0 {
		t.Errorf("Rename must not restart: %+v, stopped=%v", svc, h.procs.stopped)
	}

	host := "other.example.com"
	svc, err = h.svc.Update(ctx, id, UpdateRequest{JumpHost: &host})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if svc.JumpHost != host || svc.Status != models.StatusRunning {
		t.Errorf("Unexpected state after endpoint change: %+v", svc)
	}
	if len(h.procs.stopped) != 1 || len(h.procs.started) != 2 {
		t.Errorf("Expected one restart, stopped=%v started=%v", h.procs.stopped, h.procs.started)
	}
}

func TestUpdate_Errors(t *testing.T) {
	h := setupTunnels(t)
	ctx := context.Background()
	a := h.create(t, "a", h.base).Service
	h.create(t, "b", h.base+1)

	port := h.base + 1
	if _, err := h.svc.Update(ctx, a.ID, UpdateRequest{ProxyPort: &port}); !errors.Is(err, ErrPortInUse) {
		t.Errorf("Expected ErrPortInUse, got %v", err)
	}

	same := h.base
	if _, err := h.svc.Update(ctx, a.ID, UpdateRequest{ProxyPort: &same}); err != nil {
		t.Errorf("Keeping the own port must succeed, got %v", err)
	}

	empty := " "
	var verr *ValidationError
	if _, err := h.svc.Update(ctx, a.ID, UpdateRequest{Name: &empty}); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}

	if _, err := h.svc.Update(ctx, 999, UpdateRequest{Name: &empty}); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_RepushesKeyToNewJumpHost(t *testing.T) {
	h := setupTunnels(t)
	server := sshserver.New(t, sshserver.Options{Username: "ops", Password: "secret"})

	kp, err := h.keys.GenerateKeyPair("moved")
	if err != nil {
		t.Fatal(err)
	}
	created, err := h.svc.Create(context.Background(), CreateRequest{
		Name: "moved", JumpHost: "old.invalid", JumpUsername: "ops", ProxyPort: h.base, SSHKeyPath: kp.PrivateKeyPath,
	})
	if err != nil {
		t.Fatal(err)
	}

	host, port := server.Host(), server.Port()
	_, err = h.svc.Update(context.Background(), created.Service.ID, UpdateRequest{
		JumpHost: &host, JumpPort: &port, JumpPassword: "secret",
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	data, err := os.ReadFile(server.AuthorizedKeysPath())
	if err != nil || !strings.Contains(string(data), kp.PublicKey) {
		t.Errorf("Expected key on the new jump host, err=%v", err)
	}

	wrong := "other"
	user := "ops"
	_, err = h.svc.Update(context.Background(), created.Service.ID, UpdateRequest{
		JumpUsername: &wrong, JumpPassword: "secret",
	})
	var perr *KeyPushError
	if !errors.As(err, &perr) {
		t.Errorf("Expected KeyPushError for a rejected login, got %v", err)
	}
	svc, _ := h.store.Tunnels().FindByID(created.Service.ID)
	if svc.JumpUsername != user {
		t.Errorf("Failed push must leave the record untouched, got user %q", svc.JumpUsername)
	}
}

func TestDelete_Cascades(t *testing.T) {
	h := setupTunnels(t)
	ctx := context.Background()

	kp, err := h.keys.GenerateKeyPair("doomed")
	if err != nil {
		t.Fatal(err)
	}
	created, err := h.svc.Create(ctx, CreateRequest{
		Name: "doomed", JumpHost: "h", JumpUsername: "u", ProxyPort: h.base, SSHKeyPath: kp.PrivateKeyPath,
		Hosts: []string{"example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	id := created.Service.ID

	report, err := h.svc.Delete(ctx, id)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if report == nil || report.ServiceID != id {
		t.Errorf("Expected stop report for %d, got %+v", id, report)
	}
	if _, err := h.store.Tunnels().FindByID(id); !errors.Is(err, repositories.ErrNotFound) {
		t.Error("Expected record to be gone")
	}
	if n, _ := h.store.Groups().CountByService(id); n != 0 {
		t.Errorf("Expected groups to be gone, %d left", n)
	}
	if _, err := os.Stat(kp.PrivateKeyPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected key pair to be removed")
	}

	if _, err := h.svc.Delete(ctx, id); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestProvision_Success(t *testing.T) {
	h := setupTunnels(t)
	server := sshserver.New(t, sshserver.Options{Username: "ops", Password: "secret"})

	var levels []string
	result := h.svc.Provision(context.Background(), ConnectRequest{
		JumpHost: server.Host(), JumpPort: server.Port(), JumpUsername: "ops", JumpPassword: "secret",
	}, func(level, message string) { levels = append(levels, level) })

	if !result.Success {
		t.Fatalf("Provision failed: %s", result.Error)
	}
	if result.ProxyPort < h.base || result.ProxyPort > h.base+2 {
		t.Errorf("Port %d outside the configured range", result.ProxyPort)
	}
	if !strings.HasPrefix(result.KeyName, "proxy_") || !strings.HasSuffix(result.KeyName, fmt.Sprintf("_%d", result.ProxyPort)) {
		t.Errorf("Unexpected key name %q", result.KeyName)
	}
	if _, err := os.Stat(result.SSHKeyPath); err != nil {
		t.Errorf("Private key missing: %v", err)
	}
	for _, l := range levels {
		if l != LevelInfo && l != LevelSuccess && l != LevelWarn {
			t.Errorf("Unexpected level %q in a successful run", l)
		}
	}

	// The reservation keeps the port away from a concurrent provisioning
	ports, _ := h.registry.GetPortAllocator()
	next, err := ports.Allocate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if next == result.ProxyPort {
		t.Errorf("Reserved port %d handed out twice", next)
	}

	// The follow-up create claims it
	if _, err := h.svc.Create(context.Background(), CreateRequest{
		Name: "new", JumpHost: server.Host(), JumpPort: server.Port(), JumpUsername: "ops",
		ProxyPort: result.ProxyPort, SSHKeyPath: result.SSHKeyPath,
	}); err != nil {
		t.Errorf("Create with provisioned port failed: %v", err)
	}
}

func TestProvision_FailureCleansUp(t *testing.T) {
	h := setupTunnels(t)
	server := sshserver.New(t, sshserver.Options{Username: "ops", Password: "secret", DisableSFTP: true})

	var msgs []string
	result := h.svc.Provision(context.Background(), ConnectRequest{
		JumpHost: server.Host(), JumpPort: server.Port(), JumpUsername: "ops", JumpPassword: "secret",
	}, func(level, message string) { msgs = append(msgs, level+" "+message) })

	if result.Success || result.Error == "" {
		t.Fatalf("Expected failure, got %+v", result)
	}
	if !strings.Contains(strings.Join(msgs, "\n"), "Released port") {
		t.Errorf("Expected port release in log, got %v", msgs)
	}

	entries, err := os.ReadDir(h.keys.KeysDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected key directory to be empty, found %d entries", len(entries))
	}

	ports, _ := h.registry.GetPortAllocator()
	port, err := ports.Allocate(context.Background())
	if err != nil || port != h.base {
		t.Errorf("Expected released port %d to be handed out again, got %d (%v)", h.base, port, err)
	}
}

func TestProvision_WrongPassword(t *testing.T) {
	h := setupTunnels(t)
	server := sshserver.New(t, sshserver.Options{Username: "ops", Password: "secret"})

	result := h.svc.Provision(context.Background(), ConnectRequest{
		JumpHost: server.Host(), JumpPort: server.Port(), JumpUsername: "ops", JumpPassword: "nope",
	}, nil)
	if result.Success || !strings.Contains(result.Error, "password login") {
		t.Errorf("Expected password login failure, got %+v", result)
	}
}

func TestRoutes(t *testing.T) {
	h := setupTunnels(t)
	a := h.create(t, "a", h.base).Service
	h.create(t, "b", h.base+1)

	resp := doRequest(t, h.app, "GET", "/api/v1/proxy-services?pageSize=1", nil)
	items, _ := resp.Data.([]interface{})
	if !resp.Success || len(items) != 1 || resp.Meta.Pagination.Total != 2 {
		t.Errorf("Unexpected list: %+v", resp)
	}

	resp = doRequest(t, h.app, "GET", "/api/v1/proxy-services?status=bogus", nil)
	if resp.Error == nil || resp.Error.Code != api.CodeValidation {
		t.Errorf("Expected validation error, got %+v", resp)
	}

	resp = doRequest(t, h.app, "GET", "/api/v1/proxy-services/abc", nil)
	if resp.Error == nil || resp.Error.Code != api.CodeInvalidProxyServiceID {
		t.Errorf("Expected invalid id, got %+v", resp)
	}

	resp = doRequest(t, h.app, "GET", "/api/v1/proxy-services/999", nil)
	if resp.Error == nil || resp.Error.Code != api.CodeServiceNotFound {
		t.Errorf("Expected not found, got %+v", resp)
	}

	resp = doRequest(t, h.app, "POST", fmt.Sprintf("/api/v1/proxy-services/%d/start", a.ID), nil)
	if !resp.Success {
		t.Fatalf("Start failed: %+v", resp)
	}
	resp = doRequest(t, h.app, "GET", "/api/v1/proxy-services?status=running", nil)
	if resp.Meta.Pagination.Total != 1 {
		t.Errorf("Expected one running service, got %+v", resp.Meta.Pagination)
	}

	resp = doRequest(t, h.app, "POST", fmt.Sprintf("/api/v1/proxy-services/%d/stop", a.ID), nil)
	if !resp.Success {
		t.Errorf("Stop failed: %+v", resp)
	}
	svc, _ := h.store.Tunnels().FindByID(a.ID)
	if svc.Status != models.StatusStopped {
		t.Errorf("Expected stopped, got %s", svc.Status)
	}

	h.procs.startErr = &process.StartError{Kind: process.KindAuth, Message: "permission denied (publickey)"}
	resp = doRequest(t, h.app, "POST", fmt.Sprintf("/api/v1/proxy-services/%d/start", a.ID), nil)
	if resp.Error == nil || resp.Error.Code != api.CodeStartFailed {
		t.Fatalf("Expected START_FAILED, got %+v", resp)
	}
	detail, _ := resp.Error.Detail.(map[string]interface{})
	if detail["reason"] == "" || detail["solution"] == nil || detail["troubleshooting"] == nil {
		t.Errorf("Expected diagnostic detail, got %v", detail)
	}

	resp = doRequest(t, h.app, "POST", "/api/v1/proxy-services/999/start", nil)
	if resp.Error == nil || resp.Error.Code != api.CodeServiceNotFound {
		t.Errorf("Expected not found on start, got %+v", resp)
	}

	resp = doRequest(t, h.app, "POST", "/api/v1/proxy-services", fiber.Map{
		"name": "c", "jumpHost": "h", "jumpUsername": "u", "proxyPort": h.base, "sshKeyPath": "/k",
	})
	if resp.Error == nil || resp.Error.Code != api.CodePortInUse {
		t.Errorf("Expected PORT_IN_USE, got %+v", resp)
	}

	resp = doRequest(t, h.app, "POST", "/api/v1/proxy-services", fiber.Map{
		"name": "c", "jumpHost": "h", "jumpUsername": "u", "proxyPort": h.base + 2, "sshKeyPath": "/k",
		"hosts": []string{"example.com"},
	})
	if !resp.Success {
		t.Fatalf("Create failed: %+v", resp)
	}

	resp = doRequest(t, h.app, "PUT", fmt.Sprintf("/api/v1/proxy-services/%d", a.ID), fiber.Map{"name": "renamed"})
	data, _ := resp.Data.(map[string]interface{})
	if !resp.Success || data["name"] != "renamed" {
		t.Errorf("Unexpected update response: %+v", resp)
	}

	resp = doRequest(t, h.app, "DELETE", fmt.Sprintf("/api/v1/proxy-services/%d", a.ID), nil)
	if !resp.Success {
		t.Errorf("Delete failed: %+v", resp)
	}
}

func TestConnectRoute_StreamsProgress(t *testing.T) {
	h := setupTunnels(t)
	server := sshserver.New(t, sshserver.Options{Username: "ops", Password: "secret"})

	resp := doRequest(t, h.app, "POST", "/api/v1/proxy-services/connect", fiber.Map{"jumpHost": "h"})
	if resp.Error == nil || resp.Error.Code != api.CodeValidation {
		t.Fatalf("Expected validation error, got %+v", resp)
	}

	body, _ := json.Marshal(fiber.Map{
		"jumpHost": server.Host(), "jumpPort": server.Port(), "jumpUsername": "ops", "jumpPassword": "secret",
	})
	req := httptest.NewRequest("POST", "/api/v1/proxy-services/connect", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected event stream, got %q", ct)
	}

	var frames []map[string]interface{}
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("Bad frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}

	if len(frames) < 2 {
		t.Fatalf("Expected log frames and a result, got %v", frames)
	}
	last := frames[len(frames)-1]
	if last["type"] != "result" || last["success"] != true || last["proxyPort"] == nil || last["sshKeyPath"] == nil {
		t.Errorf("Unexpected result frame: %v", last)
	}
	for _, f := range frames[:len(frames)-1] {
		if f["type"] != "log" {
			t.Errorf("Expected only log frames before the result, got %v", f)
		}
	}
}

func doRequest(t *testing.T, app *fiber.App, method, url string, body interface{}) api.ApiResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	data, _ := io.ReadAll(res.Body)
	var resp api.ApiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Failed to decode %s %s: %v (%s)", method, url, err, data)
	}
	return resp
}
