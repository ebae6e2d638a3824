package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
)

// Stop path step budgets
const (
	discoverTimeout = 5 * time.Second
	signalTimeout   = 2 * time.Second
	recheckTimeout  = 3 * time.Second
	settleDelay     = 500 * time.Millisecond
	termWait        = 1 * time.Second
	reapWait        = 1 * time.Second
)

// Manager maps tunnel service records to tunnel client processes
type Manager struct {
	storage  storage.Storage
	logger   *logger.Logger
	registry *providers.Registry
	runner   Runner
	locks    *keyedMutex

	binary      string
	keysDir     string
	fallbackDir string
	grace       time.Duration
	stopTimeout time.Duration
	pollEvery   time.Duration
	termWait    time.Duration
	reapWait    time.Duration
	settle      time.Duration
}

// NewManager creates a process manager. A nil runner means the operating system.
func NewManager(runner Runner) *Manager {
	if runner == nil {
		runner = NewOSRunner()
	}
	return &Manager{
		runner:      runner,
		locks:       newKeyedMutex(),
		binary:      "autossh",
		grace:       2 * time.Second,
		stopTimeout: 10 * time.Second,
		pollEvery:   100 * time.Millisecond,
		termWait:    termWait,
		reapWait:    reapWait,
		settle:      settleDelay,
		logger:      logger.Discard(),
	}
}

// Name returns the service name
func (m *Manager) Name() string {
	return "process"
}

// Initialize reads binary, key directories and timings from config
func (m *Manager) Initialize(ctx context.Context, registry *providers.Registry) error {
	m.registry = registry
	m.storage = registry.DB()
	m.logger = registry.Logger().Named("process")

	cfg := registry.Config()
	if cfg.TunnelBinary != "" {
		m.binary = cfg.TunnelBinary
	}
	m.keysDir = cfg.SSHKeysDir
	m.fallbackDir = cfg.SSHKeysFallbackDir
	if cfg.StartGrace > 0 {
		m.grace = cfg.StartGrace
	}
	if cfg.StopTimeout > 0 {
		m.stopTimeout = cfg.StopTimeout
	}

	m.logger.Info("Tunnel client %s, start grace %s, stop deadline %s", m.binary, m.grace, m.stopTimeout)
	return nil
}

// IsRunnable returns false
func (m *Manager) IsRunnable() bool {
	return false
}

// Start is a no-op
func (m *Manager) Start(ctx context.Context) error {
	return nil
}

// Stop leaves tunnels running; the monitor reconciles them on the next boot
func (m *Manager) Stop(ctx context.Context) error {
	return nil
}

// RegisterAPIRoutes has nothing to register; the tunnels provider owns the HTTP surface
func (m *Manager) RegisterAPIRoutes(app interface{}) error {
	return nil
}

// StartProcess spawns the tunnel client for svc and waits out the grace period.
// The caller persists the resulting state.
func (m *Manager) StartProcess(ctx context.Context, svc *models.TunnelService) (*providers.StartResult, error) {
	keyPath, err := m.resolveKeyPath(svc.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	if err := m.checkKeyFile(keyPath); err != nil {
		return nil, err
	}

	args := TunnelArgs(svc, keyPath)
	cmdline := shellquote.Join(append([]string{m.binary}, args...)...)
	m.logger.Info("Starting tunnel %d (%s): %s", svc.ID, svc.Name, cmdline)

	h, err := m.runner.Spawn(ctx, m.binary, args)
	if err != nil {
		return nil, &StartError{
			Kind:    KindSpawn,
			Message: fmt.Sprintf("Failed to spawn %s: %v", m.binary, err),
			Err:     fmt.Errorf("%w: %v", ErrProcessSpawn, err),
		}
	}

	timer := time.NewTimer(m.grace)
	defer timer.Stop()

	select {
	case <-h.Exited():
		return nil, classifyExit(h.Output(), h.ExitCode())
	case <-ctx.Done():
		_ = m.StopProcess(context.Background(), h.Pid())
		return nil, ctx.Err()
	case <-timer.C:
	}

	if !m.runner.IsAlive(h.Pid()) {
		// Signal 0 can fail before the reaper has recorded the exit code
		select {
		case <-h.Exited():
		case <-time.After(m.reapWait):
		}
		return nil, classifyExit(h.Output(), h.ExitCode())
	}

	m.logger.Info("Tunnel %d started with pid %d on port %d", svc.ID, h.Pid(), svc.ProxyPort)
	return &providers.StartResult{
		ProcessID:   h.Pid(),
		CommandLine: cmdline,
		KeyPath:     keyPath,
	}, nil
}

// StopProcess sends SIGTERM, waits briefly, then SIGKILL. A missing process is success.
func (m *Manager) StopProcess(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}

	if err := m.runner.Signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			return nil
		}
		return fmt.Errorf("failed to terminate pid %d: %w", pid, err)
	}

	if m.waitExit(ctx, pid, m.termWait) {
		return nil
	}

	m.logger.Warn("Pid %d ignored SIGTERM, sending SIGKILL", pid)
	if err := m.runner.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessNotFound) {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return nil
}

// IsProcessRunning probes liveness without side effects
func (m *Manager) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return m.runner.IsAlive(pid)
}

// StartService starts the tunnel for a stored record and persists the outcome
func (m *Manager) StartService(ctx context.Context, serviceID int64) (*providers.StartResult, error) {
	unlock := m.locks.Lock(serviceID)
	defer unlock()

	svc, err := m.storage.Tunnels().FindByID(serviceID)
	if err != nil {
		return nil, err
	}

	if svc.HasProcess() && m.IsProcessRunning(svc.ProcessID) {
		if svc.IsRunning() {
			return &providers.StartResult{ProcessID: svc.ProcessID, AlreadyRunning: true}, nil
		}
		m.logger.Warn("Tunnel %d is %s but pid %d is alive, stopping it first", svc.ID, svc.Status, svc.ProcessID)
		if err := m.StopProcess(ctx, svc.ProcessID); err != nil {
			m.logger.Warn("Failed to stop stale pid %d: %v", svc.ProcessID, err)
		}
	}

	res, err := m.StartProcess(ctx, svc)
	if err != nil {
		if perr := m.storage.Tunnels().SetState(svc.ID, models.StatusError, models.NoProcess); perr != nil {
			m.logger.Error("Failed to persist error state for tunnel %d: %v", svc.ID, perr)
		}
		m.track(ctx, models.EventStartFailed, svc.ID, err.Error(), nil)
		m.invalidate()
		return nil, err
	}

	if err := m.storage.Tunnels().SetState(svc.ID, models.StatusRunning, res.ProcessID); err != nil {
		_ = m.StopProcess(context.Background(), res.ProcessID)
		return nil, fmt.Errorf("failed to persist running state: %w", err)
	}

	m.track(ctx, models.EventStart, svc.ID, fmt.Sprintf("pid %d on port %d", res.ProcessID, svc.ProxyPort), nil)
	m.invalidate()
	return res, nil
}

// StopService terminates everything listening on the service's proxy port plus the tracked pid.
// Every step is best-effort with its own timeout; the record always ends up stopped.
func (m *Manager) StopService(ctx context.Context, serviceID int64) *providers.StopReport {
	unlock := m.locks.Lock(serviceID)
	defer unlock()

	report := &providers.StopReport{ServiceID: serviceID}

	svc, err := m.storage.Tunnels().FindByID(serviceID)
	if err != nil {
		report.PersistErr = err
		return report
	}
	report.Port = svc.ProxyPort

	stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()

	be := NewBestEffort(m.logger)

	targets := m.discover(stopCtx, be, svc, "discover listeners")
	for _, pid := range targets {
		if desc := m.runner.Describe(stopCtx, pid); desc != "" {
			be.Note("pid %d: %s", pid, desc)
		}
	}

	report.Signalled = m.signalAll(stopCtx, be, targets, syscall.SIGTERM, "terminate")

	if len(targets) > 0 {
		select {
		case <-time.After(m.settle):
		case <-stopCtx.Done():
		}
		survivors := m.discover(stopCtx, be, svc, "re-check port")
		report.Killed = m.signalAll(stopCtx, be, survivors, syscall.SIGKILL, "kill")
		if len(survivors) > 0 {
			report.Remaining = m.discover(stopCtx, be, svc, "verify port clear")
		}
	}

	// Unconditional: a stuck tunnel must not keep the record running
	if err := m.storage.Tunnels().SetState(svc.ID, models.StatusStopped, models.NoProcess); err != nil {
		m.logger.Error("Failed to persist stopped state for tunnel %d: %v", svc.ID, err)
		report.PersistErr = err
		be.Note("persist stopped: failed: %v", err)
	} else {
		be.Note("persisted stopped")
	}

	report.Trail = be.Trail()
	report.Complete = be.Clean() && len(report.Remaining) == 0 && report.PersistErr == nil
	if !report.Complete {
		m.logger.Warn("Tunnel %d stop was incomplete: %d pid(s) remaining", svc.ID, len(report.Remaining))
	}

	m.track(ctx, models.EventStop, svc.ID, fmt.Sprintf("stopped port %d", svc.ProxyPort), report.Trail)
	m.invalidate()
	return report
}

// discover lists pids listening on the proxy port plus the tracked pid if it is still alive
func (m *Manager) discover(ctx context.Context, be *BestEffort, svc *models.TunnelService, step string) []int {
	var found []int
	res := be.Run(ctx, fmt.Sprintf("%s on port %d", step, svc.ProxyPort), discoverTimeout, func(ctx context.Context) (string, error) {
		pids, err := m.runner.ListeningPIDs(ctx, svc.ProxyPort)
		if err != nil {
			return "", err
		}
		found = pids
		return fmt.Sprintf("%d listener(s) %v", len(pids), pids), nil
	})
	if !res.OK {
		found = nil
	}

	if svc.HasProcess() && m.runner.IsAlive(svc.ProcessID) && !containsPid(found, svc.ProcessID) {
		found = append(found, svc.ProcessID)
	}
	return found
}

// signalAll sends sig to every pid in parallel and returns the pids that were signalled
func (m *Manager) signalAll(ctx context.Context, be *BestEffort, pids []int, sig syscall.Signal, verb string) []int {
	var (
		mu   sync.Mutex
		done []int
	)
	timeout := signalTimeout
	if sig == syscall.SIGKILL {
		timeout = recheckTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range pids {
		pid := pid
		g.Go(func() error {
			res := be.Run(gctx, fmt.Sprintf("%s pid %d", verb, pid), timeout, func(ctx context.Context) (string, error) {
				if err := m.runner.Signal(pid, sig); err != nil {
					if errors.Is(err, ErrProcessNotFound) {
						return "already gone", nil
					}
					return "", err
				}
				if sig == syscall.SIGTERM && m.waitExit(ctx, pid, m.termWait) {
					return "exited", nil
				}
				return "signalled", nil
			})
			if res.OK {
				mu.Lock()
				done = append(done, pid)
				mu.Unlock()
			}
			// step failures never cancel the siblings
			return nil
		})
	}
	_ = g.Wait()
	return done
}

// waitExit polls until pid is gone or the wait elapses
func (m *Manager) waitExit(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if !m.runner.IsAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !m.runner.IsAlive(pid)
		case <-time.After(m.pollEvery):
		}
	}
}

// resolveKeyPath finds the private key: the stored path first, then the fallback directories by basename
func (m *Manager) resolveKeyPath(keyPath string) (string, error) {
	if keyPath == "" {
		return "", &StartError{Kind: KindKeyMissing, Message: "No SSH key configured for this tunnel", Err: ErrKeyFileMissing}
	}

	candidates := []string{keyPath}
	base := filepath.Base(keyPath)
	for _, dir := range []string{m.fallbackDir, m.keysDir} {
		if dir != "" {
			candidates = append(candidates, filepath.Join(dir, base))
		}
	}

	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err == nil && info.Mode().IsRegular() {
			return abs, nil
		}
	}

	return "", &StartError{
		Kind:    KindKeyMissing,
		Message: fmt.Sprintf("SSH key file not found: %s", keyPath),
		Err:     ErrKeyFileMissing,
	}
}

// checkKeyFile tightens the key mode to 0600 when needed and verifies it can be read
func (m *Manager) checkKeyFile(path string) error {
	if info, err := os.Stat(path); err == nil {
		if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
			if err := os.Chmod(path, 0o600); err != nil {
				m.logger.Warn("Failed to chmod %s from %o: %v", path, perm, err)
			} else {
				m.logger.Debug("Tightened %s from %o to 600", path, perm)
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return &StartError{
				Kind:    KindKeyPermission,
				Message: fmt.Sprintf("Cannot read SSH key file %s: %v", path, err),
				Err:     ErrKeyFilePermission,
			}
		}
		return &StartError{
			Kind:    KindKeyMissing,
			Message: fmt.Sprintf("Cannot open SSH key file %s: %v", path, err),
			Err:     ErrKeyFileMissing,
		}
	}
	f.Close()
	return nil
}

func (m *Manager) track(ctx context.Context, typ string, id int64, msg string, trail []string) {
	if m.registry == nil {
		return
	}
	m.registry.Track(ctx, providers.Event{
		Type:      typ,
		Timestamp: time.Now(),
		ServiceID: id,
		Actor:     ActorFrom(ctx),
		Message:   msg,
		Trail:     trail,
	})
}

func (m *Manager) invalidate() {
	if m.registry != nil {
		m.registry.InvalidatePAC()
	}
}

// TunnelArgs renders the autossh argument vector for a service
func TunnelArgs(svc *models.TunnelService, keyPath string) []string {
	jumpPort := svc.JumpPort
	if jumpPort <= 0 {
		jumpPort = 22
	}
	return []string{
		"-M", "0",
		"-N",
		"-o", "ServerAliveInterval=60",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=no",
		"-i", keyPath,
		"-D", fmt.Sprintf("0.0.0.0:%d", svc.ProxyPort),
		fmt.Sprintf("%s@%s", svc.JumpUsername, svc.JumpHost),
		"-p", strconv.Itoa(jumpPort),
	}
}

func containsPid(pids []int, pid int) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

type actorKey struct{}

// WithActor attaches the requesting username to ctx for the event journal
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached by WithActor, or "system"
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

var _ providers.Service = (*Manager)(nil)
var _ providers.ProcessManager = (*Manager)(nil)
