package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kballard/go-shellquote"
	psnet "github.com/shirou/gopsutil/v3/net"
	psprocess "github.com/shirou/gopsutil/v3/process"
)

// Handle is a spawned tunnel client
type Handle interface {
	Pid() int
	// Exited is closed once the process has been reaped
	Exited() <-chan struct{}
	// ExitCode is valid after Exited is closed
	ExitCode() int
	// Output returns captured stdout+stderr so far
	Output() string
}

// Runner is the OS capability the manager needs. Tests swap in a fake process table.
type Runner interface {
	Spawn(ctx context.Context, name string, args []string) (Handle, error)
	Signal(pid int, sig syscall.Signal) error
	IsAlive(pid int) bool
	// ListeningPIDs returns the processes listening on a TCP port
	ListeningPIDs(ctx context.Context, port int) ([]int, error)
	// Describe returns a short description (command line) of a pid for diagnostics
	Describe(ctx context.Context, pid int) string
}

// ErrProcessNotFound is returned by Signal when the pid does not exist
var ErrProcessNotFound = errors.New("process not found")

// maxOutput bounds the diagnostic buffer of a spawned process
const maxOutput = 64 * 1024

// OSRunner spawns real processes and inspects the host with gopsutil
type OSRunner struct {
	mu       sync.Mutex
	children map[int]*osHandle
}

// NewOSRunner creates a runner backed by the operating system
func NewOSRunner() *OSRunner {
	return &OSRunner{children: make(map[int]*osHandle)}
}

type osHandle struct {
	pid    int
	exited chan struct{}
	code   atomic.Int64
	out    *boundedBuffer
}

func (h *osHandle) Pid() int                { return h.pid }
func (h *osHandle) Exited() <-chan struct{} { return h.exited }
func (h *osHandle) ExitCode() int           { return int(h.code.Load()) }
func (h *osHandle) Output() string          { return h.out.String() }

// Spawn starts the process detached from ctx: the tunnel must outlive the request that started it.
// A goroutine reaps the child so a dead tunnel never lingers as a zombie that still answers signal 0.
func (r *OSRunner) Spawn(ctx context.Context, name string, args []string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	out := &boundedBuffer{limit: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &osHandle{pid: cmd.Process.Pid, exited: make(chan struct{}), out: out}
	h.code.Store(-1)

	r.mu.Lock()
	r.children[h.pid] = h
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.code.Store(0)
		case errors.As(err, &exitErr):
			h.code.Store(int64(exitErr.ExitCode()))
		}
		close(h.exited)
	}()

	return h, nil
}

// Signal sends sig to pid. A missing process maps to ErrProcessNotFound.
func (r *OSRunner) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrProcessNotFound
	}
	if r.reaped(pid) {
		return ErrProcessNotFound
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	err = proc.Signal(sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return ErrProcessNotFound
	}
	return err
}

// IsAlive probes with signal 0. EPERM means the pid exists but belongs to someone else.
func (r *OSRunner) IsAlive(pid int) bool {
	if pid <= 0 || r.reaped(pid) {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// reaped reports whether pid is a child of ours that has already exited
func (r *OSRunner) reaped(pid int) bool {
	r.mu.Lock()
	h, ok := r.children[pid]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.exited:
		r.mu.Lock()
		delete(r.children, pid)
		r.mu.Unlock()
		return true
	default:
		return false
	}
}

// ListeningPIDs lists pids with a TCP socket in LISTEN state on port
func (r *OSRunner) ListeningPIDs(ctx context.Context, port int) ([]int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var pids []int
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		pid := int(c.Pid)
		if !seen[pid] {
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// Describe returns the command line of pid, or "" when it cannot be read
func (r *OSRunner) Describe(ctx context.Context, pid int) string {
	proc, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	argv, err := proc.CmdlineSliceWithContext(ctx)
	if err != nil || len(argv) == 0 {
		return ""
	}
	return shellquote.Join(argv...)
}

// boundedBuffer keeps the first limit bytes written to it
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
