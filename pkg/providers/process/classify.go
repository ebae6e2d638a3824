package process

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a tunnel failed to start
type Kind string

const (
	KindKeyMissing    Kind = "key_missing"
	KindKeyPermission Kind = "key_permission"
	KindSpawn         Kind = "spawn"
	KindPermission    Kind = "permission"
	KindMissingFile   Kind = "missing_file"
	KindConnection    Kind = "connection"
	KindAuth          Kind = "auth"
	KindExited        Kind = "exited"
)

var (
	ErrKeyFileMissing           = errors.New("ssh key file not found")
	ErrKeyFilePermission        = errors.New("ssh key file not readable")
	ErrProcessSpawn             = errors.New("failed to spawn tunnel client")
	ErrProcessExitedImmediately = errors.New("tunnel client exited immediately")
)

// StartError is a classified tunnel start failure
type StartError struct {
	Kind     Kind
	Message  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StartError) Error() string {
	return e.Message
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Reason is a short operator-facing cause
func (e *StartError) Reason() string {
	switch e.Kind {
	case KindKeyMissing:
		return "SSH private key file is missing"
	case KindKeyPermission:
		return "SSH private key file cannot be read"
	case KindSpawn:
		return "Tunnel client could not be launched"
	case KindPermission:
		return "Permission denied by the tunnel client or jump host"
	case KindMissingFile:
		return "A file required by the tunnel client was not found"
	case KindConnection:
		return "Jump host refused the connection or could not be resolved"
	case KindAuth:
		return "Jump host rejected the SSH key"
	default:
		return "Tunnel client exited during startup"
	}
}

// Solution suggests what the operator should do next
func (e *StartError) Solution() string {
	switch e.Kind {
	case KindKeyMissing:
		return "Re-run the connect flow to generate a new key pair, or fix sshKeyPath"
	case KindKeyPermission:
		return "Make the key file readable by the service user and chmod it to 600"
	case KindSpawn:
		return "Install autossh and make sure it is on PATH, or set tunnel_binary"
	case KindPermission:
		return "Check key file ownership (chmod 600) and the remote ~/.ssh permissions"
	case KindMissingFile:
		return "Verify the key path and that autossh and ssh are installed"
	case KindConnection:
		return "Check the jump host address and port, DNS and firewall rules"
	case KindAuth:
		return "Push the public key again with the jump host password"
	default:
		return "Inspect the captured output and try starting the tunnel again"
	}
}

// Troubleshooting lists manual checks
func (e *StartError) Troubleshooting() []string {
	steps := []string{"Review the tunnel client output included with this error"}
	switch e.Kind {
	case KindConnection:
		steps = append(steps, "Try: ssh -p <jumpPort> <jumpUsername>@<jumpHost>")
	case KindAuth, KindPermission:
		steps = append(steps, "Check ~/.ssh/authorized_keys on the jump host contains the tunnel key")
	case KindSpawn, KindMissingFile:
		steps = append(steps, "Run: which autossh ssh")
	}
	return steps
}

// classifyExit turns the output of a process that died during the grace period into a StartError
func classifyExit(output string, code int) *StartError {
	lower := strings.ToLower(output)
	trimmed := strings.TrimSpace(output)

	e := &StartError{ExitCode: code, Stderr: trimmed, Err: ErrProcessExitedImmediately}
	switch {
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "permissions"):
		e.Kind = KindPermission
		e.Message = "Permission error: " + firstLine(trimmed)
	case strings.Contains(lower, "no such file") || strings.Contains(lower, "cannot find"):
		e.Kind = KindMissingFile
		e.Message = "File not found: " + firstLine(trimmed)
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "could not resolve"):
		e.Kind = KindConnection
		e.Message = "Connection failed: " + firstLine(trimmed)
	case strings.Contains(lower, "authentication failed") || strings.Contains(lower, "publickey"):
		e.Kind = KindAuth
		e.Message = "Authentication failed: " + firstLine(trimmed)
	default:
		e.Kind = KindExited
		e.Message = fmt.Sprintf("Tunnel client exited with code %d", code)
		if trimmed != "" {
			e.Message += ": " + firstLine(trimmed)
		}
	}
	return e
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
