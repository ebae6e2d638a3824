package tunnels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/providers/process"
	"github.com/tphan267/socksgate/pkg/storage/models"
)

// Log levels streamed to the connect client
const (
	LevelInfo    = "INFO"
	LevelSuccess = "SUCCESS"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
)

// LogFunc receives provisioning progress lines
type LogFunc func(level, message string)

// ConnectRequest is the body of POST /api/v1/proxy-services/connect
type ConnectRequest struct {
	JumpHost     string `json:"jumpHost"`
	JumpPort     int    `json:"jumpPort"`
	JumpUsername string `json:"jumpUsername"`
	JumpPassword string `json:"jumpPassword"`
}

// ProvisionResult is the final frame of a connect stream
type ProvisionResult struct {
	Success    bool   `json:"success"`
	ProxyPort  int    `json:"proxyPort,omitempty"`
	KeyName    string `json:"keyName,omitempty"`
	SSHKeyPath string `json:"sshKeyPath,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (r ConnectRequest) validate() *ValidationError {
	var details []string
	if strings.TrimSpace(r.JumpHost) == "" {
		details = append(details, "jumpHost is required")
	}
	if strings.TrimSpace(r.JumpUsername) == "" {
		details = append(details, "jumpUsername is required")
	}
	if r.JumpPassword == "" {
		details = append(details, "jumpPassword is required")
	}
	if r.JumpPort < 0 || r.JumpPort > 65535 {
		details = append(details, "jumpPort must be between 1 and 65535")
	}
	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}

// Provision prepares a jump host for a new tunnel: it checks the password, reserves a proxy port,
// generates a key pair, installs the public key and verifies key login. The port stays reserved on
// success so the follow-up create can claim it. Any failure releases the port and deletes the key.
func (s *Service) Provision(ctx context.Context, req ConnectRequest, emit LogFunc) *ProvisionResult {
	if emit == nil {
		emit = func(string, string) {}
	}
	req.JumpHost = strings.TrimSpace(req.JumpHost)
	req.JumpUsername = strings.TrimSpace(req.JumpUsername)
	if req.JumpPort == 0 {
		req.JumpPort = 22
	}
	if verr := req.validate(); verr != nil {
		emit(LevelError, verr.Error())
		return &ProvisionResult{Error: verr.Error()}
	}

	target := fmt.Sprintf("%s@%s:%d", req.JumpUsername, req.JumpHost, req.JumpPort)
	steps := process.NewBestEffort(s.logger)

	var (
		port int
		key  *providers.KeyPair
	)
	fail := func(res process.StepResult) *ProvisionResult {
		msg := res.String()
		if res.Err != nil && !res.TimedOut {
			msg = fmt.Sprintf("%s: %v", res.Name, res.Err)
		}
		emit(LevelError, msg)
		if key != nil {
			if err := s.keys.DeleteKeyPair(key.Name); err != nil {
				emit(LevelWarn, fmt.Sprintf("Failed to remove key pair %s: %v", key.Name, err))
			} else {
				emit(LevelInfo, "Removed key pair "+key.Name)
			}
		}
		if port != 0 {
			s.ports.Release(port)
			emit(LevelInfo, fmt.Sprintf("Released port %d", port))
		}
		return &ProvisionResult{Error: msg}
	}

	emit(LevelInfo, "Testing password login to "+target)
	res := steps.Run(ctx, "password login", s.timeouts.connect, func(ctx context.Context) (string, error) {
		return "", s.keys.TestPasswordLogin(ctx, req.JumpHost, req.JumpPort, req.JumpUsername, req.JumpPassword)
	})
	if !res.OK {
		return fail(res)
	}
	emit(LevelSuccess, "Password login succeeded")

	emit(LevelInfo, "Allocating proxy port")
	var allocated int
	res = steps.Run(ctx, "port allocation", s.timeouts.port, func(ctx context.Context) (string, error) {
		p, err := s.ports.Allocate(ctx)
		if err != nil {
			return "", err
		}
		allocated = p
		return fmt.Sprintf("port %d", p), nil
	})
	if !res.OK {
		// A late allocation after a timeout lapses with its reservation TTL
		return fail(res)
	}
	port = allocated
	emit(LevelSuccess, fmt.Sprintf("Allocated port %d", port))

	name := fmt.Sprintf("proxy_%d_%d", time.Now().UnixMilli(), port)
	emit(LevelInfo, "Generating key pair "+name)
	var generated *providers.KeyPair
	res = steps.Run(ctx, "key generation", s.timeouts.keygen, func(ctx context.Context) (string, error) {
		kp, err := s.keys.GenerateKeyPair(name)
		if err != nil {
			return "", err
		}
		generated = kp
		return kp.PrivateKeyPath, nil
	})
	if !res.OK {
		if res.TimedOut {
			// The generator may still finish; remove whatever it leaves behind
			key = &providers.KeyPair{Name: name}
		}
		return fail(res)
	}
	key = generated
	emit(LevelSuccess, "Generated key pair "+key.Name)

	emit(LevelInfo, "Installing public key on "+target)
	res = steps.Run(ctx, "key install", s.timeouts.push, func(ctx context.Context) (string, error) {
		return "", s.keys.PushPublicKey(ctx, providers.PushRequest{
			Host:      req.JumpHost,
			Port:      req.JumpPort,
			Username:  req.JumpUsername,
			Password:  req.JumpPassword,
			PublicKey: key.PublicKey,
			OnLog: func(level, message string) {
				emit(strings.ToUpper(level), message)
			},
		})
	})
	if !res.OK {
		return fail(res)
	}
	emit(LevelSuccess, "Public key installed")

	emit(LevelInfo, "Testing key login")
	res = steps.Run(ctx, "key login", s.timeouts.auth, func(ctx context.Context) (string, error) {
		return "", s.keys.TestKeyLogin(ctx, req.JumpHost, req.JumpPort, req.JumpUsername, key.PrivateKeyPath)
	})
	if !res.OK {
		return fail(res)
	}
	emit(LevelSuccess, "Key login succeeded")

	preview := &models.TunnelService{
		JumpHost:     req.JumpHost,
		JumpPort:     req.JumpPort,
		JumpUsername: req.JumpUsername,
		ProxyPort:    port,
	}
	emit(LevelInfo, "Tunnel command: "+shellquote.Join(append([]string{s.binary}, process.TunnelArgs(preview, key.PrivateKeyPath)...)...))

	s.registry.Track(ctx, providers.Event{
		Type:    models.EventProvision,
		Actor:   process.ActorFrom(ctx),
		Message: fmt.Sprintf("provisioned key %s for %s on port %d", key.Name, target, port),
		Trail:   steps.Trail(),
	})
	s.logger.Info("Provisioned %s with key %s on port %d", target, key.Name, port)

	return &ProvisionResult{
		Success:    true,
		ProxyPort:  port,
		KeyName:    key.Name,
		SSHKeyPath: key.PrivateKeyPath,
	}
}
