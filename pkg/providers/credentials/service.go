package credentials

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
)

var (
	ErrKeyExists      = errors.New("key pair already exists")
	ErrInvalidKeyName = errors.New("invalid key name")
	ErrConnection     = errors.New("ssh connection failed")
	ErrAuth           = errors.New("ssh authentication failed")
	ErrRemoteIO       = errors.New("remote file operation failed")
)

const (
	keyBits     = 2048
	dialTimeout = 10 * time.Second
)

var keyNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Service generates tunnel key pairs and installs public keys on jump hosts
type Service struct {
	keysDir string
	logger  *logger.Logger
}

// NewService creates a credential service rooted at keysDir
func NewService(keysDir string) *Service {
	return &Service{keysDir: keysDir, logger: logger.Discard()}
}

// Name returns the service name
func (s *Service) Name() string {
	return "credentials"
}

// Initialize creates the key directory
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.logger = registry.Logger().Named("credentials")
	if s.keysDir == "" {
		s.keysDir = registry.Config().SSHKeysDir
	}

	abs, err := filepath.Abs(s.keysDir)
	if err != nil {
		return fmt.Errorf("failed to resolve key directory: %w", err)
	}
	s.keysDir = abs

	if err := os.MkdirAll(s.keysDir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory %s: %w", s.keysDir, err)
	}

	s.logger.Info("SSH keys stored in %s", s.keysDir)
	return nil
}

// IsRunnable returns false
func (s *Service) IsRunnable() bool {
	return false
}

// Start is a no-op
func (s *Service) Start(ctx context.Context) error {
	return nil
}

// Stop is a no-op
func (s *Service) Stop(ctx context.Context) error {
	return nil
}

// RegisterAPIRoutes has nothing to register
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	return nil
}

// KeysDir returns the absolute key directory
func (s *Service) KeysDir() string {
	return s.keysDir
}

// PrivateKeyPath returns where the private key for name lives
func (s *Service) PrivateKeyPath(name string) string {
	return filepath.Join(s.keysDir, name)
}

// KeyNameFromPath maps a stored private key path back to its key name
func (s *Service) KeyNameFromPath(p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(p), ".pub")
}

// GenerateKeyPair writes a new RSA key pair: <name> (0600) and <name>.pub (0644)
func (s *Service) GenerateKeyPair(name string) (*providers.KeyPair, error) {
	if !keyNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}
	if err := os.MkdirAll(s.keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	privPath := s.PrivateKeyPath(name)
	pubPath := privPath + ".pub"
	comment := "socks-proxy-" + name

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	f, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyExists, name)
		}
		return nil, fmt.Errorf("failed to create private key file: %w", err)
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		os.Remove(privPath)
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(privPath)
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		os.Remove(privPath)
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " " + comment

	if err := os.WriteFile(pubPath, []byte(pubLine+"\n"), 0o644); err != nil {
		os.Remove(privPath)
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	// WriteFile keeps the mode of an existing file and is subject to umask
	_ = os.Chmod(pubPath, 0o644)

	s.logger.Info("Generated key pair %s", name)
	return &providers.KeyPair{
		Name:           name,
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
		PublicKey:      pubLine,
	}, nil
}

// DeleteKeyPair removes both key files. Missing files are not an error.
func (s *Service) DeleteKeyPair(name string) error {
	if !keyNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}

	privPath := s.PrivateKeyPath(name)
	var errs []error
	for _, p := range []string{privPath, privPath + ".pub"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete key pair %s: %w", name, errors.Join(errs...))
	}

	s.logger.Info("Deleted key pair %s", name)
	return nil
}

// ReadPublicKey returns the authorized_keys line for name
func (s *Service) ReadPublicKey(name string) (string, error) {
	if !keyNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}
	data, err := os.ReadFile(s.PrivateKeyPath(name) + ".pub")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// PushPublicKey logs in with a password and appends the key to ~/.ssh/authorized_keys
// unless an identical line is already there.
func (s *Service) PushPublicKey(ctx context.Context, req providers.PushRequest) error {
	logf := func(level, format string, v ...interface{}) {
		msg := fmt.Sprintf(format, v...)
		if level == "error" {
			s.logger.Warn("%s", msg)
		} else {
			s.logger.Debug("%s", msg)
		}
		if req.OnLog != nil {
			req.OnLog(level, msg)
		}
	}

	publicKey := strings.TrimSpace(req.PublicKey)
	if publicKey == "" {
		return fmt.Errorf("%w: empty public key", ErrRemoteIO)
	}

	logf("info", "Connecting to %s@%s:%d", req.Username, req.Host, req.Port)
	client, err := s.dial(ctx, req.Host, req.Port, req.Username, passwordAuth(req.Password))
	if err != nil {
		logf("error", "Connection failed: %v", err)
		return err
	}
	defer client.Close()

	stop := closeOnCancel(ctx, client)
	defer stop()

	home := remoteHome(client)
	sc, err := sftp.NewClient(client)
	if err != nil {
		logf("error", "SFTP session failed: %v", err)
		return fmt.Errorf("%w: sftp: %v", ErrRemoteIO, err)
	}
	defer sc.Close()

	if home == "" {
		if home, err = sc.Getwd(); err != nil || home == "" {
			return fmt.Errorf("%w: cannot resolve remote home directory", ErrRemoteIO)
		}
	}
	logf("info", "Remote home directory: %s", home)

	sshDir := path.Join(home, ".ssh")
	if err := sc.MkdirAll(sshDir); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrRemoteIO, sshDir, err)
	}
	if err := sc.Chmod(sshDir, 0o700); err != nil {
		logf("warn", "Failed to chmod %s: %v", sshDir, err)
	}

	akPath := path.Join(sshDir, "authorized_keys")
	existing, err := readRemote(sc, akPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrRemoteIO, akPath, err)
	}

	if strings.Contains(existing, publicKey) {
		logf("info", "Public key already present in authorized_keys")
		return nil
	}

	content := existing
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += publicKey + "\n"

	f, err := sc.OpenFile(akPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrRemoteIO, akPath, err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrRemoteIO, akPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrRemoteIO, akPath, err)
	}
	if err := sc.Chmod(akPath, 0o600); err != nil {
		logf("warn", "Failed to chmod %s: %v", akPath, err)
	}

	logf("info", "Public key installed in %s", akPath)
	return nil
}

// TestPasswordLogin verifies the jump host accepts the password
func (s *Service) TestPasswordLogin(ctx context.Context, host string, port int, username, password string) error {
	client, err := s.dial(ctx, host, port, username, passwordAuth(password))
	if err != nil {
		return err
	}
	return client.Close()
}

// TestKeyLogin verifies the jump host accepts the private key
func (s *Service) TestKeyLogin(ctx context.Context, host string, port int, username, privateKeyPath string) error {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	client, err := s.dial(ctx, host, port, username, []ssh.AuthMethod{ssh.PublicKeys(signer)})
	if err != nil {
		return err
	}
	return client.Close()
}

// dial opens an SSH client honouring ctx for the TCP connect and handshake
func (s *Service) dial(ctx context.Context, host string, port int, username string, auth []ssh.AuthMethod) (*ssh.Client, error) {
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(dialTimeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s@%s: %v", ErrAuth, username, addr, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func passwordAuth(password string) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
}

// closeOnCancel closes client when ctx ends; the returned func releases the watcher
func closeOnCancel(ctx context.Context, client *ssh.Client) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// remoteHome asks the shell for $HOME; "" when exec is unavailable
func remoteHome(client *ssh.Client) string {
	session, err := client.NewSession()
	if err != nil {
		return ""
	}
	defer session.Close()

	out, err := session.Output("echo $HOME")
	if err != nil {
		return ""
	}
	home := strings.TrimSpace(string(out))
	if !strings.HasPrefix(home, "/") {
		return ""
	}
	return home
}

func readRemote(sc *sftp.Client, p string) (string, error) {
	f, err := sc.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var _ providers.Service = (*Service)(nil)
var _ providers.CredentialService = (*Service)(nil)
