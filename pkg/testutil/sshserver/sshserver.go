// Package sshserver provides an in-process SSH jump host for tests.
// It accepts password and public key logins, answers `echo $HOME` over exec,
// and serves the local filesystem over the sftp subsystem. Public keys are
// authorized from <Home>/.ssh/authorized_keys on every login, so keys pushed
// by a test become usable immediately.
package sshserver

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server is an in-process SSH server for testing.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	logins   []string
	commands []string
}

// Options configures the test SSH server.
type Options struct {
	Username string // Required
	Password string // Enables password auth if set
	Home     string // Remote home directory; defaults to t.TempDir()
	// DisableSFTP makes the sftp subsystem request fail
	DisableSFTP bool
}

// New creates and starts a test SSH server. It is stopped by t.Cleanup.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Username == "" {
		t.Fatal("sshserver: Username is required")
	}
	if opts.Home == "" {
		opts.Home = t.TempDir()
	}

	s := &Server{t: t, opts: opts, done: make(chan struct{}), conns: make(map[net.Conn]struct{})}
	s.start()
	t.Cleanup(s.Stop)
	return s
}

func (s *Server) start() {
	s.t.Helper()

	s.config = &ssh.ServerConfig{}
	s.config.AddHostKey(generateHostKey(s.t))

	if s.opts.Password != "" {
		s.config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == s.opts.Username && string(password) == s.opts.Password {
				s.recordLogin("password")
				return nil, nil
			}
			return nil, fmt.Errorf("authentication failed for user %q", conn.User())
		}
	}

	s.config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if conn.User() != s.opts.Username {
			return nil, fmt.Errorf("unknown user %q", conn.User())
		}
		for _, authorized := range s.authorizedKeys() {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				s.recordLogin("publickey")
				return nil, nil
			}
		}
		return nil, fmt.Errorf("unknown public key")
	}

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("sshserver: failed to listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and waits for all connections to finish.
func (s *Server) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Host returns the listen host.
func (s *Server) Host() string {
	return "127.0.0.1"
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Home returns the remote home directory.
func (s *Server) Home() string {
	return s.opts.Home
}

// AuthorizedKeysPath returns <Home>/.ssh/authorized_keys.
func (s *Server) AuthorizedKeysPath() string {
	return filepath.Join(s.opts.Home, ".ssh", "authorized_keys")
}

// Logins returns the auth methods of successful logins, in order.
func (s *Server) Logins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logins...)
}

// Commands returns the exec commands received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) recordLogin(method string) {
	s.mu.Lock()
	s.logins = append(s.logins, method)
	s.mu.Unlock()
}

func (s *Server) authorizedKeys() []ssh.PublicKey {
	f, err := os.Open(s.AuthorizedKeysPath())
	if err != nil {
		return nil
	}
	defer f.Close()

	var keys []ssh.PublicKey
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.t.Logf("sshserver: accept error: %v", err)
			}
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		// Authentication failures are expected in tests
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for {
		select {
		case <-s.done:
			return
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			s.wg.Add(1)
			go s.handleSession(newChan)
		}
	}
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for {
		select {
		case <-s.done:
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "env":
				req.Reply(true, nil)
			case "exec":
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				s.exec(ch, payload.Command)
				return
			case "subsystem":
				var payload struct{ Name string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || s.opts.DisableSFTP {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				s.serveSFTP(ch)
				return
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}
}

// exec answers the handful of commands a key installer runs
func (s *Server) exec(ch ssh.Channel, command string) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	status := uint32(0)
	switch strings.TrimSpace(command) {
	case "echo $HOME", "echo ~":
		io.WriteString(ch, s.opts.Home+"\n")
	case "true", "echo ok":
		io.WriteString(ch, "ok\n")
	default:
		io.WriteString(ch.Stderr(), "sshserver: unsupported command\n")
		status = 127
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (s *Server) serveSFTP(ch ssh.Channel) {
	server, err := sftp.NewServer(ch)
	if err != nil {
		s.t.Logf("sshserver: sftp server: %v", err)
		return
	}
	if err := server.Serve(); err != nil && err != io.EOF {
		s.t.Logf("sshserver: sftp serve: %v", err)
	}
	server.Close()
}

func generateHostKey(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate host key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create signer: %v", err)
	}
	return signer
}
