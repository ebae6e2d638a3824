package groups

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

// diagnoseBudget bounds one host test end to end
const diagnoseBudget = 5 * time.Second

// TunnelCheck is the local half of a host test
type TunnelCheck struct {
	ProcessAlive  bool     `json:"processAlive"`
	PortListening bool     `json:"portListening"`
	ListenerPIDs  []int    `json:"listenerPids"`
	Socks5        bool     `json:"socks5"`
	Details       []string `json:"details"`
}

// HostTestResult is the outcome of POST /api/v1/host-configs/test-host
type HostTestResult struct {
	Host        string      `json:"host"`
	TestURL     string      `json:"testUrl"`
	ProxyAddr   string      `json:"proxyAddr"`
	ProxyPort   int         `json:"proxyPort"`
	StatusCode  int         `json:"statusCode,omitempty"`
	Output      string      `json:"output"`
	Error       bool        `json:"error"`
	Elapsed     string      `json:"elapsed"`
	TunnelCheck TunnelCheck `json:"tunnelCheck"`
}

// TestHost checks that the tunnel owning a host config is up and that host answers through it.
// Every check runs; a failing one is reported, not returned.
func (s *Service) TestHost(ctx context.Context, configID int64, host string) (*HostTestResult, error) {
	host = strings.TrimSpace(host)
	if configID <= 0 || host == "" {
		return nil, &ValidationError{Details: []string{"configId and host are required"}}
	}

	group, err := s.storage.Groups().FindByID(configID)
	if err != nil {
		return nil, err
	}
	svc, err := s.storage.Tunnels().FindByID(group.ProxyServiceID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	if svc.Status != models.StatusRunning {
		return nil, ErrServiceNotRunning
	}

	ctx, cancel := context.WithTimeout(ctx, diagnoseBudget)
	defer cancel()
	started := time.Now()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(svc.ProxyPort))
	res := &HostTestResult{
		Host:      host,
		TestURL:   "http://" + host,
		ProxyAddr: addr,
		ProxyPort: svc.ProxyPort,
	}
	check := &res.TunnelCheck

	if svc.HasProcess() {
		check.ProcessAlive = s.processes.IsProcessRunning(svc.ProcessID)
		state := "not running"
		if check.ProcessAlive {
			state = "running"
			if cmd := s.describe(ctx, svc.ProcessID); cmd != "" {
				state += ": " + cmd
			}
		}
		check.Details = append(check.Details, fmt.Sprintf("tunnel process (pid %d): %s", svc.ProcessID, state))
	} else {
		check.Details = append(check.Details, "tunnel process: none recorded")
	}

	if pids, err := s.listeners(ctx, svc.ProxyPort); err != nil {
		check.Details = append(check.Details, fmt.Sprintf("port %d listeners: check failed: %v", svc.ProxyPort, err))
	} else {
		check.ListenerPIDs = pids
		check.PortListening = len(pids) > 0
		if check.PortListening {
			check.Details = append(check.Details, fmt.Sprintf("port %d listening (pids %v)", svc.ProxyPort, pids))
		} else {
			check.Details = append(check.Details, fmt.Sprintf("port %d not listening", svc.ProxyPort))
		}
	}

	if err := socksHandshake(ctx, addr); err != nil {
		check.Details = append(check.Details, "SOCKS5 handshake: "+err.Error())
	} else {
		check.Socks5 = true
		check.Details = append(check.Details, "SOCKS5 handshake: ok")
	}

	status, err := headThrough(ctx, addr, res.TestURL)
	res.Elapsed = time.Since(started).Round(time.Millisecond).String()
	if err != nil {
		res.Error = true
		res.Output = err.Error()
		return res, nil
	}
	res.StatusCode = status
	res.Output = fmt.Sprintf("HEAD %s -> %d %s", res.TestURL, status, http.StatusText(status))
	return res, nil
}

// socksHandshake sends a no-auth greeting and expects the server to accept it
func socksHandshake(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return err
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		return fmt.Errorf("unexpected reply %#x %#x", reply[0], reply[1])
	}
	return nil
}

// headThrough issues an HTTP HEAD for url through the SOCKS5 proxy at addr
func headThrough(ctx context.Context, addr, url string) (int, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{})
	if err != nil {
		return 0, err
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return 0, fmt.Errorf("socks5 dialer does not support contexts")
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       contextDialer.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
