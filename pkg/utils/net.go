package utils

import (
	"fmt"
	"net"
	"strings"
)

func GetLocalIPs(onlyIPv4 bool) ([]string, error) {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}

		ip := ipnet.IP
		if ip4 := ip.To4(); ip4 != nil {
			ips = append(ips, ip4.String())
			continue
		}
		if !onlyIPv4 && ip.To16() != nil {
			ips = append(ips, ip.String())
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no non-loopback interface addresses found")
	}
	return ips, nil
}

// PrimaryIPv4 returns the first non-loopback IPv4 address, or fallback when there is none
func PrimaryIPv4(fallback string) string {
	ips, err := GetLocalIPs(true)
	if err != nil || len(ips) == 0 {
		return fallback
	}
	return ips[0]
}

// HostWithoutPort strips a trailing :port from a Host header value. IPv6 literals keep their brackets off.
func HostWithoutPort(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	// X-Forwarded-Host may carry a list
	if i := strings.Index(hostport, ","); i >= 0 {
		hostport = strings.TrimSpace(hostport[:i])
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}

// IsLoopbackHost reports whether host names the local machine
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
