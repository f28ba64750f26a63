package net

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrNoAddress = errors.New("no usable IPv4 address")

// ListenTCP listens on host:port. With port 0 a free port is picked by the kernel and
// returned.
func ListenTCP(host string, port int) (net.Listener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, fmt.Errorf("resolving %s:%d: %w", host, port, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

// ExternalIPv4 returns the first IPv4 address of an interface that is up and not a
// loopback.
func ExternalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String(), nil
			}
		}
	}
	return "", ErrNoAddress
}

// AdvertiseHost picks the host clients should dial for a socket bound to listenHost.
// Wildcard binds advertise the external address, falling back to loopback.
func AdvertiseHost(listenHost string) string {
	ip := net.ParseIP(listenHost)
	if listenHost != "" && (ip == nil || !ip.IsUnspecified()) {
		return listenHost
	}
	if ext, err := ExternalIPv4(); err == nil {
		return ext
	}
	return "127.0.0.1"
}
