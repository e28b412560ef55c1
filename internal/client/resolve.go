package client

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Address families accepted by Resolve.
const (
	FamilyIPv6 = "ip6"
	FamilyIPv4 = "ip4"
	FamilyAny  = "ip"
)

// Resolve looks host up with the system resolver and returns the first
// address of the requested family.
func Resolve(ctx context.Context, host, family string) (net.IP, error) {
	switch family {
	case "":
		family = FamilyIPv6
	case FamilyIPv6, FamilyIPv4, FamilyAny:
	default:
		return nil, fmt.Errorf("resolve %s: unknown address family %q", host, family)
	}
	if ip := net.ParseIP(host); ip != nil {
		if matchesFamily(ip, family) {
			return ip, nil
		}
		return nil, fmt.Errorf("resolve %s: not an %s address", host, family)
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, family, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no %s address", host, family)
	}
	return ips[0], nil
}

func matchesFamily(ip net.IP, family string) bool {
	switch family {
	case FamilyIPv4:
		return ip.To4() != nil
	case FamilyIPv6:
		return ip.To4() == nil
	}
	return true
}

// Dial resolves host and opens a TCP connection to it.
func Dial(ctx context.Context, host, port, family string, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)
	ip, err := Resolve(ctx, host, family)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	addr = net.JoinHostPort(ip.String(), port)
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return conn, nil
}
