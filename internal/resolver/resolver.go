// Package resolver resolves "host:port" strings to dialable addresses: a
// literal socket address is used as-is, otherwise a small pool of public
// DNS servers is tried before falling back to the OS resolver.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"
)

// publicServers is consulted, in order, before the system resolver is used
// as a last resort.
var publicServers = []string{
	"1.1.1.1:53",
	"8.8.8.8:53",
	"9.9.9.9:53",
}

const dnsTimeout = 5 * time.Second

// Resolver resolves host:port strings for dialing. It is safe for
// concurrent use by multiple goroutines; it holds no mutable state.
type Resolver struct {
	servers []string
}

// New returns a Resolver consulting the bundled public DNS server list.
func New() *Resolver {
	return &Resolver{servers: publicServers}
}

// Resolve returns the first dialable net.TCPAddr-equivalent string for
// hostport. If hostport's host is already a literal IP address, it is
// returned unchanged without touching the network.
func (r *Resolver) Resolve(ctx context.Context, hostport string) (string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", fmt.Errorf("resolver: split host:port: %w", err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return hostport, nil
	}

	for _, server := range r.servers {
		addr, err := r.resolveVia(ctx, server, host)
		if err == nil {
			return net.JoinHostPort(addr, port), nil
		}
	}

	addr, err := r.resolveSystem(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolver: resolve %q: %w", host, err)
	}
	return net.JoinHostPort(addr, port), nil
}

func (r *Resolver) resolveVia(ctx context.Context, server, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	res := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: dnsTimeout}
			return d.DialContext(ctx, network, server)
		},
	}
	ips, err := res.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("resolver: lookup %q via %s: %w", host, server, err)
	}
	return ips[0], nil
}

func (r *Resolver) resolveSystem(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("system lookup %q: %w", host, err)
	}
	return ips[0], nil
}

// ResolveBlocking is the variant for callers outside any request path
// (e.g. a one-shot CLI tool's main goroutine). Request-handling goroutines
// should call Resolve with their own context instead, so a slow or hung
// DNS server is bounded by the caller's deadline rather than this
// function's fixed one.
func (r *Resolver) ResolveBlocking(hostport string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = dnsTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Resolve(ctx, hostport)
}
