// internal/network/pool.go
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrPoolEmpty is returned when a pool file lists no proxies.
var ErrPoolEmpty = errors.New("proxy pool is empty")

// Port accepts both numeric and string ports in the pool file.
type Port int

// UnmarshalJSON implements json.Unmarshaler.
func (p *Port) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid proxy port %q: %w", data, err)
	}
	*p = Port(n)
	return nil
}

// Proxy is one upstream HTTP proxy.
type Proxy struct {
	IP       string `json:"ip"`
	Port     Port   `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HostPort returns "ip:port".
func (p Proxy) HostPort() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
}

// HasAuth reports whether the upstream needs credentials, which Chrome cannot
// take from a command-line flag.
func (p Proxy) HasAuth() bool { return p.Username != "" }

// URL returns the proxy URL including credentials.
func (p Proxy) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.HostPort()}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (p Proxy) String() string { return p.HostPort() }

type poolFile struct {
	Data []Proxy `json:"data"`
}

// Pool hands out upstream proxies one session at a time.
type Pool struct {
	logger *zap.Logger
	free   chan Proxy
	size   int
}

// ParsePool decodes the `{"data": [...]}` pool document.
func ParsePool(data []byte, logger *zap.Logger) (*Pool, error) {
	var f poolFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse proxy pool: %w", err)
	}
	if len(f.Data) == 0 {
		return nil, ErrPoolEmpty
	}
	p := &Pool{
		logger: logger.Named("proxy_pool"),
		free:   make(chan Proxy, len(f.Data)),
		size:   len(f.Data),
	}
	for _, proxy := range f.Data {
		if proxy.IP == "" || proxy.Port <= 0 {
			return nil, fmt.Errorf("proxy pool entry %q is incomplete", proxy.HostPort())
		}
		p.free <- proxy
	}
	return p, nil
}

// LoadPool reads a pool file from disk.
func LoadPool(path string, logger *zap.Logger) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy pool %s: %w", path, err)
	}
	return ParsePool(data, logger)
}

// Size is the number of proxies the pool was created with.
func (p *Pool) Size() int { return p.size }

// Available is the number of proxies not currently checked out.
func (p *Pool) Available() int { return len(p.free) }

// Acquire checks out a proxy, waiting until one is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (Proxy, error) {
	select {
	case proxy := <-p.free:
		p.logger.Debug("Proxy checked out.", zap.Stringer("proxy", proxy), zap.Int("available", len(p.free)))
		return proxy, nil
	default:
	}
	p.logger.Info("All proxies in use, waiting for one to be returned.")
	select {
	case proxy := <-p.free:
		return proxy, nil
	case <-ctx.Done():
		return Proxy{}, ctx.Err()
	}
}

// Release returns a proxy to the pool.
func (p *Pool) Release(proxy Proxy) {
	select {
	case p.free <- proxy:
	default:
		p.logger.Warn("Proxy returned to a full pool, dropping it.", zap.Stringer("proxy", proxy))
	}
}

// Lease is a proxy checked out for one browser session, plus the local relay
// in front of it when the upstream needs credentials.
type Lease struct {
	Proxy Proxy
	// Server is the value for Chrome's --proxy-server flag.
	Server string

	pool   *Pool
	relay  *Relay
	once   sync.Once
	logger *zap.Logger
}

// Lease checks out a proxy and, for authenticated upstreams, starts a relay
// listening on relayHost.
func (p *Pool) Lease(ctx context.Context, relayHost string) (*Lease, error) {
	proxy, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	lease := &Lease{Proxy: proxy, Server: "http://" + proxy.HostPort(), pool: p, logger: p.logger}
	if proxy.HasAuth() {
		relay, err := StartRelay(proxy, relayHost, p.logger)
		if err != nil {
			p.Release(proxy)
			return nil, err
		}
		lease.relay = relay
		lease.Server = relay.URL()
	}
	return lease, nil
}

// Release stops the relay and returns the proxy. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.relay != nil {
			if err := l.relay.Close(); err != nil {
				l.logger.Warn("Failed to close proxy relay.", zap.Error(err))
			}
		}
		l.pool.Release(l.Proxy)
	})
}
