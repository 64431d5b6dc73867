// internal/network/proxy.go
package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

// Relay is a local, unauthenticated HTTP proxy that forwards every request
// and CONNECT tunnel to an authenticated upstream. Chrome is pointed at the
// relay because it cannot take proxy credentials on the command line.
type Relay struct {
	upstream Proxy
	listener net.Listener
	server   *http.Server
	logger   *zap.Logger
	done     chan error
}

// StartRelay listens on host (an ephemeral port) and serves in the background.
func StartRelay(upstream Proxy, host string, logger *zap.Logger) (*Relay, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	log := logger.Named("proxy_relay").With(zap.Stringer("upstream", upstream))

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.Logger = zap.NewStdLog(log)

	upstreamURL := upstream.URL()
	auth := proxyAuthorization(upstream)

	// Plain HTTP requests are forwarded by the transport, which sends the
	// credentials from the URL userinfo.
	proxy.Tr = &http.Transport{
		Proxy:                 http.ProxyURL(upstreamURL),
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	// HTTPS tunnels are opened with a CONNECT to the upstream.
	proxy.ConnectDial = proxy.NewConnectDialToProxyWithHandler("http://"+upstream.HostPort(), func(req *http.Request) {
		if auth != "" {
			req.Header.Set("Proxy-Authorization", auth)
		}
	})
	proxy.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		log.Debug("Tunneling through upstream.", zap.String("host", host))
		return goproxy.OkConnect, host
	})
	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp == nil && ctx.Req != nil {
			log.Warn("Upstream proxy failed.", zap.String("host", ctx.Req.Host), zap.Error(ctx.Error))
			return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, "upstream proxy failed")
		}
		return resp
	})

	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for proxy relay: %w", err)
	}

	r := &Relay{
		upstream: upstream,
		listener: listener,
		server: &http.Server{
			Handler:           proxy,
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          zap.NewStdLog(log.Named("http_server")),
		},
		logger: log,
		done:   make(chan error, 1),
	}
	go func() {
		err := r.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		r.done <- err
	}()
	log.Info("Proxy relay started.", zap.String("address", listener.Addr().String()))
	return r, nil
}

// Addr is the relay's listen address.
func (r *Relay) Addr() string { return r.listener.Addr().String() }

// URL is the relay address as a proxy URL.
func (r *Relay) URL() string { return "http://" + r.Addr() }

// Close stops the relay and waits for the server loop to exit.
func (r *Relay) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := r.server.Shutdown(ctx)
	if shutdownErr != nil {
		_ = r.server.Close()
	}
	serveErr := <-r.done
	r.logger.Info("Proxy relay stopped.")
	return errors.Join(shutdownErr, serveErr)
}

func proxyAuthorization(p Proxy) string {
	if !p.HasAuth() {
		return ""
	}
	creds := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
	return "Basic " + creds
}
