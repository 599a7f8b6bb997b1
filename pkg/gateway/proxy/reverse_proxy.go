// Package proxy forwards authorized requests to the protected upstream. It is
// the continuation the authorization middleware hands allowed requests to.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/theroutercompany/oidc_router/pkg/gateway/problem"
	pkglog "github.com/theroutercompany/oidc_router/pkg/log"
)

// HeaderUpstream names the upstream a request was routed to.
const HeaderUpstream = "X-Router-Upstream"

const defaultFlushInterval = 200 * time.Millisecond

// TLSConfig represents TLS settings applied to upstream requests.
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	CAFile             string
	ClientCertFile     string
	ClientKeyFile      string
}

// Options configure the reverse proxy.
type Options struct {
	Target   string
	Upstream string
	TLS      TLSConfig
	Logger   pkglog.Logger
	// FlushInterval controls streaming flushes; zero selects the default and a
	// negative value flushes after every write.
	FlushInterval time.Duration
}

// New constructs a reverse proxy handler for the given upstream.
func New(opts Options) (http.Handler, error) {
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be an absolute http(s) url", opts.Target)
	}

	logger := opts.Logger
	if logger == nil {
		logger = pkglog.Shared()
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.FlushInterval = opts.FlushInterval
	if proxy.FlushInterval == 0 {
		proxy.FlushInterval = defaultFlushInterval
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 10,
	}
	if opts.TLS.Enabled || target.Scheme == "https" {
		tlsCfg, err := buildTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}
	proxy.Transport = &grpcAwareTransport{base: transport, h2c: buildH2CTransport(target)}

	originalDirector := proxy.Director
	proxy.Director = func(r *http.Request) {
		originalDirector(r)
		r.Host = target.Host
		if opts.Upstream != "" {
			r.Header.Set(HeaderUpstream, opts.Upstream)
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			logger.Infow("client cancelled proxied request", "upstream", opts.Upstream, "path", r.URL.Path)
		} else {
			logger.Errorw("proxy upstream failure", "error", err, "upstream", opts.Upstream, "url", r.URL.String())
		}
		detail := fmt.Sprintf("Failed to reach %s upstream", opts.Upstream)
		problem.Write(w, http.StatusBadGateway, "Upstream Unavailable", detail, r.Header.Get("X-Trace-Id"), r.URL.Path)
	}

	return proxy, nil
}

func buildH2CTransport(target *url.URL) *http2.Transport {
	if target == nil || target.Scheme != "http" {
		return nil
	}

	return &http2.Transport{
		AllowHTTP: true,
		DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.Dial(network, addr)
		},
	}
}

// grpcAwareTransport sends gRPC over cleartext HTTP/2 to plain-http upstreams
// and everything else over the regular transport.
type grpcAwareTransport struct {
	base *http.Transport
	h2c  *http2.Transport
}

func (t *grpcAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.shouldUseH2C(req) {
		h2cReq := req.Clone(req.Context())
		h2cReq.RequestURI = ""
		for _, key := range []string{"Connection", "Proxy-Connection", "Upgrade", "Keep-Alive", "Transfer-Encoding"} {
			h2cReq.Header.Del(key)
		}
		h2cReq.Proto, h2cReq.ProtoMajor, h2cReq.ProtoMinor = "HTTP/2.0", 2, 0
		return t.h2c.RoundTrip(h2cReq)
	}
	return t.base.RoundTrip(req)
}

func (t *grpcAwareTransport) shouldUseH2C(req *http.Request) bool {
	if t.h2c == nil || req == nil || req.URL == nil || req.URL.Scheme != "http" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(req.Header.Get("Content-Type")), "application/grpc")
}

func (t *grpcAwareTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
	if t.h2c != nil {
		t.h2c.CloseIdleConnections()
	}
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %q: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse CA bundle %q: %w", cfg.CAFile, errInvalidPEM)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		if cfg.ClientCertFile == "" || cfg.ClientKeyFile == "" {
			return nil, errors.New("client certificate and key must both be provided")
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

var errInvalidPEM = errors.New("invalid PEM block")
