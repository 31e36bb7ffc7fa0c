package relay

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// RelayMode selects how the forwarder answers a resolved request.
type RelayMode int

const (
	// ModeRedirect answers with a 307 pointing at the target URL.
	ModeRedirect RelayMode = iota

	// ModeProxy streams the request to the target and relays the response.
	ModeProxy
)

// ParseRelayMode maps a mode name to a RelayMode. Anything but "proxy" is
// the default redirect mode.
func ParseRelayMode(s string) RelayMode {
	if strings.EqualFold(s, "proxy") {
		return ModeProxy
	}
	return ModeRedirect
}

func (m RelayMode) String() string {
	if m == ModeProxy {
		return "proxy"
	}
	return "redirect"
}

// Request headers describing the inbound transport rather than the payload.
// Everything else, including Host, passes through so the target can route on
// the original virtual host.
var skipRequestHeaders = map[string]struct{}{
	"transfer-encoding": {},
	"content-length":    {},
	"te":                {},
	"trailer":           {},
	"proxy-connection":  {},
	"keep-alive":        {},
}

// Response headers describing the outbound transport framing. The server
// writing the relayed response recomputes these.
var skipResponseHeaders = map[string]struct{}{
	"connection":        {},
	"transfer-encoding": {},
	"content-encoding":  {},
	"content-length":    {},
}

const upgradeHint = "Protocol upgrades (WebSocket, HTTP/2) are not supported in proxy mode. Please use redirect mode (set RELAY_MODE=redirect) for upgrade requests."

// ForwarderOptions contains tuning for the shared outbound client.
type ForwarderOptions struct {
	// Idle connections kept per target host, defaults to 100.
	MaxIdleConnsPerHost int

	// How long idle connections are kept, defaults to 90s.
	IdleConnTimeout time.Duration

	// Dial timeout for new outbound connections, defaults to 10s.
	ConnectTimeout time.Duration

	// Overall timeout per proxied request, defaults to 30s.
	RequestTimeout time.Duration

	TLSConfig *tls.Config
}

// Forwarder relays a resolved request to its target, either with a redirect
// or with a streaming proxy over a shared connection-pooled client.
type Forwarder struct {
	mode   RelayMode
	client *http.Client
}

// NewForwarder returns a new instance of Forwarder for the given mode.
func NewForwarder(mode RelayMode, opt ForwarderOptions) (*Forwarder, error) {
	if opt.MaxIdleConnsPerHost == 0 {
		opt.MaxIdleConnsPerHost = 100
	}
	if opt.IdleConnTimeout == 0 {
		opt.IdleConnTimeout = 90 * time.Second
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = 10 * time.Second
	}
	if opt.RequestTimeout == 0 {
		opt.RequestTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: opt.ConnectTimeout}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     opt.TLSConfig,
		MaxIdleConnsPerHost: opt.MaxIdleConnsPerHost,
		IdleConnTimeout:     opt.IdleConnTimeout,
	}
	// A custom tls.Config disables the automatic HTTP2 support in the HTTP
	// library. Turn it back on for this transport.
	if tr.TLSClientConfig != nil {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, err
		}
	}
	return &Forwarder{
		mode:   mode,
		client: &http.Client{Transport: tr, Timeout: opt.RequestTimeout},
	}, nil
}

// Mode returns the configured relay mode.
func (f *Forwarder) Mode() RelayMode {
	return f.mode
}

// Handle answers req according to the forwarder's mode. In redirect mode the
// request body is never read. The response has been written when Handle
// returns; the error reports the outcome for logging and metrics.
func (f *Forwarder) Handle(w http.ResponseWriter, req *http.Request, targetURL string) error {
	if f.mode == ModeProxy {
		return f.proxy(w, req, targetURL)
	}
	http.Redirect(w, req, targetURL, http.StatusTemporaryRedirect)
	return nil
}

func (f *Forwarder) proxy(w http.ResponseWriter, req *http.Request, targetURL string) error {
	if IsUpgradeRequest(req.Header) {
		http.Error(w, upgradeHint, http.StatusNotImplemented)
		return errf(ErrUnsupportedUpgrade, "upgrade requested for %s", req.Host)
	}

	// The request body streams through without buffering, uploads of any
	// size run in constant memory.
	out, err := http.NewRequestWithContext(req.Context(), mapMethod(req.Method), targetURL, req.Body)
	if err != nil {
		http.Error(w, "Failed to proxy request: "+err.Error(), http.StatusBadGateway)
		return errf(ErrProxyTransport, "building request for %s: %v", targetURL, err)
	}
	copyHeaders(out.Header, req.Header, skipRequestHeaders)
	// The target needs the original virtual host to route on its side.
	out.Host = req.Host

	resp, err := f.client.Do(out)
	if err != nil {
		http.Error(w, "Failed to proxy request: "+err.Error(), http.StatusBadGateway)
		return errf(ErrProxyTransport, "%s: %v", targetURL, err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header, skipResponseHeaders)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The response has started, there is nothing left to send the client.
		return errf(ErrProxyTransport, "streaming response from %s: %v", targetURL, err)
	}
	return nil
}

// IsUpgradeRequest reports whether the headers ask for a protocol upgrade
// (WebSocket, HTTP/2 over TCP).
func IsUpgradeRequest(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}

// Methods outside the standard set are relayed as GET rather than rejected.
func mapMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions, http.MethodPatch:
		return method
	}
	return http.MethodGet
}

func copyHeaders(dst, src http.Header, skip map[string]struct{}) {
	for key, values := range src {
		if _, ok := skip[strings.ToLower(key)]; ok {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
