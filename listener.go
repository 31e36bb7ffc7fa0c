package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Metric label for the challenge path, the token is collapsed into one label.
const challengePath = "/.well-known/acme-challenge/*"

// RelayListener is the HTTP server answering ACME HTTP-01 challenge requests
// on behalf of the applications behind the gateway.
type RelayListener struct {
	*http.Server

	addr      string
	resolver  *Resolver
	forwarder *Forwarder
	metrics   Metrics
	collector *Collector
	access    *AccessLog
}

// RelayListenerOptions contains options used by the relay HTTP server.
type RelayListenerOptions struct {
	// Collector backing the /metrics endpoint. When nil, observations are
	// discarded and /metrics serves an empty exposition.
	Collector *Collector

	// Optional per-request access log.
	AccessLog *AccessLog
}

// NewRelayListener returns an instance of a relay HTTP listener.
func NewRelayListener(addr string, resolver *Resolver, forwarder *Forwarder, opt RelayListenerOptions) *RelayListener {
	l := &RelayListener{
		Server:    &http.Server{Addr: addr},
		addr:      addr,
		resolver:  resolver,
		forwarder: forwarder,
		metrics:   NopMetrics{},
		collector: opt.Collector,
		access:    opt.AccessLog,
	}
	if opt.Collector != nil {
		l.metrics = opt.Collector
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/acme-challenge/", l.challengeHandler)
	mux.HandleFunc("/health", l.healthHandler)
	mux.HandleFunc("/metrics", l.metricsHandler)
	mux.HandleFunc("/", l.rootHandler)
	l.Handler = mux
	return l
}

// Start the relay server. Blocks until the server fails or is stopped.
func (s *RelayListener) Start() error {
	Log.WithField("addr", s.addr).Info("starting listener")
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Stop the server.
func (s *RelayListener) Stop() error {
	Log.WithField("addr", s.addr).Info("stopping listener")
	return s.Shutdown(context.Background())
}

func (s *RelayListener) String() string {
	return fmt.Sprintf("Relay(%s)", s.addr)
}

// challengeHandler relays ACME HTTP-01 challenge requests to the application
// the requested domain belongs to.
func (s *RelayListener) challengeHandler(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	hostname := requestHost(req)
	path := req.URL.Path

	logger(hostname).WithField("path", path).Info("received ACME challenge request")
	s.metrics.IncRequest(req.Method, challengePath, http.StatusOK)

	target, err := s.resolver.ResolveAppURL(req.Context(), hostname, path)
	if err != nil {
		logger(hostname).WithError(err).Error("failed to resolve app URL")
		s.metrics.IncDNSLookup("combined", "failure")
		s.metrics.IncRedirect("failure")
		s.record(req, hostname, "failure", "")
		http.Error(w, fmt.Sprintf("Failed to resolve DNS records for %s: %v", hostname, err), http.StatusBadGateway)
		return
	}
	s.metrics.IncDNSLookup("combined", "success")
	s.metrics.ObserveDuration(req.Method, challengePath, time.Since(start).Seconds())

	if err := s.forwarder.Handle(w, req, target); err != nil {
		logger(hostname).WithError(err).Error("failed to relay request")
		s.metrics.IncRedirect("failure")
		s.record(req, hostname, "failure", target)
		return
	}
	s.metrics.IncRedirect("success")
	s.record(req, hostname, "success", target)
}

// healthHandler reports the relay's own health, unless the requested Host is
// a managed application domain, in which case the request is relayed there.
func (s *RelayListener) healthHandler(w http.ResponseWriter, req *http.Request) {
	hostname := requestHost(req)
	s.metrics.IncRequest(req.Method, "/health", http.StatusOK)

	if s.resolver.IsManagedDomain(req.Context(), hostname) {
		logger(hostname).Debug("relaying health request to backend")
		s.relayToBackend(w, req, hostname, "/health")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// metricsHandler serves the relay's own metrics, unless the requested Host
// is a managed application domain, in which case the request is relayed.
func (s *RelayListener) metricsHandler(w http.ResponseWriter, req *http.Request) {
	hostname := requestHost(req)
	s.metrics.IncRequest(req.Method, "/metrics", http.StatusOK)

	if s.resolver.IsManagedDomain(req.Context(), hostname) {
		logger(hostname).Debug("relaying metrics request to backend")
		s.relayToBackend(w, req, hostname, "/metrics")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.collector != nil {
		s.collector.WritePrometheus(w)
	}
}

func (s *RelayListener) rootHandler(w http.ResponseWriter, req *http.Request) {
	s.metrics.IncRequest(req.Method, "/", http.StatusOK)
	fmt.Fprintf(w, rootInfo, s.forwarder.Mode())
}

func (s *RelayListener) relayToBackend(w http.ResponseWriter, req *http.Request, hostname, path string) {
	target, err := s.resolver.ResolveAppURL(req.Context(), hostname, path)
	if err != nil {
		logger(hostname).WithError(err).Error("failed to resolve app URL")
		http.Error(w, fmt.Sprintf("Failed to resolve DNS records for %s: %v", hostname, err), http.StatusBadGateway)
		return
	}
	if err := s.forwarder.Handle(w, req, target); err != nil {
		logger(hostname).WithError(err).Error("failed to relay request")
	}
}

func (s *RelayListener) record(req *http.Request, hostname, outcome, target string) {
	if s.access == nil {
		return
	}
	s.access.Record(req.Method, hostname, req.URL.Path, outcome, target)
}

// The Host header may carry a port when the relay runs on a non-standard one.
func requestHost(req *http.Request) string {
	if host, _, err := net.SplitHostPort(req.Host); err == nil {
		return host
	}
	return req.Host
}

const rootInfo = `dstack HTTP-01 ACME Challenge Relay

This server relays ACME HTTP-01 challenges to dstack applications.

Current Mode: %s

Endpoints:
- /.well-known/acme-challenge/{token} - ACME challenge endpoint
- /metrics - Prometheus metrics
- /health - Health check

How it works:
1. The CA requests http://{custom-domain}/.well-known/acme-challenge/{token}
2. This server looks up DNS records:
   - TXT _dstack-app-address.{custom-domain} -> {app-id}:{port}
   - CNAME {custom-domain} -> _.{gateway-base-domain}
3. In redirect mode it returns a 307 to https://{app-id}.{gateway-base-domain}{path}
   In proxy mode it streams the request to that URL and relays the response
4. The ACME client behind the gateway answers the challenge

Status: Running
`
