package relay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// bodySpy fails the test if the request body is ever read.
type bodySpy struct {
	t *testing.T
}

func (b *bodySpy) Read([]byte) (int, error) {
	b.t.Fatal("request body must not be read in redirect mode")
	return 0, io.EOF
}

func TestForwarderRedirect(t *testing.T) {
	f, err := NewForwarder(ModeRedirect, ForwarderOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "http://custom.org/.well-known/acme-challenge/tok", &bodySpy{t})
	w := httptest.NewRecorder()
	require.NoError(t, f.Handle(w, req, "https://app1.prod.example.com/.well-known/acme-challenge/tok"))

	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	require.Equal(t, "https://app1.prod.example.com/.well-known/acme-challenge/tok", w.Header().Get("Location"))
}

func TestForwarderProxyHeaders(t *testing.T) {
	var seen http.Header
	var seenHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenHost = r.Host
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Encoding", "identity")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "brewed")
	}))
	defer upstream.Close()

	f, err := NewForwarder(ModeProxy, ForwarderOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "http://custom.org/x", strings.NewReader("hello"))
	req.Header.Set("X-Custom", "value")
	req.Header.Set("Cookie", "session=abc")
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Trailer", "X-Checksum")

	w := httptest.NewRecorder()
	require.NoError(t, f.Handle(w, req, upstream.URL+"/x"))

	// Payload headers pass through, transport headers do not.
	require.Equal(t, "value", seen.Get("X-Custom"))
	require.Equal(t, "session=abc", seen.Get("Cookie"))
	require.Equal(t, "Bearer tok", seen.Get("Authorization"))
	require.Empty(t, seen.Get("Keep-Alive"))
	require.Empty(t, seen.Get("Proxy-Connection"))
	require.Empty(t, seen.Get("Te"))
	require.Empty(t, seen.Get("Trailer"))

	// The target sees the original virtual host.
	require.Equal(t, "custom.org", seenHost)

	// Status and payload are relayed, transport framing headers are not.
	require.Equal(t, http.StatusTeapot, w.Code)
	require.Equal(t, "brewed", w.Body.String())
	require.Equal(t, "yes", w.Header().Get("X-Upstream"))
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Empty(t, w.Header().Get("Content-Length"))
}

func TestForwarderProxyStreamsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Write(body)
	}))
	defer upstream.Close()

	f, err := NewForwarder(ModeProxy, ForwarderOptions{})
	require.NoError(t, err)

	payload := strings.Repeat("x", 1<<20)
	req := httptest.NewRequest("PUT", "http://custom.org/up", strings.NewReader(payload))
	w := httptest.NewRecorder()
	require.NoError(t, f.Handle(w, req, upstream.URL+"/up"))
	require.Equal(t, payload, w.Body.String())
}

func TestForwarderProxyUpgrade(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	f, err := NewForwarder(ModeProxy, ForwarderOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://custom.org/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()

	err = f.Handle(w, req, upstream.URL+"/ws")
	require.ErrorIs(t, err, ErrUnsupportedUpgrade)
	require.Equal(t, http.StatusNotImplemented, w.Code)
	require.False(t, called, "no outbound call may be made for upgrade requests")
}

func TestForwarderRedirectIgnoresUpgrade(t *testing.T) {
	f, err := NewForwarder(ModeRedirect, ForwarderOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://custom.org/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	w := httptest.NewRecorder()
	require.NoError(t, f.Handle(w, req, "https://app1.prod.example.com/ws"))
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
}

func TestForwarderMethodMapping(t *testing.T) {
	var method string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	defer upstream.Close()

	f, err := NewForwarder(ModeProxy, ForwarderOptions{})
	require.NoError(t, err)

	for in, want := range map[string]string{
		"DELETE":   "DELETE",
		"PATCH":    "PATCH",
		"PROPFIND": "GET",
	} {
		req := httptest.NewRequest(in, "http://custom.org/m", nil)
		w := httptest.NewRecorder()
		require.NoError(t, f.Handle(w, req, upstream.URL+"/m"))
		require.Equal(t, want, method)
	}
}

func TestForwarderProxyTransportError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	f, err := NewForwarder(ModeProxy, ForwarderOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://custom.org/x", nil)
	w := httptest.NewRecorder()
	err = f.Handle(w, req, target+"/x")
	require.ErrorIs(t, err, ErrProxyTransport)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "Failed to proxy request")
}

func TestParseRelayMode(t *testing.T) {
	require.Equal(t, ModeProxy, ParseRelayMode("proxy"))
	require.Equal(t, ModeProxy, ParseRelayMode("Proxy"))
	require.Equal(t, ModeRedirect, ParseRelayMode("redirect"))
	require.Equal(t, ModeRedirect, ParseRelayMode(""))
	require.Equal(t, ModeRedirect, ParseRelayMode("bogus"))
}
