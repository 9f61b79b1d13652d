package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// The upstream sits behind Cloudflare bot mitigation that fingerprints the
// TLS ClientHello. A stock Go handshake gets challenged, so every session
// dials with a Chrome hello via utls, matching the browser headers the
// session sends.

type chromeConn struct{ *utls.UConn }

func (c *chromeConn) ConnectionState() tls.ConnectionState {
	cs := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version: cs.Version, HandshakeComplete: cs.HandshakeComplete,
		DidResume: cs.DidResume, CipherSuite: cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol, ServerName: cs.ServerName,
		PeerCertificates: cs.PeerCertificates, VerifiedChains: cs.VerifiedChains,
	}
}

// socksProxyURL returns the SOCKS_PROXY env var parsed as a URL, with any
// trailing #remark stripped. Format: socks5://[user[:pass]@]host[:port][#remark]
func socksProxyURL() *url.URL {
	raw := os.Getenv("SOCKS_PROXY")
	if raw == "" {
		return nil
	}
	if idx := strings.Index(raw, "#"); idx >= 0 {
		raw = raw[:idx]
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

// chromeDialer creates TLS connections with a Chrome fingerprint, optionally
// through a SOCKS proxy.
type chromeDialer struct {
	dialer   *net.Dialer
	proxyURL *url.URL
}

func newChromeDialer() *chromeDialer {
	return &chromeDialer{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		proxyURL: socksProxyURL(),
	}
}

func (d *chromeDialer) dialRaw(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL == nil {
		return d.dialer.DialContext(ctx, network, addr)
	}
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		auth = &proxy.Auth{User: d.proxyURL.User.Username()}
		if pass, ok := d.proxyURL.User.Password(); ok {
			auth.Password = pass
		}
	}
	socks, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, d.dialer)
	if err != nil {
		return nil, fmt.Errorf("socks proxy: %w", err)
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return socks.Dial(network, addr)
}

func (d *chromeDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(host, "443")
	}

	rawConn, err := d.dialRaw(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	config := &utls.Config{ServerName: host}
	uConn := utls.UClient(rawConn, config, utls.HelloChrome_Auto)
	if err := uConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return &chromeConn{UConn: uConn}, nil
}

// newChromeTransport creates an http.Transport with a Chrome TLS fingerprint.
func newChromeTransport() *http.Transport {
	dialer := newChromeDialer()
	t := &http.Transport{
		DialContext:           dialer.dialRaw,
		DialTLSContext:        dialer.DialTLSContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		// HTTP/1.1 still works against the upstream.
		t.ForceAttemptHTTP2 = false
	}
	return t
}

