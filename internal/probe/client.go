package probe

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig controls the dedicated HTTP client shared by the probes.
type ClientConfig struct {
	// Timeout bounds one request end to end. 0 means no client-side limit.
	Timeout time.Duration
	// DisableKeepAlives forces a fresh connection per measurement so connection
	// reuse does not flatter the numbers.
	DisableKeepAlives bool
}

// NewHTTPClient builds an isolated client. Proxy settings come from the environment.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	dialTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		capTo := cfg.Timeout / 2
		if capTo < dialTimeout {
			dialTimeout = capTo
		}
		if dialTimeout < 2*time.Second {
			dialTimeout = 2 * time.Second
		}
	}

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     true,
		// Byte counting must see the wire size, not a transparently decompressed body.
		DisableCompression: true,
	}
	return &http.Client{Transport: tr, Timeout: cfg.Timeout}
}
