package httpclient

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default returns an HTTP client with timeouts so that dead upstreams don't hang a caller
// forever. DoWithRetry falls back to it when given a nil client.
func Default() *http.Client {
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: baseTransport(30 * time.Second),
	}
}

// ForStreaming returns a client with no overall timeout (stream may be long-lived) but
// ResponseHeaderTimeout so that failover can happen when the upstream never responds.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: baseTransport(90 * time.Second),
	}
}

// ForAppliance returns a short-timeout client for appliance calls (spec §5:
// "3-10s per call depending on operation"). Callers set a tighter
// context deadline per-operation; this is the outer backstop.
func ForAppliance() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: baseTransport(10 * time.Second),
	}
}

// ForCloud returns a client for the vendor guide/rule cloud endpoint. HTTP/2
// is configured explicitly (rather than relying on implicit negotiation)
// since the cloud plane is the one component in this module that benefits
// from multiplexed request reuse across guide/rule/harvest calls.
func ForCloud() *http.Client {
	t := baseTransport(20 * time.Second)
	if err := http2.ConfigureTransport(t); err != nil {
		// http2 support is best-effort; fall back to HTTP/1.1 silently.
		return &http.Client{Timeout: 30 * time.Second, Transport: t}
	}
	return &http.Client{Timeout: 30 * time.Second, Transport: t}
}

func baseTransport(idle time.Duration) *http.Transport {
	return &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       idle,
	}
}
