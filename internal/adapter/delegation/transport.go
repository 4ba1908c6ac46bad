package delegation

import (
	"net"
	"net/http"
	"time"

	"switchboard/internal/infra/config"
)

// Default pool settings: a handful of agent hosts, moderate concurrency.
const (
	defaultMaxIdleConns        = 50
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 32
	defaultIdleConnTimeout     = 90 * time.Second
	defaultConnTimeout         = 10 * time.Second
)

// NewPooledTransport builds an http.Transport with connection pooling for
// outbound agent traffic. Response deadlines come from request contexts.
func NewPooledTransport(connTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        orDefault(pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost: orDefault(pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:     orDefault(pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:     orDefault(pool.IdleConnTimeout, defaultIdleConnTimeout),
		ForceAttemptHTTP2:   true,
	}
}

// NewHTTPClient returns a pooled client without an overall timeout; every
// caller bounds its own request with a context deadline.
func NewHTTPClient(cfg config.RoutingConfig) *http.Client {
	return &http.Client{Transport: NewPooledTransport(cfg.ConnTimeout, cfg.Pool)}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
