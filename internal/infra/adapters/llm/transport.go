package llm

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// clientPool shares one *http.Client per connect timeout. The connect
// timeout lives on the dialer and TLS handshake; the read timeout is a
// per-attempt context deadline, so the clients themselves have no Timeout.
type clientPool struct {
	mu      sync.Mutex
	clients map[time.Duration]*http.Client
	base    http.RoundTripper // tests may inject
}

func newClientPool() *clientPool {
	return &clientPool{clients: make(map[time.Duration]*http.Client)}
}

func (p *clientPool) get(connect time.Duration) *http.Client {
	if connect <= 0 {
		connect = 10 * time.Second
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[connect]; ok {
		return c
	}
	rt := p.base
	if rt == nil {
		rt = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connect,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connect,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	c := &http.Client{Transport: rt}
	p.clients[connect] = c
	return c
}
