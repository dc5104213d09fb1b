// Package hook instruments HTTP server construction.
//
// A Hook sits in front of the plain and TLS server factories. While a variant
// is installed, every server it builds routes its traffic through the
// interceptor. Servers that already exist are never changed.
package hook

import (
	"crypto/tls"
	"net/http"
	"sync"
)

// PlainFactory builds an unencrypted server.
type PlainFactory func(addr string, handler http.Handler) *http.Server

// TLSFactory builds a server that will serve over TLS.
type TLSFactory func(addr string, handler http.Handler, cfg *tls.Config) *http.Server

// Middleware wraps a handler. *interceptor.Interceptor satisfies it.
type Middleware interface {
	Wrap(next http.Handler) http.Handler
}

// DefaultServer is the stock plain factory.
func DefaultServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler}
}

// DefaultTLSServer is the stock TLS factory.
func DefaultTLSServer(addr string, handler http.Handler, cfg *tls.Config) *http.Server {
	return &http.Server{Addr: addr, Handler: handler, TLSConfig: cfg}
}

// Option configures a Hook.
type Option func(*Hook)

// WithPlainFactory replaces the plain factory the hook delegates to.
func WithPlainFactory(f PlainFactory) Option {
	return func(h *Hook) {
		if f != nil {
			h.plain = f
		}
	}
}

// WithTLSFactory replaces the TLS factory the hook delegates to.
func WithTLSFactory(f TLSFactory) Option {
	return func(h *Hook) {
		if f != nil {
			h.tls = f
		}
	}
}

// Hook decides, per server variant, whether new servers are instrumented.
type Hook struct {
	mw    Middleware
	plain PlainFactory
	tls   TLSFactory

	mu             sync.RWMutex
	plainInstalled bool
	tlsInstalled   bool
}

// New creates an uninstalled Hook around mw.
func New(mw Middleware, opts ...Option) *Hook {
	h := &Hook{
		mw:    mw,
		plain: DefaultServer,
		tls:   DefaultTLSServer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Install instruments both variants. It reports false when both were
// already installed; the interceptor is never applied twice.
func (h *Hook) Install() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	changed := !h.plainInstalled || !h.tlsInstalled
	h.plainInstalled = true
	h.tlsInstalled = true
	return changed
}

// UninstallPlain restores the original plain factory behavior.
func (h *Hook) UninstallPlain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plainInstalled = false
}

// UninstallTLS restores the original TLS factory behavior.
func (h *Hook) UninstallTLS() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tlsInstalled = false
}

// Installed reports which variants are currently instrumented.
func (h *Hook) Installed() (plain, tls bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.plainInstalled, h.tlsInstalled
}

// NewServer builds a plain server, instrumented if the plain variant is installed.
func (h *Hook) NewServer(addr string, handler http.Handler) *http.Server {
	plain, _ := h.Installed()
	if plain {
		handler = h.mw.Wrap(handler)
	}
	return h.plain(addr, handler)
}

// NewTLSServer builds a TLS server, instrumented if the TLS variant is installed.
func (h *Hook) NewTLSServer(addr string, handler http.Handler, cfg *tls.Config) *http.Server {
	_, tlsOn := h.Installed()
	if tlsOn {
		handler = h.mw.Wrap(handler)
	}
	return h.tls(addr, handler, cfg)
}
