package hook

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trafficmeter/trafficmeter/internal/interceptor"
	"github.com/trafficmeter/trafficmeter/internal/metrics"
	"github.com/trafficmeter/trafficmeter/internal/testutil"
)

type okHandler struct {
	calls int
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls++
	w.WriteHeader(http.StatusOK)
}

func newTestHook(opts ...Option) (*Hook, *metrics.Collector) {
	collector := metrics.NewCollector()
	ic := interceptor.New(collector, testutil.DiscardLogger())
	return New(ic, opts...), collector
}

func serve(h http.Handler) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestHook_NotInstalledByDefault(t *testing.T) {
	h, collector := newTestHook()

	plain, tlsOn := h.Installed()
	if plain || tlsOn {
		t.Fatalf("Installed() = %v, %v, want false, false", plain, tlsOn)
	}

	handler := &okHandler{}
	srv := h.NewServer(":0", handler)
	if srv.Handler != http.Handler(handler) {
		t.Error("uninstalled hook should leave the handler untouched")
	}
	serve(srv.Handler)
	if got := collector.Current().Requests; got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
}

func TestHook_InstallInstrumentsBothVariants(t *testing.T) {
	h, collector := newTestHook()

	if !h.Install() {
		t.Fatal("first Install() should report a change")
	}

	plainSrv := h.NewServer(":0", &okHandler{})
	tlsSrv := h.NewTLSServer(":0", &okHandler{}, &tls.Config{MinVersion: tls.VersionTLS12})

	serve(plainSrv.Handler)
	serve(tlsSrv.Handler)

	if got := collector.Current().Requests; got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	if tlsSrv.TLSConfig == nil || tlsSrv.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Error("TLS config should be passed through to the server")
	}
}

func TestHook_InstallIdempotent(t *testing.T) {
	h, collector := newTestHook()

	h.Install()
	if h.Install() {
		t.Error("second Install() should report no change")
	}

	serve(h.NewServer(":0", &okHandler{}).Handler)

	if got := collector.Current().Requests; got != 1 {
		t.Errorf("requests = %d, want 1 (no double counting)", got)
	}
}

func TestHook_UninstallRestoresOriginal(t *testing.T) {
	h, collector := newTestHook()
	h.Install()

	before := h.NewServer(":0", &okHandler{})

	h.UninstallPlain()

	handler := &okHandler{}
	after := h.NewServer(":0", handler)
	if after.Handler != http.Handler(handler) {
		t.Error("server built after uninstall should carry the original handler")
	}
	serve(after.Handler)
	if got := collector.Current().Requests; got != 0 {
		t.Errorf("requests after uninstall = %d, want 0", got)
	}

	// Servers built while installed stay instrumented.
	serve(before.Handler)
	if got := collector.Current().Requests; got != 1 {
		t.Errorf("requests from pre-uninstall server = %d, want 1", got)
	}
}

func TestHook_UninstallVariantsIndependent(t *testing.T) {
	h, collector := newTestHook()
	h.Install()
	h.UninstallTLS()

	plain, tlsOn := h.Installed()
	if !plain || tlsOn {
		t.Fatalf("Installed() = %v, %v, want true, false", plain, tlsOn)
	}

	handler := &okHandler{}
	if srv := h.NewTLSServer(":0", handler, nil); srv.Handler != http.Handler(handler) {
		t.Error("TLS server should not be instrumented after UninstallTLS")
	}
	serve(h.NewServer(":0", &okHandler{}).Handler)
	if got := collector.Current().Requests; got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}

	if !h.Install() {
		t.Error("Install() after partial uninstall should report a change")
	}
	if _, tlsOn := h.Installed(); !tlsOn {
		t.Error("TLS should be installed again")
	}
}

func TestHook_CustomFactories(t *testing.T) {
	var plainCalls, tlsCalls int
	h, _ := newTestHook(
		WithPlainFactory(func(addr string, handler http.Handler) *http.Server {
			plainCalls++
			return &http.Server{Addr: "plain" + addr, Handler: handler}
		}),
		WithTLSFactory(func(addr string, handler http.Handler, cfg *tls.Config) *http.Server {
			tlsCalls++
			return &http.Server{Addr: "tls" + addr, Handler: handler, TLSConfig: cfg}
		}),
	)
	h.Install()

	if srv := h.NewServer(":1", &okHandler{}); srv.Addr != "plain:1" {
		t.Errorf("Addr = %q, want plain:1", srv.Addr)
	}
	if srv := h.NewTLSServer(":2", &okHandler{}, nil); srv.Addr != "tls:2" {
		t.Errorf("Addr = %q, want tls:2", srv.Addr)
	}
	if plainCalls != 1 || tlsCalls != 1 {
		t.Errorf("factory calls = %d, %d, want 1, 1", plainCalls, tlsCalls)
	}
}
