package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"slimweb"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.AdminRequestsTotal.WithLabelValues("GET", "200", "/healthz").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "slimweb_admin_requests_total" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected slimweb_admin_requests_total in gathered metrics")
	}
}

func TestObserver_ConnectionLifecycle(t *testing.T) {
	m := New()
	srv := m.Observer(RoleServer)
	cli := m.Observer(RoleClient)

	srv.ConnOpened()
	srv.ConnOpened()
	cli.ConnOpened()

	if got := testutil.ToFloat64(m.ConnectionsOpen.WithLabelValues(RoleServer)); got != 2 {
		t.Errorf("server connections open = %v, want 2", got)
	}

	srv.Exchange(slimweb.MethodGet, 200, 20*time.Millisecond)
	srv.Exchange(slimweb.MethodGet, 200, 30*time.Millisecond)
	srv.Exchange(slimweb.Method("BREW"), 418, time.Millisecond)
	srv.ConnClosed(3)

	if got := testutil.ToFloat64(m.ConnectionsOpen.WithLabelValues(RoleServer)); got != 1 {
		t.Errorf("server connections open after close = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(RoleServer)); got != 2 {
		t.Errorf("server connections total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExchangesTotal.WithLabelValues(RoleServer, "GET", "200")); got != 2 {
		t.Errorf("GET 200 exchanges = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExchangesTotal.WithLabelValues(RoleServer, "other", "418")); got != 1 {
		t.Errorf("other 418 exchanges = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsOpen.WithLabelValues(RoleClient)); got != 1 {
		t.Errorf("client connections open = %v, want 1", got)
	}
}

func TestObserver_FailureKinds(t *testing.T) {
	m := New()
	o := m.Observer(RoleServer)

	o.Failure(&slimweb.Error{Op: "read", Kind: slimweb.ErrTimeout})
	o.Failure(&slimweb.Error{Op: "read", Kind: slimweb.ErrTimeout})
	o.Failure(&slimweb.Error{Op: "parse", Kind: slimweb.ErrAmbiguousFraming})

	tests := []struct {
		kind string
		want float64
	}{
		{"timeout", 2},
		{"ambiguous_framing", 1},
		{"malformed_chunk", 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got := testutil.ToFloat64(m.ProtocolErrors.WithLabelValues(RoleServer, tt.kind))
			if got != tt.want {
				t.Errorf("errors{kind=%q} = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"CONNECT", "CONNECT"},
		{"TRACE", "TRACE"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"X-CUSTOM", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/status", "/status"},
		{"/status?verbose=1", "/status"},
		{"/metrics", "/metrics"},
		{"/metrics/extra", "/metrics"},
		{"/unknown", "other"},
		{"/", "other"},
		{"/healthzz", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
