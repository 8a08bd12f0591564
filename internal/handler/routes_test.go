package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"slimweb"
	"slimweb/client"
	"slimweb/codec"
	"slimweb/deadline"
	"slimweb/internal/config"
	"slimweb/internal/metrics"
	"slimweb/internal/service"
	"slimweb/internal/upstream"
	"slimweb/server"
)

func loadConfig(t *testing.T, data string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(&config.CLI{Config: path})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func serveEngine(t *testing.T, s *server.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func startBackend(t *testing.T) string {
	t.Helper()
	m := server.NewMux()
	m.HandleFunc(slimweb.MethodGet, "/items", func(req *slimweb.Request) (*slimweb.Response, error) {
		resp, err := codec.JSONResponse(200, map[string]string{
			"via":  req.Header.Get("Via"),
			"xff":  req.Header.Get("X-Forwarded-For"),
			"host": req.Header.Get("Host"),
		})
		if err != nil {
			return nil, err
		}
		_ = resp.Header.Set("X-Backend", "1")
		return resp, nil
	})
	m.HandleFunc(slimweb.MethodPost, "/upload", func(req *slimweb.Request) (*slimweb.Response, error) {
		b, err := slimweb.ReadAll(req.Body, 1<<20)
		if err != nil {
			return nil, err
		}
		return slimweb.Text(201, "stored "+string(b)), nil
	})
	return serveEngine(t, &server.Server{Handler: m})
}

// newEngine wires the engine routes the way the serve command does.
func newEngine(t *testing.T, cfg *config.Config, m *metrics.Metrics) string {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	var forward *ForwardHandler
	if cfg.Forward.Enabled {
		up, err := upstream.NewClient(cfg, logger, m)
		if err != nil {
			t.Fatalf("upstream.NewClient: %v", err)
		}
		t.Cleanup(func() { up.Close() })
		svc, err := service.NewForwardService(up, cfg, logger)
		if err != nil {
			t.Fatalf("NewForwardService: %v", err)
		}
		forward = NewForwardHandler(svc, logger)
	}

	mux := server.NewMux()
	RegisterEngineRoutes(mux, NewEngineHandlers(cfg, logger), forward, cfg)

	ec := cfg.Engine()
	ec.Observer = m.Observer(metrics.RoleServer)
	return serveEngine(t, &server.Server{Handler: mux, Config: ec})
}

func send(t *testing.T, c *client.Client, method slimweb.Method, url string, body io.Reader) (*slimweb.Response, string) {
	t.Helper()
	req, err := client.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Send(ctx, req, deadline.Budget{})
	if err != nil {
		t.Fatalf("Send %s %s: %v", method, url, err)
	}
	defer resp.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func TestRegisterEngineRoutes_Builtin(t *testing.T) {
	cfg := loadConfig(t, "[server]\ncompression = true\n")
	base := newEngine(t, cfg, metrics.New())
	c := client.New(client.Options{})
	defer c.Close()

	tests := []struct {
		name       string
		method     slimweb.Method
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"healthz", slimweb.MethodGet, "/healthz", "", 200, "ok\n"},
		{"echo post", slimweb.MethodPost, "/echo", "ping", 200, "ping"},
		{"echo put", slimweb.MethodPut, "/echo", "pong", 200, "pong"},
		{"echo wrong method", slimweb.MethodGet, "/echo", "", 405, "method not allowed\n"},
		{"unknown path", slimweb.MethodGet, "/nowhere", "", 404, "not found\n"},
		{"forward disabled", slimweb.MethodGet, "/upstream/items", "", 404, "not found\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			resp, got := send(t, c, tt.method, base+tt.path, body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestRegisterEngineRoutes_Inspect(t *testing.T) {
	cfg := loadConfig(t, "# defaults\n")
	base := newEngine(t, cfg, metrics.New())
	c := client.New(client.Options{})
	defer c.Close()

	resp, body := send(t, c, slimweb.MethodPost, base+"/inspect?b=2&a=1", strings.NewReader("12345"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got inspection
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
	if got.Method != "POST" || got.Path != "/inspect" || got.Version != "HTTP/1.1" {
		t.Errorf("method, path, version = %s %s %s", got.Method, got.Path, got.Version)
	}
	if got.BodyBytes != 5 || got.ContentLength != 5 {
		t.Errorf("body_bytes, content_length = %d, %d, want 5, 5", got.BodyBytes, got.ContentLength)
	}
	if q := got.Query; len(q["a"]) != 1 || q["a"][0] != "1" || q["b"][0] != "2" {
		t.Errorf("query = %v, want a=1 b=2", q)
	}
	if got.Headers[0].Name != "Host" {
		t.Errorf("first header = %q, want Host in arrival order", got.Headers[0].Name)
	}
}

func TestRegisterEngineRoutes_Forward(t *testing.T) {
	backend := startBackend(t)
	cfg := loadConfig(t, "[forward]\nenabled = true\nbase_url = \""+backend+"\"\nprefix = \"/api/\"\n")
	m := metrics.New()
	base := newEngine(t, cfg, m)
	c := client.New(client.Options{})
	defer c.Close()

	resp, body := send(t, c, slimweb.MethodGet, base+"/api/items", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("GET /api/items status = %d, want 200; body %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Backend"); got != "1" {
		t.Errorf("X-Backend = %q, want relayed %q", got, "1")
	}
	var seen map[string]string
	if err := json.Unmarshal([]byte(body), &seen); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
	if seen["via"] != "1.1 slimweb" || seen["xff"] != "127.0.0.1" {
		t.Errorf("backend saw via=%q xff=%q", seen["via"], seen["xff"])
	}
	if want := strings.TrimPrefix(backend, "http://"); seen["host"] != want {
		t.Errorf("backend saw Host %q, want %q", seen["host"], want)
	}

	resp, body = send(t, c, slimweb.MethodPost, base+"/api/upload", strings.NewReader("blob"))
	if resp.StatusCode != 201 || body != "stored blob" {
		t.Errorf("POST /api/upload = %d %q, want 201 %q", resp.StatusCode, body, "stored blob")
	}

	resp, _ = send(t, c, slimweb.MethodGet, base+"/api/missing", nil)
	if resp.StatusCode != 404 {
		t.Errorf("GET /api/missing status = %d, want backend 404 relayed", resp.StatusCode)
	}
}

func TestForwardHandler_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := "http://" + ln.Addr().String()
	ln.Close()

	cfg := loadConfig(t, "[forward]\nenabled = true\nbase_url = \""+dead+"\"\n")
	base := newEngine(t, cfg, metrics.New())
	c := client.New(client.Options{})
	defer c.Close()

	resp, body := send(t, c, slimweb.MethodGet, base+"/upstream/anything", nil)
	if resp.StatusCode != 502 {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(body, "upstream") {
		t.Errorf("body = %q, want an upstream error message", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
}

func TestRegisterAdminRoutes(t *testing.T) {
	cfg := loadConfig(t, "[metrics]\nenabled = true\npath = \"/prom\"\n")
	m := metrics.New()
	m.Observer(metrics.RoleServer).ConnOpened()

	e := echo.New()
	RegisterAdminRoutes(e, cfg, NewHealthHandler(cfg, nil, "test"), m)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"healthz", "/healthz", http.StatusOK, `"ok"`},
		{"status", "/status", http.StatusOK, `"version":"test"`},
		{"metrics", "/prom", http.StatusOK, "slimweb_connections_open"},
		{"default metrics path unused", "/metrics", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q: %q", tt.wantBody, rec.Body.String())
			}
		})
	}
}
