package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"linkroute/internal/config"
	"linkroute/internal/domain"
	"linkroute/internal/logging"
	"linkroute/internal/state"
)

func loadTestConfig(t *testing.T, body string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkroute.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadSnapshot(config.ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func startService(t *testing.T, cfg config.Config) (*Service, func()) {
	t.Helper()
	service, err := newServiceWithLogger(cfg, logging.Discard(), testNow)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	waitReady(t, "http://"+service.HTTPAddr()+cfg.API.HTTP.ReadyPath)
	return service, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
	}
}

func waitReady(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		response, err := http.Get(url)
		if err == nil {
			_ = response.Body.Close()
			if response.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("service did not become ready at %s", url)
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	response, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return response
}

func TestServiceHTTPLifecycleWithSeeds(t *testing.T) {
	t.Parallel()

	cfg := loadTestConfig(t, `[api.http]
enabled = true
listen = "127.0.0.1:0"

[account.acc.no_match]
mode = "service_window"
target = "svc2"

[[account.acc.domain]]
pattern = "https://example.com/app/"
mode = "service_running_tab"
target = "svc1"
`)
	service, stop := startService(t, cfg)
	defer stop()
	base := "http://" + service.HTTPAddr()

	response := postJSON(t, base+"/v1/resolve", `{"target_url":"https://example.com/app/page","account_id":"acc"}`)
	defer response.Body.Close()
	if response.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
	var outcome domain.Outcome
	if err := json.NewDecoder(response.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !outcome.IsDecided() || outcome.Decision.Target != "svc1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	remember := postJSON(t, base+"/v1/remember", `{"account_id":"acc","scope":"domain","mode":"system_browser","pattern":"example.com"}`)
	_ = remember.Body.Close()
	if remember.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", remember.StatusCode)
	}

	rules, err := http.Get(base + "/v1/rules?account_id=acc")
	if err != nil {
		t.Fatalf("get rules: %v", err)
	}
	defer rules.Body.Close()
	var set domain.AccountRuleSet
	if err := json.NewDecoder(rules.Body).Decode(&set); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if len(set.DomainRules) != 2 || set.DomainRules[0].Pattern != "https://example.com/app/" {
		t.Fatalf("unexpected rules %+v", set.DomainRules)
	}

	health, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	body, _ := io.ReadAll(health.Body)
	_ = health.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("unexpected health body %q", body)
	}
}

func TestServiceSQLiteBackendSurvivesRestart(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "rules.db")
	cfg := loadTestConfig(t, `[api.http]
enabled = true
listen = "127.0.0.1:0"

[store]
backend = "sqlite"
path = "`+filepath.ToSlash(dbPath)+`"

[account.acc.no_match]
mode = "system_browser"
`)

	service, stop := startService(t, cfg)
	response := postJSON(t, "http://"+service.HTTPAddr()+"/v1/remember",
		`{"account_id":"acc","scope":"account","mode":"app_window"}`)
	_ = response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.StatusCode)
	}
	stop()

	restarted, stopRestarted := startService(t, cfg)
	defer stopRestarted()
	set := restarted.Router().Rules("acc")
	if set.NoMatchRule == nil || set.NoMatchRule.Mode != domain.ModeAppWindow {
		t.Fatalf("remembered rule must survive restart and win over seed: %+v", set.NoMatchRule)
	}
	if set.Version != 2 {
		t.Fatalf("unexpected version after restart %d", set.Version)
	}
}

func TestBuildBackendSelectsImplementation(t *testing.T) {
	t.Parallel()

	backend, err := buildBackend(config.Config{Store: config.StoreConfig{Backend: config.StoreBackendMemory}}, logging.Discard())
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := backend.(*state.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", backend)
	}

	backend, err = buildBackend(config.Config{Store: config.StoreConfig{
		Backend: config.StoreBackendSQLite,
		Path:    filepath.Join(t.TempDir(), "x.db"),
	}}, logging.Discard())
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*state.SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", backend)
	}
}
