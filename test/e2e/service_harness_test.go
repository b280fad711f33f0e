package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"linkroute/internal/app"
	"linkroute/internal/clock"
	"linkroute/internal/config"
	"linkroute/test/testutil"
)

// newServiceFromConfig writes TOML body and creates Service from it.
// Params: test handle and config body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "linkroute.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background and stops it at test cleanup.
// Params: test handle and initialized service.
// Returns: base HTTP URL of the running service.
func runService(t *testing.T, service *app.Service) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case runErr := <-done:
			if runErr != nil {
				t.Errorf("service run error: %v", runErr)
			}
		case <-time.After(8 * time.Second):
			t.Errorf("service did not stop after cancel")
		}
	})

	baseURL := "http://" + service.HTTPAddr()
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
	return baseURL
}

// waitFor polls condition until it holds or timeout expires.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// callJSON sends one JSON request and decodes JSON response when out is non-nil.
// Params: method, URL, request body, and optional decode target.
// Returns: HTTP status code.
func callJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode < 300 {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return response.StatusCode
}

// startLocalNATSServer starts a local JetStream NATS process for e2e tests.
func startLocalNATSServer(tb testing.TB) string {
	tb.Helper()
	url, _ := testutil.StartLocalNATSServer(tb)
	return url
}

func accountRulesURL(baseURL, accountID string) string {
	return fmt.Sprintf("%s/v1/rules?account_id=%s", baseURL, accountID)
}
