package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCheckConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "linkroute.toml")
	body := `[api.http]
enabled = true

[account.acc.no_match]
mode = "system_browser"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"--config-file", path, "--check-config"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "backend=memory") || !strings.Contains(stdout.String(), "seeded_accounts=1") {
		t.Fatalf("unexpected summary %q", stdout.String())
	}
}

func TestRunRejectsMissingSource(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "--config-file") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}
