package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"linkroute/internal/domain"
)

func sampleSet(accountID string, version uint64) domain.AccountRuleSet {
	created := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	return domain.AccountRuleSet{
		AccountID: accountID,
		Version:   version,
		DomainRules: []domain.DomainRule{
			{Pattern: "https://example.com/app/", Mode: domain.ModeServiceRunningTab, Target: "svc1", CreatedAt: created},
			{Pattern: "example.com", Mode: domain.ModeSystemBrowser, CreatedAt: created},
		},
		NoMatchRule: &domain.NoMatchRule{Mode: domain.ModeServiceWindow, Target: "svc2", CreatedAt: created},
		UpdatedAt:   created,
	}
}

// exerciseBackend checks the shared Backend contract.
func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := backend.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := backend.LoadAll(ctx)
	if err != nil || len(all) != 0 {
		t.Fatalf("expected empty backend, got %d sets err=%v", len(all), err)
	}

	if err := backend.Save(ctx, sampleSet("b-acc", 1)); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := backend.Save(ctx, sampleSet("a-acc", 1)); err != nil {
		t.Fatalf("save a: %v", err)
	}
	updated := sampleSet("b-acc", 2)
	updated.DomainRules = updated.DomainRules[1:]
	if err := backend.Save(ctx, updated); err != nil {
		t.Fatalf("save b v2: %v", err)
	}
	if err := backend.Save(ctx, sampleSet("b-acc", 2)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second write of version 2 must conflict, got %v", err)
	}
	if err := backend.Save(ctx, sampleSet("a-acc", 1)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second create must conflict, got %v", err)
	}
	if err := backend.Save(ctx, sampleSet("a-acc", 5)); !errors.Is(err, ErrConflict) {
		t.Fatalf("version gap must conflict, got %v", err)
	}

	loaded, err := backend.Load(ctx, "b-acc")
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if loaded.Version != 2 || len(loaded.DomainRules) != 1 || loaded.DomainRules[0].Pattern != "example.com" {
		t.Fatalf("unexpected loaded set %+v", loaded)
	}
	if loaded.NoMatchRule == nil || loaded.NoMatchRule.Target != "svc2" {
		t.Fatalf("no-match rule lost: %+v", loaded.NoMatchRule)
	}
	if !loaded.UpdatedAt.Equal(updated.UpdatedAt) {
		t.Fatalf("updated_at mismatch: %s", loaded.UpdatedAt)
	}

	all, err = backend.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(all))
	}
	seen := map[string]uint64{}
	for _, set := range all {
		seen[set.AccountID] = set.Version
	}
	if seen["a-acc"] != 1 || seen["b-acc"] != 2 {
		t.Fatalf("unexpected versions %+v", seen)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()
	exerciseBackend(t, store)
}

func TestMemoryStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStore()
	if err := store.Save(ctx, sampleSet("acc", 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if _, err := store.Load(context.Background(), "acc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("canceled save must not store, got %v", err)
	}
}

func TestSQLiteStoreContract(t *testing.T) {
	t.Parallel()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rules.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	exerciseBackend(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "rules.db")
	store, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Save(context.Background(), sampleSet("acc", 3)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()
	set, err := reopened.Load(context.Background(), "acc")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if set.Version != 3 || len(set.DomainRules) != 2 {
		t.Fatalf("unexpected set after reopen %+v", set)
	}
}

func TestKeyForAccount(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"personal":         true,
		"work.team-1":      true,
		"user@example.com": false,
		"b64_spoof":        false,
		"":                 false,
		"with space":       false,
	}
	for id, plain := range cases {
		key := KeyForAccount(id)
		if plain && key != id {
			t.Fatalf("expected %q kept as key, got %q", id, key)
		}
		if !plain && key == id {
			t.Fatalf("expected %q to be encoded", id)
		}
		if !validKVKey.MatchString(key) {
			t.Fatalf("key %q for %q is not a valid kv key", key, id)
		}
	}
}
