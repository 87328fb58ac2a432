package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "registry.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "ml", "testdata", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return data
}

func TestRegisterActivateLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	artifact, meta := readFixture(t, "model.json"), readFixture(t, "meta.json")

	if _, err := store.Active(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before activation, got %v", err)
	}

	rec, err := store.Register(ctx, "2024-06-a", artifact, meta, "first cut")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.Threshold != 0.34 || rec.Active {
		t.Errorf("record = %+v", rec)
	}
	if _, err := store.Register(ctx, "2024-06-b", artifact, meta, ""); err != nil {
		t.Fatalf("Register second: %v", err)
	}

	if err := store.Activate(ctx, "2024-06-a"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := store.Activate(ctx, "2024-06-b"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	active, err := store.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.Version != "2024-06-b" || len(active.Artifact) == 0 {
		t.Errorf("active = %s", active.Version)
	}

	bundle, err := store.LoadBundle(ctx, "")
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if bundle.Version() != "2024-06-b" || bundle.Metadata.Threshold != 0.34 {
		t.Errorf("bundle version=%s threshold=%v", bundle.Version(), bundle.Metadata.Threshold)
	}

	pinned, err := store.LoadBundle(ctx, "2024-06-a")
	if err != nil {
		t.Fatalf("LoadBundle pinned: %v", err)
	}
	if pinned.Version() != "2024-06-a" {
		t.Errorf("pinned version = %s", pinned.Version())
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Version != "2024-06-b" || !list[0].Active || list[1].Active {
		t.Errorf("list = %+v", list)
	}
	if list[1].Notes != "first cut" || list[1].CreatedAt.IsZero() {
		t.Errorf("list[1] = %+v", list[1])
	}
}

func TestRegisterRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	artifact, meta := readFixture(t, "model.json"), readFixture(t, "meta.json")

	if _, err := store.Register(ctx, "", artifact, meta, ""); err == nil {
		t.Error("expected error for empty version")
	}
	if _, err := store.Register(ctx, "bad", []byte(`{}`), meta, ""); err == nil {
		t.Error("expected error for artifact without terms")
	}
	if _, err := store.Register(ctx, "v1", artifact, meta, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := store.Register(ctx, "v1", artifact, meta, ""); !errors.Is(err, ErrVersionExists) {
		t.Errorf("expected ErrVersionExists, got %v", err)
	}
	if err := store.Activate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.LoadBundle(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
