package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/terra-clan/assessment-engine/internal/storage"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "backend.yaml", `
assessments:
  - id: go-backend
    title: Go backend engineer
    duration_minutes: 120
    question_count: 12
  - id: sql-screen
    duration_minutes: 30
    allow_retake: true
`)
	writeFile(t, dir, "generated/auto-1.yml", `
id: auto-1
title: Generated screen
duration_minutes: 45
auto_created: true
`)
	writeFile(t, dir, "broken.yaml", `
id: no-duration
title: Missing duration
`)

	loader := NewLoader()
	if err := loader.LoadFromDir(dir); err != nil {
		t.Fatalf("LoadFromDir failed: %v", err)
	}

	if n := len(loader.List()); n != 3 {
		t.Fatalf("expected 3 assessments, got %d", n)
	}

	backend := loader.Get("go-backend")
	if backend == nil {
		t.Fatal("go-backend not loaded")
	}
	if backend.DurationMinutes != 120 || backend.QuestionCount != 12 {
		t.Errorf("unexpected go-backend fields: %+v", backend)
	}

	sql := loader.Get("sql-screen")
	if sql == nil || !sql.AllowRetake {
		t.Fatalf("sql-screen should allow retakes: %+v", sql)
	}
	if sql.Title != "sql-screen" {
		t.Errorf("expected title to default to id, got %q", sql.Title)
	}

	auto := loader.Get("auto-1")
	if auto == nil || !auto.AutoCreated {
		t.Fatalf("auto-1 should be auto created: %+v", auto)
	}

	if loader.Get("no-duration") != nil {
		t.Error("assessment without duration must be rejected")
	}
}

func TestLoadFromDirMissing(t *testing.T) {
	if err := NewLoader().LoadFromDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestSync(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", "id: one\nduration_minutes: 60\n")

	loader := NewLoader()
	if err := loader.LoadFromDir(dir); err != nil {
		t.Fatal(err)
	}

	repo := storage.NewMemoryRepository()
	if err := loader.Sync(context.Background(), repo); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	a, err := repo.GetAssessment(context.Background(), "one")
	if err != nil || a == nil {
		t.Fatalf("assessment not synced: %v", err)
	}
	if a.DurationMinutes != 60 {
		t.Errorf("expected 60 minutes, got %d", a.DurationMinutes)
	}
	if a.CreatedAt.IsZero() {
		t.Error("expected created_at to be stamped")
	}
}
