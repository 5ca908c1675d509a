package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// Store is the subset of storage the catalog seeds into
type Store interface {
	UpsertAssessment(ctx context.Context, a *models.Assessment) error
}

// Loader reads assessment definitions from YAML files
type Loader struct {
	mu          sync.RWMutex
	assessments map[string]*models.Assessment
}

// catalogFile is the on-disk layout. A file holds either a list under
// "assessments" or a single assessment at the top level.
type catalogFile struct {
	Assessments []models.Assessment `yaml:"assessments"`
}

// NewLoader creates an empty catalog loader
func NewLoader() *Loader {
	return &Loader{
		assessments: make(map[string]*models.Assessment),
	}
}

// LoadFromDir loads every *.yaml / *.yml file in dir and its direct subdirectories.
// Invalid files are logged and skipped.
func (l *Loader) LoadFromDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("catalog directory unavailable: %w", err)
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*/*.yaml", "*/*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("bad catalog pattern %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	loaded := 0
	for _, file := range files {
		n, err := l.LoadFromFile(file)
		if err != nil {
			slog.Warn("failed to load catalog file", "file", file, "error", err)
			continue
		}
		loaded += n
	}

	slog.Info("catalog loaded", "dir", dir, "assessments", loaded, "files", len(files))
	return nil
}

// LoadFromFile parses one catalog file and returns how many assessments it added
func (l *Loader) LoadFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse YAML: %w", err)
	}

	entries := file.Assessments
	if len(entries) == 0 {
		var single models.Assessment
		if err := yaml.Unmarshal(data, &single); err != nil {
			return 0, fmt.Errorf("failed to parse YAML: %w", err)
		}
		entries = []models.Assessment{single}
	}

	for i := range entries {
		if err := validate(&entries[i]); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	l.mu.Lock()
	for i := range entries {
		a := entries[i]
		l.assessments[a.ID] = &a
	}
	l.mu.Unlock()

	return len(entries), nil
}

func validate(a *models.Assessment) error {
	if a.ID == "" {
		return fmt.Errorf("assessment id is required")
	}
	if a.DurationMinutes <= 0 {
		return fmt.Errorf("assessment %s: duration_minutes must be positive", a.ID)
	}
	if a.Title == "" {
		a.Title = a.ID
	}
	return nil
}

// Get returns a loaded assessment by id
func (l *Loader) Get(id string) *models.Assessment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assessments[id]
}

// List returns all loaded assessments ordered by id
func (l *Loader) List() []*models.Assessment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.Assessment, 0, len(l.assessments))
	for _, a := range l.assessments {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Sync upserts every loaded assessment into the store. Submissions copy the
// duration at start, so refreshing a definition never moves a live expiry.
func (l *Loader) Sync(ctx context.Context, store Store) error {
	for _, a := range l.List() {
		if err := store.UpsertAssessment(ctx, a); err != nil {
			return fmt.Errorf("failed to sync assessment %s: %w", a.ID, err)
		}
	}
	return nil
}
