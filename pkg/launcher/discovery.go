package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jrepp/procvisor/pkg/procmgr"
)

// Registry maintains a collection of worker manifests
type Registry struct {
	mu        sync.RWMutex
	workers   map[string]*Manifest // worker name -> manifest
	directory string               // root directory for worker discovery
	logger    *slog.Logger
}

// NewRegistry creates a new worker registry. A nil logger uses slog.Default().
func NewRegistry(directory string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers:   make(map[string]*Manifest),
		directory: directory,
		logger:    logger,
	}
}

// Discover scans the workers directory and loads every <dir>/manifest.yaml
func (r *Registry) Discover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("discovering workers", "directory", r.directory)

	// Check if directory exists
	if _, err := os.Stat(r.directory); err != nil {
		return fmt.Errorf("workers directory not found: %s: %w", r.directory, err)
	}

	// Read directory entries
	entries, err := os.ReadDir(r.directory)
	if err != nil {
		return fmt.Errorf("read workers directory: %w", err)
	}

	discovered := 0
	failed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(r.directory, entry.Name(), ManifestFile)

		if _, err := os.Stat(manifestPath); err != nil {
			r.logger.Debug("directory has no manifest, skipping", "directory", entry.Name())
			continue
		}

		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			r.logger.Warn("failed to load manifest", "directory", entry.Name(), "error", err)
			failed++
			continue
		}

		if existing, ok := r.workers[manifest.Name]; ok {
			r.logger.Warn("duplicate worker name, skipping",
				"worker", manifest.Name,
				"manifest", manifestPath,
				"first", existing.ManifestPath())
			failed++
			continue
		}

		r.workers[manifest.Name] = manifest
		discovered++

		r.logger.Info("discovered worker",
			"worker", manifest.Name,
			"executable", manifest.ExecutablePath(),
			"replicas", manifest.Replicas)
	}

	r.logger.Info("worker discovery complete", "discovered", discovered, "failed", failed)

	if discovered == 0 {
		return fmt.Errorf("no workers discovered in directory: %s", r.directory)
	}

	return nil
}

// Add registers a manifest that did not come from disk (e.g. inline config)
func (r *Registry) Add(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("worker %q: %w", m.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[m.Name]; ok {
		return fmt.Errorf("duplicate worker name: %s", m.Name)
	}
	r.workers[m.Name] = m
	return nil
}

// ListWorkers returns all registered manifests sorted by name
func (r *Registry) ListWorkers() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]*Manifest, 0, len(r.workers))
	for _, manifest := range r.workers {
		workers = append(workers, manifest)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Name < workers[j].Name
	})

	return workers
}

// Count returns the number of registered workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.workers)
}

// Descriptors returns the worker descriptors for every manifest, ordered by
// worker name then replica.
func (r *Registry) Descriptors() []procmgr.Descriptor {
	var out []procmgr.Descriptor
	for _, m := range r.ListWorkers() {
		out = append(out, m.Descriptors()...)
	}
	return out
}
