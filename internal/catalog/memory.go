// Package catalog provides directory catalog repositories.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// MemoryRepository is an in-memory catalog, optionally seeded from a JSON
// file. Suitable for development and tests; the production deployment uses
// the Postgres repository.
type MemoryRepository struct {
	mu          sync.RWMutex
	directories map[string]pipeline.DirectoryRecord
}

// seedFile matches the canonical catalog export shape.
type seedFile struct {
	Directories []pipeline.DirectoryRecord `json:"directories"`
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{directories: make(map[string]pipeline.DirectoryRecord)}
}

// NewMemoryRepositoryFromFile loads the catalog from a JSON seed file.
func NewMemoryRepositoryFromFile(path string) (*MemoryRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}
	repo := NewMemoryRepository()
	for _, d := range seed.Directories {
		repo.Put(d)
	}
	return repo, nil
}

// Put inserts or replaces a directory record.
func (r *MemoryRepository) Put(d pipeline.DirectoryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.DiscoveryMethod == "" {
		d.DiscoveryMethod = pipeline.DiscoveryCatalog
	}
	r.directories[d.ID] = d
}

// GetDirectory fetches a record by ID.
func (r *MemoryRepository) GetDirectory(_ context.Context, id string) (pipeline.DirectoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.directories[id]
	if !ok {
		return pipeline.DirectoryRecord{}, fmt.Errorf("directory %q not found", id)
	}
	return d, nil
}

// ListDirectories returns records matching the criteria, ordered by ID for
// deterministic output. Ranking is the discovery engine's job, not the
// catalog's.
func (r *MemoryRepository) ListDirectories(_ context.Context, criteria pipeline.DiscoveryCriteria) ([]pipeline.DirectoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]pipeline.DirectoryRecord, 0, len(r.directories))
	for _, d := range r.directories {
		if !matches(d, criteria) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matches(d pipeline.DirectoryRecord, c pipeline.DiscoveryCriteria) bool {
	if c.MinDomainAuthority > 0 && d.DomainAuthority < c.MinDomainAuthority {
		return false
	}
	if c.Industry != "" {
		industry := strings.ToLower(c.Industry)
		category := strings.ToLower(d.Category)
		if category != industry && !strings.Contains(category, industry) && category != "general-directory" {
			return false
		}
	}
	return true
}
