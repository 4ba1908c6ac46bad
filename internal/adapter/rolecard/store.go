// Package rolecard loads declarative role cards from a directory of JSON or
// YAML documents and serves them by normalized handle.
package rolecard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"switchboard/internal/domain"
)

// maxCardFileSize is the maximum allowed role card file size (1 MiB).
const maxCardFileSize = 1 << 20

// Store is a read-mostly cache of role cards keyed by normalized handle.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cards map[string]domain.RoleCard
}

// NewStore creates a role card store reading from dir. Call Load before use.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		cards:  make(map[string]domain.RoleCard),
	}
}

// Load reads every .json, .yaml and .yml file in the store directory.
// Invalid documents are skipped and reported in the joined error; valid
// cards are still cached so a single broken file cannot hide the rest.
func (s *Store) Load(_ context.Context) ([]domain.RoleCard, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read role card dir %s: %w", s.dir, err)
	}

	loaded := make(map[string]domain.RoleCard)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isCardFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		card, err := ParseFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := NormalizeHandle(card.Handle)
		if prev, exists := loaded[key]; exists {
			errs = append(errs, fmt.Errorf("duplicate role card %q in %s (already defined in %s)", card.Handle, path, prev.Source))
			continue
		}
		loaded[key] = card
	}

	s.mu.Lock()
	s.cards = loaded
	s.mu.Unlock()

	s.logger.Info("role cards loaded", "dir", s.dir, "count", len(loaded), "errors", len(errs))
	return s.List(), errors.Join(errs...)
}

// Get returns a copy of the card for handle. Lookup is insensitive to case,
// underscores versus hyphens and surrounding whitespace.
func (s *Store) Get(handle string) (*domain.RoleCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, ok := s.cards[NormalizeHandle(handle)]
	if !ok {
		return nil, domain.NewDomainError("RoleCardStore.Get", domain.ErrRoleCardNotFound, handle)
	}
	out := card.Clone()
	return &out, nil
}

// List returns every loaded card ordered by handle.
func (s *Store) List() []domain.RoleCard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.cards))
	for k := range s.cards {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	result := make([]domain.RoleCard, 0, len(keys))
	for _, k := range keys {
		result = append(result, s.cards[k].Clone())
	}
	return result
}

// NormalizeHandle lowercases h, maps underscores to hyphens and collapses
// runs of whitespace into a single hyphen.
func NormalizeHandle(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "_", "-")
	return strings.Join(strings.Fields(h), "-")
}

func isCardFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
