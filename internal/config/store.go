// Package config implements the local configuration store (spec.md §4.3,
// component C3): hot-reloading YAML with transparent field encryption for
// `password`/`secret` leaves, and asset-scoped option resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// HeaderFile is written to a freshly created configuration file, matching
// original_source/libprobe/probe.py's HEADER_FILE.
const HeaderFile = `# WARNING: InfraSonar will make ` + "`password`" + ` and ` + "`secret`" + ` values unreadable but
# this must not be regarded as true encryption as the encryption key is
# publicly available.
#
# Example configuration for a collector probe:
#
#  myprobe:
#    config:
#      username: alice
#      password: "secret password"
#    assets:
#    - id: 12345
#      config:
#        username: bob
#        password: "my secret"
`

// Store holds the decrypted in-memory configuration document and the
// bookkeeping needed to hot-reload it on mtime change.
//
// spec.md §4.3 notes that a single-threaded event loop serializes reads
// and needs no locking; this runs each assignment's check loop on its
// own goroutine, so a RWMutex replaces that guarantee without changing
// the documented semantics (every Resolve/ReadIfChanged call still
// observes a consistent snapshot).
type Store struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	doc   map[string]any
	mtime int64
}

// New creates a Store for the given path. Call Bootstrap once before the
// first ReadIfChanged to create the file if it does not exist yet.
func New(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger.Named("config")}
}

// Bootstrap creates the config file (and its parent directory) with just
// the header comment if it does not already exist. Mirrors
// original_source/libprobe/probe.py.__init__.
func (s *Store) Bootstrap() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("config: stat %s: %w", s.path, err)
	}

	parent := filepath.Dir(s.path)
	if err := os.MkdirAll(parent, 0750); err != nil {
		return fmt.Errorf("config: create parent dir %s: %w", parent, err)
	}
	if err := os.WriteFile(s.path, []byte(HeaderFile), 0640); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	s.logger.Warn("created a new configuration file", zap.String("path", s.path))
	return nil
}

// ReadIfChanged reloads the document when the file's mtime differs from
// the cached one (spec §4.3). On first call this always reloads.
//
// Errors during parsing, and errors rewriting the file after encryption,
// are returned to the caller (fatal at startup, a warning during a hot
// reload — the caller decides which); on any error the previous in-memory
// document is kept.
func (s *Store) ReadIfChanged() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("config: stat %s: %w", s.path, err)
	}

	mtime := info.ModTime().UnixNano()
	s.mu.RLock()
	unchanged := s.doc != nil && mtime == s.mtime
	s.mu.RUnlock()
	if unchanged {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var parsed map[string]any
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", s.path, err)
		}
	}
	if parsed == nil {
		parsed = map[string]any{}
	}

	encrypted, changed, err := encryptTree(parsed)
	if err != nil {
		return fmt.Errorf("config: encrypt sensitive fields: %w", err)
	}
	encryptedDoc, _ := encrypted.(map[string]any)

	if changed {
		if err := s.rewrite(encryptedDoc); err != nil {
			return fmt.Errorf("config: rewrite %s with encrypted fields: %w", s.path, err)
		}
	}

	decrypted, err := decryptTree(encryptedDoc)
	if err != nil {
		return fmt.Errorf("config: decrypt sensitive fields: %w", err)
	}
	doc, _ := decrypted.(map[string]any)

	warnUseConflicts(doc, s.logger)

	s.mu.Lock()
	s.doc = doc
	s.mtime = mtime
	s.mu.Unlock()
	return nil
}

func (s *Store) rewrite(doc map[string]any) error {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	content := append([]byte(HeaderFile), out...)
	if err := os.WriteFile(s.path, content, 0640); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// warnUseConflicts logs once per reload when a probe block sets `use` at
// the top level alongside `assets` or `config` — original_source/
// libprobe/probe.py._read_local_config does the same.
func warnUseConflicts(doc map[string]any, logger *zap.Logger) {
	for probeName, v := range doc {
		probe, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if _, hasUse := probe["use"]; !hasUse {
			continue
		}
		for _, section := range []string{"assets", "config"} {
			if _, ok := probe[section]; ok {
				logger.Warn("both section and `use` present in probe config",
					zap.String("probe", probeName),
					zap.String("section", section),
				)
			}
		}
	}
}

// Resolve returns the options map for (probeName, assetID, use) (spec
// §4.3). use, when non-empty, selects an asset block whose `use` label
// equals it; such a block takes priority over numeric id matching — see
// DESIGN.md for this Open Question's resolution.
func (s *Store) Resolve(probeName string, assetID int, use string) map[string]any {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()

	probe, ok := doc[probeName].(map[string]any)
	if !ok {
		return map[string]any{}
	}

	if use != "" {
		if cfg, ok := resolveByUseLabel(probe, use); ok {
			return cfg
		}
	}

	if assets, ok := probe["assets"].([]any); ok {
		for _, a := range assets {
			asset, ok := a.(map[string]any)
			if !ok {
				continue
			}
			if assetMatches(asset["id"], assetID) {
				if cfg, ok := asset["config"].(map[string]any); ok {
					return cfg
				}
				return map[string]any{}
			}
		}
	}

	if cfg, ok := probe["config"].(map[string]any); ok {
		return cfg
	}
	return map[string]any{}
}

// resolveByUseLabel looks for an asset block carrying a `use` label equal
// to use, preferring it over numeric id matching (spec §4.3 parenthetical).
func resolveByUseLabel(probe map[string]any, use string) (map[string]any, bool) {
	assets, ok := probe["assets"].([]any)
	if !ok {
		return nil, false
	}
	for _, a := range assets {
		asset, ok := a.(map[string]any)
		if !ok {
			continue
		}
		label, _ := asset["use"].(string)
		if label != "" && label == use {
			if cfg, ok := asset["config"].(map[string]any); ok {
				return cfg, true
			}
			return map[string]any{}, true
		}
	}
	return nil, false
}

func assetMatches(idField any, assetID int) bool {
	switch id := idField.(type) {
	case int:
		return id == assetID
	case float64:
		return int(id) == assetID
	case []any:
		for _, item := range id {
			if n, ok := item.(float64); ok && int(n) == assetID {
				return true
			}
			if n, ok := item.(int); ok && n == assetID {
				return true
			}
		}
	}
	return false
}
