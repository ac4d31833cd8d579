package itembank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-cat/internal/irt"
)

// poolSchema describes a pool file. Parameters are optional; missing ones
// are filled from Defaults.
const poolSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "items"],
  "properties": {
    "id":    {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id":               {"type": "string", "minLength": 1},
          "type":             {"type": "string", "minLength": 1},
          "category":         {"type": "string"},
          "tags":             {"type": "array", "items": {"type": "string"}},
          "prompt":           {"type": "string"},
          "options":          {"type": "array", "items": {"type": "string"}},
          "key":              {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "difficulty":       {"type": "number"},
          "difficulty_label": {"type": "string"},
          "discrimination":   {"type": "number", "exclusiveMinimum": 0},
          "guessing":         {"type": "number", "minimum": 0, "exclusiveMaximum": 1}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(poolSchema))
	})
	return schema, schemaErr
}

type poolFile struct {
	ID    string     `yaml:"id"`
	Title string     `yaml:"title"`
	Items []itemFile `yaml:"items"`
}

type itemFile struct {
	ID              string   `yaml:"id"`
	Type            string   `yaml:"type"`
	Category        string   `yaml:"category"`
	Tags            []string `yaml:"tags"`
	Prompt          string   `yaml:"prompt"`
	Options         []string `yaml:"options"`
	Key             []string `yaml:"key"`
	Difficulty      *float64 `yaml:"difficulty"`
	DifficultyLabel string   `yaml:"difficulty_label"`
	Discrimination  *float64 `yaml:"discrimination"`
	Guessing        *float64 `yaml:"guessing"`
}

// Loader loads and caches item pools from a directory of *.pool.yaml,
// *.pool.yml and *.pool.json files.
type Loader struct {
	rootDir  string
	defaults Defaults
	pools    map[string]Pool
	mu       sync.RWMutex
}

// NewLoader creates a loader and loads every pool under rootDir. Files that
// fail validation are skipped with a warning.
func NewLoader(rootDir string, defaults Defaults) (*Loader, error) {
	l := &Loader{
		rootDir:  rootDir,
		defaults: defaults,
		pools:    make(map[string]Pool),
	}

	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("loading item pools: %w", err)
	}

	slog.Info("item pools loaded", "pools", len(l.pools), "dir", rootDir)
	return l, nil
}

// GetItems returns the items of a pool.
func (l *Loader) GetItems(_ context.Context, poolID string) ([]irt.Item, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return append([]irt.Item(nil), p.Items...), nil
}

// PoolIDs returns the loaded pool ids, sorted.
func (l *Loader) PoolIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.pools))
	for id := range l.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsPoolFile reports whether path names a pool file.
func IsPoolFile(path string) bool {
	for _, suffix := range []string{".pool.yaml", ".pool.yml", ".pool.json"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func (l *Loader) loadAll() error {
	info, err := os.Stat(l.rootDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", l.rootDir)
	}

	return filepath.Walk(l.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !IsPoolFile(path) {
			return nil
		}

		pool, err := LoadFile(path, l.defaults)
		if err != nil {
			slog.Warn("skipping invalid pool file", "path", path, "error", err)
			return nil
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if _, dup := l.pools[pool.ID]; dup {
			return fmt.Errorf("pool %s defined twice (second in %s)", pool.ID, path)
		}
		l.pools[pool.ID] = pool
		return nil
	})
}

// LoadFile reads, schema-validates and converts one pool file.
func LoadFile(path string, defaults Defaults) (Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pool{}, err
	}
	return Parse(data, defaults)
}

// Parse validates a YAML or JSON pool document and converts it to a Pool.
func Parse(data []byte, defaults Defaults) (Pool, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Pool{}, fmt.Errorf("parse pool: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return Pool{}, err
	}

	var pf poolFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Pool{}, fmt.Errorf("decode pool: %w", err)
	}

	pool := Pool{ID: pf.ID, Title: pf.Title, Items: make([]irt.Item, 0, len(pf.Items))}
	var errs []error
	for _, f := range pf.Items {
		item, err := f.toItem(defaults)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", f.ID, err))
			continue
		}
		pool.Items = append(pool.Items, item)
	}
	if err := errors.Join(errs...); err != nil {
		return Pool{}, err
	}
	if err := irt.ValidateItems(pool.Items); err != nil {
		return Pool{}, fmt.Errorf("pool %s: %w", pool.ID, err)
	}
	return pool, nil
}

func validateDocument(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile pool schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate pool: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("pool schema: %s", strings.Join(msgs, "; "))
}

func (f itemFile) toItem(d Defaults) (irt.Item, error) {
	item := irt.Item{
		ID:       f.ID,
		Type:     f.Type,
		Category: f.Category,
		Tags:     f.Tags,
		Prompt:   f.Prompt,
		Options:  f.Options,
		Key:      f.Key,
	}

	if f.Difficulty != nil {
		item.Difficulty = *f.Difficulty
	} else {
		b, err := d.Difficulty(f.DifficultyLabel)
		if err != nil {
			return irt.Item{}, err
		}
		item.Difficulty = b
	}
	if f.Discrimination != nil {
		item.Discrimination = *f.Discrimination
	} else {
		item.Discrimination = d.Discrimination
	}
	if f.Guessing != nil {
		item.Guessing = *f.Guessing
	} else {
		item.Guessing = d.Guessing(len(f.Options))
	}
	return item, nil
}
