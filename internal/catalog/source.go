package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultPattern matches license document files.
const DefaultPattern = "*.lic"

// DirSource reads license documents from a directory.
type DirSource struct {
	Dir     string
	Pattern string
}

// NewDirSource creates a DirSource for dir using DefaultPattern.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir, Pattern: DefaultPattern}
}

// Documents implements Source.
func (s *DirSource) Documents(ctx context.Context) ([]Document, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	paths, err := filepath.Glob(filepath.Join(s.Dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid document pattern %q: %w", pattern, err)
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		docs = append(docs, Document{Name: filepath.Base(path), Data: data})
	}
	return docs, nil
}

// Matches reports whether name is a document file for this source.
func (s *DirSource) Matches(name string) bool {
	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	ok, err := filepath.Match(pattern, filepath.Base(name))
	return err == nil && ok && !strings.HasPrefix(filepath.Base(name), ".")
}

// StaticSource serves a fixed set of documents.
type StaticSource []Document

// Documents implements Source.
func (s StaticSource) Documents(context.Context) ([]Document, error) {
	return s, nil
}
