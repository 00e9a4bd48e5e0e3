package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// ChangeKind describes what a load did to an installed license.
type ChangeKind string

const (
	ChangeAdded      ChangeKind = "added"
	ChangeSuperseded ChangeKind = "superseded"
)

// Change reports a license that entered the catalog. Old is set when New
// replaced an installed document with a lower version.
type Change struct {
	Kind ChangeKind
	Old  *License
	New  *License
}

// Catalog is the set of installed, verified license documents. It is safe
// for concurrent use. Every mutation bumps the revision so callers can key
// caches on catalog contents.
type Catalog struct {
	mu       sync.RWMutex
	licenses map[uuid.UUID]*License
	revision uint64

	verifier *Verifier
	logger   *slog.Logger
	workers  int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWorkers bounds the number of documents verified concurrently.
func WithWorkers(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.workers = n
		}
	}
}

// New creates an empty catalog. A nil verifier accepts unsigned documents
// and is only meant for tests and tooling.
func New(verifier *Verifier, opts ...Option) *Catalog {
	c := &Catalog{
		licenses: make(map[uuid.UUID]*License),
		verifier: verifier,
		logger:   slog.Default(),
		workers:  4,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "license_catalog"))
	return c
}

// Revision returns a counter bumped on every change to the catalog.
func (c *Catalog) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Len returns the number of installed licenses.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.licenses)
}

// Get returns a copy of the installed license with id.
func (c *Catalog) Get(id uuid.UUID) (*License, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.licenses[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// Snapshot returns copies of all installed licenses in canonical order.
func (c *Catalog) Snapshot() []*License {
	c.mu.RLock()
	out := make([]*License, 0, len(c.licenses))
	for _, l := range c.licenses {
		out = append(out, l.Clone())
	}
	c.mu.RUnlock()
	SortCanonical(out)
	return out
}

// SortCanonical orders licenses by the ordinal value of their id string.
func SortCanonical(licenses []*License) {
	sort.Slice(licenses, func(i, j int) bool {
		return licenses[i].CanonicalID() < licenses[j].CanonicalID()
	})
}

// Install adds a verified document. A document with the same id replaces the
// installed one only when its version is higher; otherwise it is ignored and
// a nil change is returned.
func (c *Catalog) Install(l *License) (*Change, error) {
	if err := ValidateLicense(l); err != nil {
		return nil, err
	}
	newVersion, err := l.ParsedVersion()
	if err != nil {
		return nil, err
	}
	id := l.UUID()
	l = l.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	old, exists := c.licenses[id]
	if !exists {
		c.licenses[id] = l
		c.revision++
		c.logger.Info("license installed",
			slog.String("license_id", l.ID),
			slog.String("version", l.Version),
			slog.Any("signers", l.Signers))
		return &Change{Kind: ChangeAdded, New: l.Clone()}, nil
	}

	oldVersion, err := old.ParsedVersion()
	if err != nil || !newVersion.GreaterThan(oldVersion) {
		c.logger.Debug("license document ignored, installed version is current",
			slog.String("license_id", l.ID),
			slog.String("installed_version", old.Version),
			slog.String("offered_version", l.Version))
		return nil, nil
	}

	c.licenses[id] = l
	c.revision++
	c.logger.Info("license superseded",
		slog.String("license_id", l.ID),
		slog.String("old_version", old.Version),
		slog.String("new_version", l.Version))
	return &Change{Kind: ChangeSuperseded, Old: old.Clone(), New: l.Clone()}, nil
}

// Document is a raw license document and the name it was loaded from.
type Document struct {
	Name string
	Data []byte
}

// Source yields license documents.
type Source interface {
	Documents(ctx context.Context) ([]Document, error)
}

// Parse decodes, validates and verifies one document.
func (c *Catalog) Parse(doc Document) (*License, error) {
	l, err := ParseDocument(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", doc.Name, err)
	}
	if c.verifier != nil {
		signers, err := c.verifier.Verify(l)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.Name, err)
		}
		l.Signers = signers
	}
	return l, nil
}

// LoadDocuments verifies docs concurrently and installs the valid ones in
// canonical order. Rejected documents are logged and reported together in
// the returned error; they never prevent the others from loading.
func (c *Catalog) LoadDocuments(ctx context.Context, docs []Document) ([]Change, error) {
	parsed := make([]*License, len(docs))
	failures := make([]error, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			l, err := c.Parse(doc)
			if err != nil {
				failures[i] = err
				return nil
			}
			parsed[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var result *multierror.Error
	valid := make([]*License, 0, len(docs))
	for i, l := range parsed {
		if failures[i] != nil {
			c.logger.Warn("license document rejected",
				slog.String("document", docs[i].Name),
				slog.String("error", failures[i].Error()))
			result = multierror.Append(result, failures[i])
			continue
		}
		valid = append(valid, l)
	}

	// Several documents may carry the same id; install lowest version first so
	// the reported changes chain from old to new.
	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].CanonicalID() != valid[j].CanonicalID() {
			return valid[i].CanonicalID() < valid[j].CanonicalID()
		}
		vi, _ := valid[i].ParsedVersion()
		vj, _ := valid[j].ParsedVersion()
		return vi.LessThan(vj)
	})

	var changes []Change
	for _, l := range valid {
		change, err := c.Install(l)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}
	return changes, result.ErrorOrNil()
}

// Load reads every document from src and installs it.
func (c *Catalog) Load(ctx context.Context, src Source) ([]Change, error) {
	docs, err := src.Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read license documents: %w", err)
	}
	return c.LoadDocuments(ctx, docs)
}
