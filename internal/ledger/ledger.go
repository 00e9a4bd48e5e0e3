package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"meshlicense/internal/catalog"
	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/infrastructure"
	"meshlicense/internal/keycodec"
	"meshlicense/internal/matcher"
	"meshlicense/internal/store"
)

// Defaults applied by New.
const (
	DefaultSweepInterval   = time.Minute
	DefaultFlushInterval   = 5 * time.Second
	DefaultWarningWindow   = 14 * 24 * time.Hour
	DefaultActivationRate  = rate.Limit(1)
	DefaultActivationBurst = 5
)

// Options configures a Ledger.
type Options struct {
	// DeviceID is the node identity keys are bound to.
	DeviceID uuid.UUID
	// EngineID is the plug-in id of the engine itself.
	EngineID uuid.UUID
	// EngineVersion is checked against license runtime bounds. Empty
	// disables the check.
	EngineVersion string
	// EnforceActivation disables the engine bootstrap exception.
	EnforceActivation bool
	// PinnedIdentity is the identity derived from this machine's hardware.
	// Licenses with the pinned parameter only grant when it equals DeviceID.
	PinnedIdentity uuid.UUID

	// Secret is the revealed authority secret. Ignored when Matcher is set.
	Secret  []byte
	Matcher *matcher.Matcher
	Catalog *catalog.Catalog
	// Store persists ledger state; nil keeps it in memory only.
	Store store.Store

	Logger *slog.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
	Clock  func() time.Time

	SweepInterval time.Duration
	FlushInterval time.Duration
	// WarningWindow is how long before expiration ExpiringSoon is raised.
	WarningWindow   time.Duration
	ActivationRate  rate.Limit
	ActivationBurst int
}

// Ledger is the entitlement ledger of a node. It is safe for concurrent use.
type Ledger struct {
	mu          sync.RWMutex
	activations map[string]*ActivatedLicense
	plugins     map[uuid.UUID]*pluginStatus
	pool        globalPool
	// restored holds persisted activations whose license is not installed yet.
	restored map[string][]store.ActivationRecord
	// warned holds the activations that raised ExpiringSoon in their current
	// warning window.
	warned map[string]time.Time

	dirtyActivations   map[string]struct{}
	deletedActivations map[string]struct{}

	deviceID       uuid.UUID
	engineID       uuid.UUID
	engineVersion  *version.Version
	enforce        bool
	pinnedIdentity uuid.UUID

	catalog *catalog.Catalog
	matcher *matcher.Matcher
	store   store.Store
	limiter *rate.Limiter
	events  *broadcaster
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time

	sweepInterval time.Duration
	flushInterval time.Duration
	warningWindow time.Duration

	flushMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a ledger.
func New(opts Options) (*Ledger, error) {
	if opts.DeviceID == uuid.Nil {
		return nil, errors.New("ledger needs a device identity")
	}
	if opts.Catalog == nil {
		return nil, errors.New("ledger needs a license catalog")
	}
	if opts.Matcher == nil && len(opts.Secret) == 0 {
		return nil, errors.New("ledger needs an authority secret or a matcher")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Meter == nil {
		opts.Meter = otel.GetMeterProvider().Meter(MeterName)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.GetTracerProvider().Tracer(TracerName)
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.WarningWindow <= 0 {
		opts.WarningWindow = DefaultWarningWindow
	}
	if opts.ActivationRate == 0 {
		opts.ActivationRate = DefaultActivationRate
	}
	if opts.ActivationBurst <= 0 {
		opts.ActivationBurst = DefaultActivationBurst
	}

	logger := infrastructure.WithComponent(opts.Logger, "entitlement_ledger")
	if opts.Matcher == nil {
		opts.Matcher = matcher.New(opts.Secret, matcher.WithLogger(opts.Logger), matcher.WithClock(opts.Clock))
	}

	var engineVersion *version.Version
	if opts.EngineVersion != "" {
		v, err := version.NewVersion(opts.EngineVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid engine version %q: %w", opts.EngineVersion, err)
		}
		engineVersion = v
	}

	metrics, err := NewMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		activations:        make(map[string]*ActivatedLicense),
		plugins:            make(map[uuid.UUID]*pluginStatus),
		pool:               globalPool{contributors: make(map[string]struct{})},
		restored:           make(map[string][]store.ActivationRecord),
		warned:             make(map[string]time.Time),
		dirtyActivations:   make(map[string]struct{}),
		deletedActivations: make(map[string]struct{}),
		deviceID:           opts.DeviceID,
		engineID:           opts.EngineID,
		engineVersion:      engineVersion,
		enforce:            opts.EnforceActivation,
		pinnedIdentity:     opts.PinnedIdentity,
		catalog:            opts.Catalog,
		matcher:            opts.Matcher,
		store:              opts.Store,
		limiter:            rate.NewLimiter(opts.ActivationRate, opts.ActivationBurst),
		events:             newBroadcaster(logger),
		metrics:            metrics,
		tracer:             opts.Tracer,
		logger:             logger,
		now:                opts.Clock,
		sweepInterval:      opts.SweepInterval,
		flushInterval:      opts.FlushInterval,
		warningWindow:      opts.WarningWindow,
	}
	if err := metrics.observe(opts.Meter, l); err != nil {
		return nil, err
	}
	return l, nil
}

// DeviceID returns the node identity.
func (l *Ledger) DeviceID() uuid.UUID { return l.deviceID }

// Subscribe returns a channel of ledger events and a function that ends the
// subscription. The channel is closed when the ledger closes.
func (l *Ledger) Subscribe(buffer int) (<-chan Event, func()) {
	return l.events.subscribe(buffer)
}

func (l *Ledger) publish(events []Event) {
	for _, ev := range events {
		l.events.publish(ev)
	}
}

// LoadLicenses installs the documents of src into the catalog, migrates
// activations of superseded licenses, adopts restored activations of newly
// installed licenses and starts evaluation periods.
func (l *Ledger) LoadLicenses(ctx context.Context, src catalog.Source) ([]catalog.Change, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.LoadLicenses")
	defer span.End()

	changes, loadErr := l.catalog.Load(ctx, src)
	if loadErr != nil {
		l.logger.WarnContext(ctx, "some license documents were rejected", slog.String("error", loadErr.Error()))
		if len(changes) == 0 && l.catalog.Len() == 0 {
			span.RecordError(loadErr)
		}
	}
	l.ApplyChanges(ctx, changes)
	span.SetAttributes(attribute.Int("ledger.license_changes", len(changes)))
	return changes, loadErr
}

// ApplyChanges brings the ledger in line with catalog changes.
func (l *Ledger) ApplyChanges(ctx context.Context, changes []catalog.Change) {
	now := l.now()
	var events []Event

	l.mu.Lock()
	for _, ch := range changes {
		switch ch.Kind {
		case catalog.ChangeSuperseded:
			l.migrate(ctx, ch.Old, ch.New)
		case catalog.ChangeAdded:
			l.adopt(ctx, ch.New)
		}
	}
	for _, lic := range l.catalog.Snapshot() {
		if ev, ok := l.startEvaluation(ctx, lic, now); ok {
			events = append(events, ev)
		}
	}
	events = append(events, l.sweepLocked(ctx, now).events...)
	l.mu.Unlock()

	l.publish(events)
}

// migrate moves the activations of old onto its replacement, keeping their
// key hashes and the key-embedded deltas.
func (l *Ledger) migrate(ctx context.Context, old, replacement *catalog.License) {
	for _, a := range l.activations {
		if a.License.ID != old.ID {
			continue
		}
		live := !a.Removed
		if live {
			l.unfold(a)
		}

		params := make(map[string]int, len(replacement.Parameters))
		for _, p := range replacement.Parameters {
			declared, _ := old.Parameter(p.Name)
			delta := 0
			if summed, ok := a.Parameters[p.Name]; ok {
				delta = summed - int(declared)
			}
			params[p.Name] = int(p.Value) + delta
		}
		a.License = replacement.Clone()
		a.Parameters = params
		a.Expiration = effectiveExpiration(a.KeyExpiration, replacement)
		l.dirtyActivations[a.ID()] = struct{}{}
		delete(l.warned, a.ID())

		if live {
			l.fold(a)
		}
		l.logger.InfoContext(ctx, "activation migrated to superseding license",
			slog.String("license_id", a.License.ID),
			slog.String("key_hash", a.KeyHash),
			slog.String("old_version", old.Version),
			slog.String("new_version", replacement.Version))
	}
}

// adopt re-creates persisted activations of a license that just became available.
func (l *Ledger) adopt(ctx context.Context, lic *catalog.License) {
	records := l.restored[lic.ID]
	delete(l.restored, lic.ID)
	for _, r := range records {
		a := &ActivatedLicense{
			License:       lic.Clone(),
			KeyHash:       r.KeyHash,
			KeyExpiration: r.KeyExpiration,
			Parameters:    cloneParams(r.Parameters),
			Removed:       r.Removed,
			ActivatedAt:   r.CreatedAt,
		}
		a.Expiration = effectiveExpiration(a.KeyExpiration, lic)
		if _, exists := l.activations[a.ID()]; exists {
			continue
		}
		l.activations[a.ID()] = a
		delete(l.deletedActivations, a.ID())
		if !a.Removed {
			l.fold(a)
		}
		if r.LicenseVersion != lic.Version {
			l.dirtyActivations[a.ID()] = struct{}{}
		}
		l.logger.DebugContext(ctx, "restored activation",
			slog.String("license_id", lic.ID),
			slog.String("key_hash", a.KeyHash),
			slog.Bool("removed", a.Removed))
	}
}

// startEvaluation activates the evaluation period of lic once.
func (l *Ledger) startEvaluation(ctx context.Context, lic *catalog.License, now time.Time) (Event, bool) {
	if lic.EvaluationDays <= 0 {
		return Event{}, false
	}
	id := store.ActivationID(lic.ID, EvalKeyHash)
	if _, ok := l.activations[id]; ok {
		return Event{}, false
	}
	for _, r := range l.restored[lic.ID] {
		if r.KeyHash == EvalKeyHash {
			return Event{}, false
		}
	}

	a := &ActivatedLicense{
		License:       lic.Clone(),
		KeyHash:       EvalKeyHash,
		KeyExpiration: now.Add(lic.EvaluationPeriod()),
		Parameters:    declaredParams(lic),
		ActivatedAt:   now,
	}
	a.Expiration = effectiveExpiration(a.KeyExpiration, lic)
	l.activations[id] = a
	l.dirtyActivations[id] = struct{}{}
	delete(l.deletedActivations, id)
	l.fold(a)
	l.metrics.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "evaluation")))
	l.logger.InfoContext(ctx, "evaluation period started",
		slog.String("license_id", lic.ID),
		slog.Time("expiration", a.Expiration))
	return newEvent(EventActivated, a, now), true
}

func declaredParams(lic *catalog.License) map[string]int {
	out := make(map[string]int, len(lic.Parameters))
	for _, p := range lic.Parameters {
		out[p.Name] = int(p.Value)
	}
	return out
}

// ApplyActivationKey validates key against the installed licenses and
// records an activation for every matched license not yet activated by the
// same key. When licenseID is set only that license is recorded. It reports
// whether anything new was applied.
func (l *Ledger) ApplyActivationKey(ctx context.Context, key string, licenseID *uuid.UUID) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ApplyActivationKey")
	defer span.End()
	start := l.now()
	keyHash := matcher.HashKey(key)
	span.SetAttributes(attribute.String("license.key_hash", keyHash))

	if !l.limiter.Allow() {
		err := licenseErrors.NewKeyError(keyHash, licenseErrors.ErrRateLimited)
		l.recordRejection(ctx, keyHash, err)
		return false, err
	}

	result, err := l.matcher.ValidateActivationKey(key, l.deviceID, l.catalog.Snapshot())
	if err != nil {
		l.recordRejection(ctx, keyHash, err)
		span.RecordError(err)
		return false, err
	}

	now := l.now()
	var (
		events                []Event
		expired, incompatible int
		considered            int
	)
	l.mu.Lock()
	for _, m := range result.Activations {
		if licenseID != nil && m.License.UUID() != *licenseID {
			continue
		}
		considered++
		a := &ActivatedLicense{
			License:       m.License.Clone(),
			KeyHash:       result.KeyHash,
			Expiration:    m.Expiration,
			KeyExpiration: result.KeyExpiration,
			Parameters:    m.Parameters,
			ActivatedAt:   now,
		}
		if _, exists := l.activations[a.ID()]; exists {
			continue
		}
		if !now.Before(a.Expiration) {
			expired++
			continue
		}
		if !a.License.Compatible(l.engineVersion) {
			incompatible++
			continue
		}
		l.activations[a.ID()] = a
		l.dirtyActivations[a.ID()] = struct{}{}
		delete(l.deletedActivations, a.ID())
		l.fold(a)
		events = append(events, newEvent(EventActivated, a, now))
		l.logger.InfoContext(ctx, "license activated",
			slog.String("license_id", a.License.ID),
			slog.String("key_hash", a.KeyHash),
			slog.Time("expiration", a.Expiration),
			slog.Any("parameters", a.Parameters))
	}
	l.mu.Unlock()
	l.publish(events)

	l.metrics.ActivationDuration.Record(ctx, time.Since(start).Seconds())
	if len(events) > 0 {
		l.metrics.Activations.Add(ctx, int64(len(events)), metric.WithAttributes(attribute.String("source", "key")))
		return true, nil
	}

	switch {
	case licenseID != nil && considered == 0:
		err = licenseErrors.NewKeyError(keyHash, fmt.Errorf("%w: key does not cover license %s", licenseErrors.ErrLicenseNotFound, licenseID))
	case expired > 0:
		err = licenseErrors.NewKeyError(keyHash, licenseErrors.ErrLicenseExpired)
	case incompatible > 0:
		err = licenseErrors.NewKeyError(keyHash, licenseErrors.ErrVersionIncompatible)
	default:
		l.logger.InfoContext(ctx, "activation key already applied", slog.String("key_hash", keyHash))
		return false, nil
	}
	l.recordRejection(ctx, keyHash, err)
	return false, err
}

func (l *Ledger) recordRejection(ctx context.Context, keyHash string, err error) {
	class := licenseErrors.ClassOf(err)
	l.metrics.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
	l.logger.WarnContext(ctx, "activation key rejected",
		slog.String("key_hash", keyHash),
		slog.String("error_class", string(class)),
		slog.String("error", err.Error()))
}

// RemoveActivatedLicense deletes the activation of licenseID by keyHash and
// withdraws its contribution. Removing an evaluation activation ends the
// evaluation period instead, and the period is not granted again.
func (l *Ledger) RemoveActivatedLicense(ctx context.Context, licenseID uuid.UUID, keyHash string) error {
	id := store.ActivationID(licenseID.String(), keyHash)

	l.mu.Lock()
	a, ok := l.activations[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", licenseErrors.ErrActivationNotFound, id)
	}
	now := l.now()
	if a.Evaluation() {
		// The evaluation row stays as an ended tombstone so the period is
		// never granted again for this license.
		if a.Removed {
			l.mu.Unlock()
			return fmt.Errorf("%w: evaluation of %s already ended", licenseErrors.ErrActivationNotFound, licenseID)
		}
		l.unfold(a)
		a.Removed = true
		a.KeyExpiration = now
		a.Expiration = effectiveExpiration(now, a.License)
		l.dirtyActivations[id] = struct{}{}
	} else {
		if !a.Removed {
			l.unfold(a)
		}
		delete(l.activations, id)
		delete(l.dirtyActivations, id)
		l.deletedActivations[id] = struct{}{}
	}
	delete(l.warned, id)
	ev := newEvent(EventExpiredRemoved, a, now)
	ev.Reason = "removed"
	l.mu.Unlock()

	l.events.publish(ev)
	l.logger.InfoContext(ctx, "activated license removed",
		slog.String("license_id", a.License.ID),
		slog.String("key_hash", keyHash))
	return nil
}

// GetActivatedLicenses returns the live activations of licenses bound to
// pluginID, or all live activations when pluginID is uuid.Nil.
func (l *Ledger) GetActivatedLicenses(ctx context.Context, pluginID uuid.UUID) []ActivatedLicense {
	l.Sweep(ctx)

	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ActivatedLicense
	for _, a := range l.activations {
		if a.Removed {
			continue
		}
		if pluginID != uuid.Nil && !bindsPlugin(a.License, pluginID) {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func bindsPlugin(lic *catalog.License, pluginID uuid.UUID) bool {
	for _, p := range lic.Plugins {
		if p.PluginID == pluginID {
			return true
		}
	}
	return false
}

// GetActivationParameter sums the named parameter over the live activations
// bound to pluginID and returns the earliest expiration among them. ok is
// false when no activation declares the parameter.
func (l *Ledger) GetActivationParameter(ctx context.Context, pluginID uuid.UUID, name string) (value int, nextExpiration time.Time, ok bool) {
	l.Sweep(ctx)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.activations {
		if a.Removed || !bindsPlugin(a.License, pluginID) {
			continue
		}
		v, declared := a.Parameters[name]
		if !declared {
			continue
		}
		value += v
		if !ok || a.Expiration.Before(nextExpiration) {
			nextExpiration = a.Expiration
		}
		ok = true
	}
	return value, nextExpiration, ok
}

// GenerateActivationRequestKey builds a request key for this node and skuID.
func (l *Ledger) GenerateActivationRequestKey(skuID uint16) (string, error) {
	return keycodec.EncodeActivationRequestKeyAt(l.deviceID, skuID, l.now())
}

// Status returns a snapshot of the statuses of pluginID.
func (l *Ledger) Status(pluginID uuid.UUID) (PluginStatus, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plugins[pluginID]
	if !ok {
		return PluginStatus{PluginID: pluginID}, false
	}
	return p.snapshot(pluginID), true
}

// Statuses returns snapshots of every plug-in with a status.
func (l *Ledger) Statuses() []PluginStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PluginStatus, 0, len(l.plugins))
	for id, p := range l.plugins {
		out = append(out, p.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID.String() < out[j].PluginID.String() })
	return out
}

// Pool returns a snapshot of the global entitlement pool.
func (l *Ledger) Pool() PoolStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return PoolStatus{Capacity: l.pool.effectiveCapacity(), Used: l.pool.used}
}
