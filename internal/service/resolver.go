// Package service contains application services.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	cfotel "github.com/Strob0t/ratekeeper/internal/adapter/otel"
	"github.com/Strob0t/ratekeeper/internal/config"
	"github.com/Strob0t/ratekeeper/internal/domain"
	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
	"github.com/Strob0t/ratekeeper/internal/port/cache"
	"github.com/Strob0t/ratekeeper/internal/port/fetcher"
	"github.com/Strob0t/ratekeeper/internal/port/notifier"
	"github.com/Strob0t/ratekeeper/internal/port/versionstore"
)

// ErrInvalidOverride is returned when a manually submitted payload fails
// validation. The wrapped *taxrate.ValidationError lists the problems.
var ErrInvalidOverride = errors.New("invalid override")

// Layer names, used for spans, metrics and logs.
const (
	layerCache    = "cache"
	layerStore    = "store"
	layerFetch    = "fetch"
	layerDefaults = "defaults"
)

// generatorActor is recorded as created_by on generated versions.
const generatorActor = "generator"

var errNoValue = errors.New("no value")

// Resolution is a resolved parameter set and where it came from. Version is
// zero for compiled defaults and for generated values that could not be
// persisted. Set is shared between callers and must not be modified.
type Resolution struct {
	Kind    taxrate.Kind         `json:"kind"`
	Scope   string               `json:"scope,omitempty"`
	Source  taxrate.Source       `json:"source"`
	Version int                  `json:"version,omitempty"`
	Set     taxrate.ParameterSet `json:"payload"`
}

// cacheEntry is the hot-cache value: the payload plus enough metadata to
// answer without touching the store.
type cacheEntry struct {
	Kind    taxrate.Kind    `json:"kind"`
	Scope   string          `json:"scope"`
	Source  taxrate.Source  `json:"source"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// OverrideRequest carries a manually submitted payload.
type OverrideRequest struct {
	Kind      taxrate.Kind
	Scope     string
	Payload   json.RawMessage
	CreatedBy string
	Notes     string
}

// RollbackRequest re-activates the payload of an earlier version.
type RollbackRequest struct {
	Kind      taxrate.Kind
	Scope     string
	Version   int
	CreatedBy string
	Notes     string
}

// evicter is implemented by caches with a process-local tier that can be
// dropped without touching shared tiers.
type evicter interface {
	Evict(ctx context.Context, key string) error
}

// Resolver answers parameter lookups through the cascade cache, store,
// generative fetch, compiled defaults, and owns the administrative write path.
type Resolver struct {
	cache   cache.Cache
	store   versionstore.Store
	fetcher fetcher.Fetcher
	cfg     config.Resolver
	log     *slog.Logger

	publisher notifier.Publisher
	metrics   *cfotel.Metrics

	flight singleflight.Group
}

// NewResolver creates a Resolver. A nil fetcher behaves like fetcher.Disabled.
func NewResolver(c cache.Cache, store versionstore.Store, f fetcher.Fetcher, cfg config.Resolver, log *slog.Logger) *Resolver {
	if f == nil {
		f = fetcher.Disabled{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultAssessmentYear == "" {
		cfg.DefaultAssessmentYear = taxrate.DefaultAssessmentYear
	}
	return &Resolver{
		cache:   c,
		store:   store,
		fetcher: f,
		cfg:     cfg,
		log:     log.With("component", "resolver"),
	}
}

// SetPublisher sets the notifier told about every write.
func (r *Resolver) SetPublisher(p notifier.Publisher) { r.publisher = p }

// SetMetrics sets the metric instruments.
func (r *Resolver) SetMetrics(m *cfotel.Metrics) { r.metrics = m }

// NormalizeScope maps a caller-supplied scope onto the stored scope.
func (r *Resolver) NormalizeScope(kind taxrate.Kind, scope string) string {
	return taxrate.NormalizeScope(kind, scope, r.cfg.DefaultAssessmentYear)
}

// Resolve returns the current value for (kind, scope). It never fails: every
// layer failure is logged and the cascade moves on, ending at the compiled
// defaults.
func (r *Resolver) Resolve(ctx context.Context, kind taxrate.Kind, scope string) Resolution {
	scope = r.NormalizeScope(kind, scope)
	key := taxrate.Key(kind, scope)

	ctx, span := cfotel.StartResolveSpan(ctx, "resolve", string(kind), scope)
	defer span.End()

	res, layer := r.cascade(ctx, kind, scope, key)
	span.SetAttributes(attribute.String("resolve.layer", layer))
	r.metrics.RecordResolve(ctx, string(kind), layer)
	return res
}

func (r *Resolver) cascade(ctx context.Context, kind taxrate.Kind, scope, key string) (Resolution, string) {
	if res, ok := r.fromCache(ctx, kind, scope, key); ok {
		return res, layerCache
	}
	if res, ok := r.fromStore(ctx, kind, scope, key); ok {
		return res, layerStore
	}
	if res, ok := r.fetchShared(ctx, key, kind, scope, key); ok {
		return res, layerFetch
	}
	return r.defaults(kind, scope), layerDefaults
}

// ForceRefresh skips cache and store and asks the fetcher directly. A failed
// fetch falls through to Resolve, so the caller always gets a value.
func (r *Resolver) ForceRefresh(ctx context.Context, kind taxrate.Kind, scope string) Resolution {
	scope = r.NormalizeScope(kind, scope)
	key := taxrate.Key(kind, scope)

	ctx, span := cfotel.StartResolveSpan(ctx, "refresh", string(kind), scope)
	defer span.End()

	if res, ok := r.fetchShared(ctx, "refresh|"+key, kind, scope, key); ok {
		r.metrics.RecordResolve(ctx, string(kind), layerFetch)
		return res
	}
	r.log.Info("refresh produced no value, resolving", "key", key)
	res, layer := r.cascade(ctx, kind, scope, key)
	r.metrics.RecordResolve(ctx, string(kind), layer)
	return res
}

// Override validates and stores a manually submitted payload as the new active
// version, then refreshes the cache so the next Resolve returns it.
func (r *Resolver) Override(ctx context.Context, req OverrideRequest) (*taxrate.ConfigVersion, error) {
	scope := r.NormalizeScope(req.Kind, req.Scope)

	ctx, span := cfotel.StartResolveSpan(ctx, "override", string(req.Kind), scope)
	var err error
	defer func() { cfotel.EndSpan(span, err) }()

	var set taxrate.ParameterSet
	set, err = taxrate.Parse(req.Kind, scope, req.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			err = fmt.Errorf("%w: %w", ErrInvalidOverride, err)
		}
		return nil, err
	}

	var v *taxrate.ConfigVersion
	v, err = r.commit(ctx, set, taxrate.SaveRequest{
		Kind:      req.Kind,
		Scope:     scope,
		Source:    taxrate.SourceManual,
		CreatedBy: req.CreatedBy,
		Notes:     req.Notes,
	})
	return v, err
}

// Rollback makes the payload of an earlier version active again by saving it
// as a new manual version. History is never rewritten.
func (r *Resolver) Rollback(ctx context.Context, req RollbackRequest) (*taxrate.ConfigVersion, error) {
	scope := r.NormalizeScope(req.Kind, req.Scope)

	ctx, span := cfotel.StartResolveSpan(ctx, "rollback", string(req.Kind), scope)
	var err error
	defer func() { cfotel.EndSpan(span, err) }()

	var old *taxrate.ConfigVersion
	old, err = r.Version(ctx, req.Kind, scope, req.Version)
	if err != nil {
		return nil, err
	}
	var set taxrate.ParameterSet
	set, err = old.Set()
	if err != nil {
		return nil, fmt.Errorf("rollback to version %d: %w", req.Version, err)
	}

	notes := req.Notes
	if notes == "" {
		notes = fmt.Sprintf("rollback to version %d", old.Version)
	}
	var v *taxrate.ConfigVersion
	v, err = r.commit(ctx, set, taxrate.SaveRequest{
		Kind:      req.Kind,
		Scope:     scope,
		Source:    taxrate.SourceManual,
		CreatedBy: req.CreatedBy,
		Notes:     notes,
	})
	return v, err
}

// History lists versions newest first. With allScopes set and no scope given,
// every scope of a scoped kind is listed. limit is clamped to the configured
// maximum; zero or negative means the configured default.
func (r *Resolver) History(ctx context.Context, kind taxrate.Kind, scope string, allScopes bool, limit int) ([]taxrate.VersionSummary, error) {
	q := taxrate.HistoryQuery{Kind: kind, Limit: r.clampLimit(limit)}
	if allScopes && kind.Scoped() && scope == "" {
		q.AllScopes = true
	} else {
		q.Scope = r.NormalizeScope(kind, scope)
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	versions, err := r.store.ListVersions(sctx, q)
	if err != nil {
		return nil, fmt.Errorf("list %s versions: %w", kind, err)
	}
	out := make([]taxrate.VersionSummary, 0, len(versions))
	for i := range versions {
		out = append(out, versions[i].Summary())
	}
	return out, nil
}

// Version returns one stored version including its payload.
func (r *Resolver) Version(ctx context.Context, kind taxrate.Kind, scope string, version int) (*taxrate.ConfigVersion, error) {
	scope = r.NormalizeScope(kind, scope)
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	v, err := r.store.GetVersion(sctx, kind, scope, version)
	if err != nil {
		return nil, fmt.Errorf("get %s version %d: %w", taxrate.Key(kind, scope), version, err)
	}
	return v, nil
}

// Invalidate drops a key announced by another replica. Only the process-local
// tier is evicted when the cache has one; shared tiers already hold the new
// value.
func (r *Resolver) Invalidate(ctx context.Context, key string) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()

	var err error
	if ev, ok := r.cache.(evicter); ok {
		err = ev.Evict(cctx, key)
	} else {
		err = r.cache.Delete(cctx, key)
	}
	if err != nil {
		r.metrics.RecordCacheError(ctx, "evict")
		r.log.Warn("cache invalidation failed", "key", key, "error", err)
		return
	}
	r.log.Debug("cache entry invalidated", "key", key)
}

func (r *Resolver) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		limit = r.cfg.HistoryLimit
	case r.cfg.HistoryMaxLimit > 0 && limit > r.cfg.HistoryMaxLimit:
		limit = r.cfg.HistoryMaxLimit
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}

func (r *Resolver) fromCache(ctx context.Context, kind taxrate.Kind, scope, key string) (Resolution, bool) {
	ctx, span := cfotel.StartLayerSpan(ctx, layerCache)
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()

	data, ok, err := r.cache.Get(cctx, key)
	if err != nil {
		r.metrics.RecordCacheError(ctx, "get")
		r.log.Warn("cache read failed", "key", key, "error", err)
		cfotel.EndSpan(span, err)
		return Resolution{}, false
	}
	if !ok {
		span.End()
		return Resolution{}, false
	}
	res, err := decodeEntry(kind, scope, data)
	if err != nil {
		r.log.Warn("discarding unreadable cache entry", "key", key, "error", err)
		cfotel.EndSpan(span, err)
		return Resolution{}, false
	}
	span.End()
	return res, true
}

func (r *Resolver) fromStore(ctx context.Context, kind taxrate.Kind, scope, key string) (Resolution, bool) {
	ctx, span := cfotel.StartLayerSpan(ctx, layerStore)
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	v, err := r.store.GetActive(sctx, kind, scope)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.log.Debug("no stored version", "key", key)
		span.End()
		return Resolution{}, false
	case err != nil:
		r.log.Warn("store read failed", "key", key, "error", err)
		cfotel.EndSpan(span, err)
		return Resolution{}, false
	}

	set, err := v.Set()
	if err != nil {
		r.log.Warn("stored payload unreadable", "key", key, "version", v.Version, "error", err)
		cfotel.EndSpan(span, err)
		return Resolution{}, false
	}
	span.End()

	res := Resolution{Kind: kind, Scope: scope, Source: v.Source, Version: v.Version, Set: set}
	r.rewarm(ctx, key, res, v.Payload)
	return res, true
}

// rewarm copies a store hit into the cache unless the cache already holds a
// newer version for key, as it does when an override committed while the
// store read was in flight. An override landing between the check and the
// write can still be shadowed until CacheTTL or the next write for key.
func (r *Resolver) rewarm(ctx context.Context, key string, res Resolution, payload json.RawMessage) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheTimeout)
	data, ok, err := r.cache.Get(cctx, key)
	cancel()
	if err == nil && ok {
		var cur cacheEntry
		if json.Unmarshal(data, &cur) == nil && cur.Kind == res.Kind && cur.Scope == res.Scope && cur.Version > res.Version {
			r.log.Debug("cache holds a newer version, skipping re-warm", "key", key, "cached", cur.Version, "stored", res.Version)
			return
		}
	}
	_ = r.putCache(ctx, key, res, payload)
}

// fetchShared runs one fetch per flight key at a time. The fetch is detached
// from ctx so a caller giving up does not abort the write that follows; the
// caller only stops waiting.
func (r *Resolver) fetchShared(ctx context.Context, flightKey string, kind taxrate.Kind, scope, key string) (Resolution, bool) {
	detached := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(flightKey, func() (any, error) {
		res, ok := r.fetchAndPersist(detached, kind, scope, key)
		if !ok {
			return nil, errNoValue
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		r.log.Debug("caller stopped waiting for fetch", "key", key, "error", ctx.Err())
		return Resolution{}, false
	case out := <-ch:
		if out.Err != nil {
			return Resolution{}, false
		}
		return out.Val.(Resolution), true
	}
}

func (r *Resolver) fetchAndPersist(ctx context.Context, kind taxrate.Kind, scope, key string) (Resolution, bool) {
	fctx, span := cfotel.StartLayerSpan(ctx, layerFetch)
	start := time.Now()
	lk := r.fetcher.Fetch(fctx, kind, scope)
	r.metrics.RecordFetch(ctx, string(kind), lk.Status.String(), time.Since(start).Seconds())

	if !lk.OK() {
		switch lk.Status {
		case taxrate.StatusInvalid:
			r.log.Warn("generated value rejected", "key", key, "reason", lk.Reason)
		default:
			r.log.Debug("fetch unavailable", "key", key, "reason", lk.Reason)
		}
		cfotel.EndSpan(span, lk.Reason)
		return Resolution{}, false
	}
	span.End()

	res := Resolution{Kind: kind, Scope: scope, Source: taxrate.SourceGenerated, Set: lk.Set}
	payload, err := taxrate.Encode(lk.Set)
	if err != nil {
		r.log.Warn("generated value not persisted", "key", key, "error", err)
		return res, true
	}

	v, err := r.save(ctx, taxrate.SaveRequest{
		Kind:      kind,
		Scope:     scope,
		Payload:   payload,
		Source:    taxrate.SourceGenerated,
		CreatedBy: generatorActor,
		Notes:     "auto-fetched for " + key,
	})
	if err != nil {
		r.log.Warn("generated value not persisted", "key", key, "error", err)
	} else {
		res.Version = v.Version
		r.log.Info("generated value stored", "key", key, "version", v.Version)
	}
	if err := r.putCache(ctx, key, res, payload); err == nil {
		r.announce(ctx, key)
	}
	return res, true
}

// commit stores a validated manual value and makes it visible: the cache is
// updated before returning, and other replicas are told to drop their copy.
func (r *Resolver) commit(ctx context.Context, set taxrate.ParameterSet, req taxrate.SaveRequest) (*taxrate.ConfigVersion, error) {
	payload, err := taxrate.Encode(set)
	if err != nil {
		return nil, err
	}
	req.Payload = payload

	v, err := r.save(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", taxrate.Key(req.Kind, req.Scope), err)
	}

	key := taxrate.Key(req.Kind, req.Scope)
	res := Resolution{Kind: v.Kind, Scope: v.Scope, Source: v.Source, Version: v.Version, Set: set}
	if err := r.putCache(ctx, key, res, payload); err != nil {
		// A stale entry must not shadow the new version until its TTL runs out.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheTimeout)
		if derr := r.cache.Delete(dctx, key); derr != nil {
			r.metrics.RecordCacheError(ctx, "delete")
			r.log.Error("stale cache entry could not be removed", "key", key, "error", derr)
		}
		cancel()
	}
	r.announce(ctx, key)
	return v, nil
}

func (r *Resolver) save(ctx context.Context, req taxrate.SaveRequest) (*taxrate.ConfigVersion, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()
	v, err := r.store.Save(wctx, req)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordSave(ctx, string(req.Kind), string(req.Source))
	return v, nil
}

// putCache writes a value best-effort. The error is returned for callers that
// need to react; it has already been logged.
func (r *Resolver) putCache(ctx context.Context, key string, res Resolution, payload json.RawMessage) error {
	data, err := json.Marshal(cacheEntry{
		Kind:    res.Kind,
		Scope:   res.Scope,
		Source:  res.Source,
		Version: res.Version,
		Payload: payload,
	})
	if err != nil {
		r.log.Warn("cache entry not encoded", "key", key, "error", err)
		return err
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheTimeout)
	defer cancel()
	if err := r.cache.Set(cctx, key, data, r.cfg.CacheTTL); err != nil {
		r.metrics.RecordCacheError(ctx, "set")
		r.log.Warn("cache write failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (r *Resolver) announce(ctx context.Context, key string) {
	if r.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.publisher.PublishInvalidation(pctx, key); err != nil {
		r.log.Warn("invalidation not published", "key", key, "error", err)
	}
}

func (r *Resolver) defaults(kind taxrate.Kind, scope string) Resolution {
	r.log.Info("serving compiled defaults", "key", taxrate.Key(kind, scope))
	return Resolution{Kind: kind, Scope: scope, Source: taxrate.SourceCompiled, Set: taxrate.Defaults(kind, scope)}
}

func decodeEntry(kind taxrate.Kind, scope string, data []byte) (Resolution, error) {
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return Resolution{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Kind != kind || e.Scope != scope {
		return Resolution{}, fmt.Errorf("cache entry belongs to %s", taxrate.Key(e.Kind, e.Scope))
	}
	if !e.Source.Valid() {
		return Resolution{}, fmt.Errorf("cache entry has unknown source %q", e.Source)
	}
	set, err := taxrate.Decode(kind, e.Payload)
	if err != nil {
		return Resolution{}, err
	}
	if err := taxrate.Validate(set); err != nil {
		return Resolution{}, err
	}
	return Resolution{Kind: kind, Scope: scope, Source: e.Source, Version: e.Version, Set: set}, nil
}
