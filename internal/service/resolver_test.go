package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ratekeeper/internal/config"
	"github.com/Strob0t/ratekeeper/internal/domain"
	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
)

// --- fakes ---

// countingCache is an in-memory cache.Cache that counts calls and can be
// switched into failure modes.
type countingCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	gets    int
	sets    int
	evicted []string
	getErr  error
	setErr  error
}

func newCountingCache() *countingCache {
	return &countingCache{data: make(map[string][]byte)}
}

func (c *countingCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *countingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *countingCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// evictingCache adds a local tier eviction hook.
type evictingCache struct {
	*countingCache
}

func (c evictingCache) Evict(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, key)
	return nil
}

// memStore is an in-memory versionstore.Store that serializes saves the way
// the Postgres store does.
type memStore struct {
	mu         sync.Mutex
	versions   map[string][]taxrate.ConfigVersion
	activeHits atomic.Int32
	lastQuery  taxrate.HistoryQuery
	readErr    error
	saveErr    error
}

func newMemStore() *memStore {
	return &memStore{versions: make(map[string][]taxrate.ConfigVersion)}
}

func (s *memStore) GetActive(_ context.Context, kind taxrate.Kind, scope string) (*taxrate.ConfigVersion, error) {
	s.activeHits.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	for _, v := range s.versions[taxrate.Key(kind, scope)] {
		if v.IsActive {
			return &v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) Save(_ context.Context, req taxrate.SaveRequest) (*taxrate.ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	key := taxrate.Key(req.Kind, req.Scope)
	list := s.versions[key]
	for i := range list {
		list[i].IsActive = false
	}
	v := taxrate.ConfigVersion{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Scope:     req.Scope,
		Payload:   req.Payload,
		Source:    req.Source,
		Version:   len(list) + 1,
		IsActive:  true,
		CreatedBy: req.CreatedBy,
		Notes:     req.Notes,
		CreatedAt: time.Now(),
	}
	s.versions[key] = append(list, v)
	return &v, nil
}

func (s *memStore) ListVersions(_ context.Context, q taxrate.HistoryQuery) ([]taxrate.ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuery = q
	if s.readErr != nil {
		return nil, s.readErr
	}
	list := s.versions[taxrate.Key(q.Kind, q.Scope)]
	out := make([]taxrate.ConfigVersion, 0, len(list))
	for i := len(list) - 1; i >= 0 && len(out) < q.Limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *memStore) GetVersion(_ context.Context, kind taxrate.Kind, scope string, version int) (*taxrate.ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[taxrate.Key(kind, scope)] {
		if v.Version == version {
			return &v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) list(kind taxrate.Kind, scope string) []taxrate.ConfigVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]taxrate.ConfigVersion(nil), s.versions[taxrate.Key(kind, scope)]...)
}

func (s *memStore) seed(t *testing.T, kind taxrate.Kind, scope string, source taxrate.Source, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		if _, err := s.Save(context.Background(), taxrate.SaveRequest{
			Kind: kind, Scope: scope, Payload: json.RawMessage(p), Source: source, CreatedBy: "seed",
		}); err != nil {
			t.Fatal(err)
		}
	}
}

// rawFetcher runs a fixed model answer through the validator, like the real
// fetcher does. gate, when set, blocks each call until closed.
type rawFetcher struct {
	raw     string
	err     error
	gate    chan struct{}
	started chan struct{}
	calls   atomic.Int32
}

func (f *rawFetcher) Fetch(ctx context.Context, kind taxrate.Kind, scope string) taxrate.Lookup {
	if f.calls.Add(1) == 1 && f.started != nil {
		close(f.started)
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return taxrate.Unavailable(f.err)
	}
	set, err := taxrate.Parse(kind, scope, []byte(f.raw))
	if err != nil {
		return taxrate.Invalid(err)
	}
	return taxrate.Found(set)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) PublishInvalidation(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func testResolverConfig() config.Resolver {
	return config.Resolver{
		DefaultAssessmentYear: "2025-26",
		CacheTTL:              time.Hour,
		CacheTimeout:          time.Second,
		StoreTimeout:          time.Second,
		WriteTimeout:          time.Second,
		HistoryLimit:          20,
		HistoryMaxLimit:       100,
	}
}

func newTestResolver(c *countingCache, s *memStore, f *rawFetcher) *Resolver {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if f == nil {
		f = &rawFetcher{err: errors.New("disabled")}
	}
	return NewResolver(c, s, f, testResolverConfig(), log)
}

func rateSet(t *testing.T, res Resolution) *taxrate.RateSetConfig {
	t.Helper()
	rs, ok := res.Set.(*taxrate.RateSetConfig)
	if !ok {
		t.Fatalf("expected *RateSetConfig, got %T", res.Set)
	}
	return rs
}

const (
	gstV3 = `{"valid_rates":[0,5,12,18,28]}`
	gstV4 = `{"valid_rates":[0,5,12,18,28,40]}`
)

// --- Resolve ---

func TestResolve_AllLayersDown(t *testing.T) {
	c := newCountingCache()
	c.getErr = errors.New("connection refused")
	c.setErr = c.getErr
	s := newMemStore()
	s.readErr = errors.New("connection refused")
	s.saveErr = s.readErr
	r := newTestResolver(c, s, &rawFetcher{err: errors.New("timeout")})

	for _, kind := range taxrate.Kinds() {
		res := r.Resolve(context.Background(), kind, "")
		if res.Source != taxrate.SourceCompiled {
			t.Errorf("%s: expected compiled source, got %s", kind, res.Source)
		}
		if res.Version != 0 {
			t.Errorf("%s: expected version 0, got %d", kind, res.Version)
		}
		if err := taxrate.Validate(res.Set); err != nil {
			t.Errorf("%s: invalid fallback: %v", kind, err)
		}
	}
}

func TestResolve_MalformedFetchReturnsDefaults(t *testing.T) {
	c := newCountingCache()
	s := newMemStore()
	f := &rawFetcher{raw: `{"old_regime_slabs": "not a list"`}
	r := newTestResolver(c, s, f)

	res := r.Resolve(context.Background(), taxrate.KindITR, "2025-26")
	if res.Source != taxrate.SourceCompiled {
		t.Fatalf("expected compiled, got %s", res.Source)
	}
	slabs := res.Set.(*taxrate.SlabConfig)
	if slabs.AssessmentYear != "2025-26" {
		t.Errorf("expected AY 2025-26, got %s", slabs.AssessmentYear)
	}
	if f.calls.Load() != 1 {
		t.Errorf("expected one fetch, got %d", f.calls.Load())
	}
	if len(s.list(taxrate.KindITR, "2025-26")) != 0 {
		t.Error("malformed answer must not be stored")
	}
	if c.has("itr:2025-26") {
		t.Error("compiled defaults must not be cached")
	}
}

func TestResolve_ClosedLastBracketRejected(t *testing.T) {
	data, err := taxrate.Encode(taxrate.DefaultSlabs("2025-26"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	m["new_regime_slabs"] = []any{[]any{300000, 0}, []any{1500000, 30}}
	bad, _ := json.Marshal(m)

	s := newMemStore()
	r := newTestResolver(newCountingCache(), s, &rawFetcher{raw: string(bad)})
	res := r.Resolve(context.Background(), taxrate.KindITR, "2025-26")
	if res.Source != taxrate.SourceCompiled {
		t.Fatalf("expected compiled fallback, got %s", res.Source)
	}
	last := res.Set.(*taxrate.SlabConfig).NewRegimeSlabs
	if !last[len(last)-1].Open() {
		t.Fatal("returned slabs have a closed top bracket")
	}
}

func TestResolve_StoreHitRewarmsCache(t *testing.T) {
	c := newCountingCache()
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3, gstV3, gstV3)
	r := newTestResolver(c, s, nil)

	res := r.Resolve(context.Background(), taxrate.KindGST, "")
	if res.Source != taxrate.SourceManual || res.Version != 3 {
		t.Fatalf("expected manual v3, got %s v%d", res.Source, res.Version)
	}
	if !rateSet(t, res).Contains(28) {
		t.Fatal("expected stored rates")
	}
	if !c.has("gst:none") {
		t.Fatal("expected cache to be re-warmed")
	}

	again := r.Resolve(context.Background(), taxrate.KindGST, "ignored-scope")
	if again.Version != 3 || again.Source != taxrate.SourceManual {
		t.Fatalf("expected cached manual v3, got %s v%d", again.Source, again.Version)
	}
	if got := s.activeHits.Load(); got != 1 {
		t.Fatalf("expected store to be read once, got %d", got)
	}
}

// overridingStore commits an override while the first active read is in
// flight, so the read returns a version that is already stale.
type overridingStore struct {
	*memStore
	once     sync.Once
	override func()
}

func (s *overridingStore) GetActive(ctx context.Context, kind taxrate.Kind, scope string) (*taxrate.ConfigVersion, error) {
	v, err := s.memStore.GetActive(ctx, kind, scope)
	s.once.Do(s.override)
	return v, err
}

func TestResolve_RewarmDoesNotShadowNewerOverride(t *testing.T) {
	c := newCountingCache()
	mem := newMemStore()
	mem.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3)
	s := &overridingStore{memStore: mem}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewResolver(c, s, &rawFetcher{err: errors.New("disabled")}, testResolverConfig(), log)
	s.override = func() {
		if _, err := r.Override(context.Background(), OverrideRequest{
			Kind: taxrate.KindGST, Payload: json.RawMessage(gstV4), CreatedBy: "alice",
		}); err != nil {
			t.Errorf("override: %v", err)
		}
	}

	res := r.Resolve(context.Background(), taxrate.KindGST, "")
	if res.Version != 1 {
		t.Fatalf("expected the in-flight read to return v1, got v%d", res.Version)
	}

	var entry cacheEntry
	if err := json.Unmarshal(c.data["gst:none"], &entry); err != nil {
		t.Fatalf("cache entry: %v", err)
	}
	if entry.Version != 2 {
		t.Fatalf("cache holds v%d, want the override's v2", entry.Version)
	}
	next := r.Resolve(context.Background(), taxrate.KindGST, "")
	if next.Version != 2 || !rateSet(t, next).Contains(40) {
		t.Fatalf("expected v2 with 40%%, got v%d", next.Version)
	}
}

func TestResolve_FetchPersistsAndCaches(t *testing.T) {
	c := newCountingCache()
	s := newMemStore()
	pub := &recordingPublisher{}
	r := newTestResolver(c, s, &rawFetcher{raw: gstV4})
	r.SetPublisher(pub)

	res := r.Resolve(context.Background(), taxrate.KindGST, "")
	if res.Source != taxrate.SourceGenerated || res.Version != 1 {
		t.Fatalf("expected generated v1, got %s v%d", res.Source, res.Version)
	}
	versions := s.list(taxrate.KindGST, "")
	if len(versions) != 1 || versions[0].CreatedBy != generatorActor {
		t.Fatalf("expected one generated version, got %+v", versions)
	}
	if !c.has("gst:none") {
		t.Fatal("expected generated value cached")
	}
	if len(pub.keys) != 1 || pub.keys[0] != "gst:none" {
		t.Fatalf("expected invalidation for gst:none, got %v", pub.keys)
	}
}

func TestResolve_FetchReturnedWhenPersistenceFails(t *testing.T) {
	c := newCountingCache()
	c.setErr = errors.New("cache down")
	s := newMemStore()
	s.saveErr = errors.New("store down")
	r := newTestResolver(c, s, &rawFetcher{raw: gstV4})

	res := r.Resolve(context.Background(), taxrate.KindGST, "")
	if res.Source != taxrate.SourceGenerated {
		t.Fatalf("expected generated, got %s", res.Source)
	}
	if res.Version != 0 {
		t.Fatalf("unpersisted value should carry version 0, got %d", res.Version)
	}
	if !rateSet(t, res).Contains(40) {
		t.Fatal("expected fetched rates")
	}
}

func TestResolve_IgnoresForeignCacheEntry(t *testing.T) {
	c := newCountingCache()
	c.data["itr:2025-26"] = []byte(`{"kind":"gst","scope":"","source":"manual","version":1,"payload":` + gstV3 + `}`)
	r := newTestResolver(c, newMemStore(), nil)

	res := r.Resolve(context.Background(), taxrate.KindITR, "2025-26")
	if res.Source != taxrate.SourceCompiled {
		t.Fatalf("expected fallthrough to defaults, got %s", res.Source)
	}
	if _, ok := res.Set.(*taxrate.SlabConfig); !ok {
		t.Fatalf("expected slab config, got %T", res.Set)
	}
}

func TestResolve_SingleFlightPerKey(t *testing.T) {
	const callers = 10
	s := newMemStore()
	f := &rawFetcher{raw: gstV4, gate: make(chan struct{}), started: make(chan struct{})}
	r := newTestResolver(newCountingCache(), s, f)

	var wg sync.WaitGroup
	results := make([]Resolution, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), taxrate.KindGST, "")
		}(i)
	}

	<-f.started
	deadline := time.Now().Add(2 * time.Second)
	for s.activeHits.Load() < callers && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
	if got := len(s.list(taxrate.KindGST, "")); got != 1 {
		t.Fatalf("expected 1 stored version, got %d", got)
	}
	for i, res := range results {
		if res.Source != taxrate.SourceGenerated || res.Version != 1 {
			t.Errorf("caller %d: expected generated v1, got %s v%d", i, res.Source, res.Version)
		}
	}
}

func TestResolve_CallerCancelDoesNotAbortWrite(t *testing.T) {
	s := newMemStore()
	c := newCountingCache()
	f := &rawFetcher{raw: gstV4, gate: make(chan struct{}), started: make(chan struct{})}
	r := newTestResolver(c, s, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Resolution, 1)
	go func() { done <- r.Resolve(ctx, taxrate.KindGST, "") }()

	<-f.started
	cancel()
	res := <-done
	if res.Source != taxrate.SourceCompiled {
		t.Fatalf("abandoned caller should get defaults, got %s", res.Source)
	}

	close(f.gate)
	deadline := time.Now().Add(2 * time.Second)
	for len(s.list(taxrate.KindGST, "")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background write never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for !c.has("gst:none") {
		if time.Now().After(deadline) {
			t.Fatal("background cache write never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- ForceRefresh ---

func TestForceRefresh_BypassesCacheAndStore(t *testing.T) {
	c := newCountingCache()
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3)
	r := newTestResolver(c, s, &rawFetcher{raw: gstV4})
	_ = r.Resolve(context.Background(), taxrate.KindGST, "")

	res := r.ForceRefresh(context.Background(), taxrate.KindGST, "")
	if res.Source != taxrate.SourceGenerated || res.Version != 2 {
		t.Fatalf("expected generated v2, got %s v%d", res.Source, res.Version)
	}
	after := r.Resolve(context.Background(), taxrate.KindGST, "")
	if !rateSet(t, after).Contains(40) {
		t.Fatal("expected refreshed value to be cached")
	}
}

func TestForceRefresh_FallsBackToCascade(t *testing.T) {
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3)
	r := newTestResolver(newCountingCache(), s, &rawFetcher{raw: `{"valid_rates":[99]}`})

	res := r.ForceRefresh(context.Background(), taxrate.KindGST, "")
	if res.Source != taxrate.SourceManual || res.Version != 1 {
		t.Fatalf("expected stored manual v1, got %s v%d", res.Source, res.Version)
	}
}

// --- Override ---

func TestOverride_VisibleImmediately(t *testing.T) {
	c := newCountingCache()
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3, gstV3, gstV3)
	pub := &recordingPublisher{}
	r := newTestResolver(c, s, nil)
	r.SetPublisher(pub)

	before := r.Resolve(context.Background(), taxrate.KindGST, "")
	if before.Version != 3 {
		t.Fatalf("expected v3, got %d", before.Version)
	}

	v, err := r.Override(context.Background(), OverrideRequest{
		Kind: taxrate.KindGST, Payload: json.RawMessage(gstV4), CreatedBy: "alice", Notes: "add 40%",
	})
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if v.Version != 4 || v.Source != taxrate.SourceManual || v.CreatedBy != "alice" {
		t.Fatalf("unexpected version %+v", v)
	}

	versions := s.list(taxrate.KindGST, "")
	if versions[2].IsActive || !versions[3].IsActive {
		t.Fatal("expected v3 inactive and v4 active")
	}

	after := r.Resolve(context.Background(), taxrate.KindGST, "")
	if after.Version != 4 || !rateSet(t, after).Contains(40) {
		t.Fatalf("expected v4 with 40%%, got v%d", after.Version)
	}
	if len(pub.keys) != 1 {
		t.Fatalf("expected one invalidation, got %v", pub.keys)
	}
}

func TestOverride_InvalidPayload(t *testing.T) {
	s := newMemStore()
	r := newTestResolver(newCountingCache(), s, nil)

	_, err := r.Override(context.Background(), OverrideRequest{
		Kind: taxrate.KindGST, Payload: json.RawMessage(`{"valid_rates":[5,12]}`), CreatedBy: "alice",
	})
	if !errors.Is(err, ErrInvalidOverride) {
		t.Fatalf("expected ErrInvalidOverride, got %v", err)
	}
	var verr *taxrate.ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) == 0 {
		t.Fatalf("expected validation problems, got %v", err)
	}
	if len(s.list(taxrate.KindGST, "")) != 0 {
		t.Fatal("invalid override must not be stored")
	}
}

func TestOverride_RejectsNonFiniteRates(t *testing.T) {
	s := newMemStore()
	r := newTestResolver(newCountingCache(), s, nil)

	_, err := r.Override(context.Background(), OverrideRequest{
		Kind: taxrate.KindGST, Payload: json.RawMessage(`{"valid_rates":["NaN",5,12,18]}`), CreatedBy: "alice",
	})
	if !errors.Is(err, ErrInvalidOverride) || !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrInvalidOverride, got %v", err)
	}
	if len(s.list(taxrate.KindGST, "")) != 0 {
		t.Fatal("non-finite override must not be stored")
	}
}

func TestResolve_NonFiniteFetchReturnsDefaults(t *testing.T) {
	data, err := taxrate.Encode(taxrate.DefaultSlabs("2025-26"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	m["new_regime_slabs"] = []any{[]any{300000, 0}, []any{700000, 5}, []any{nil, "NaN"}}
	m["cess_rate"] = "NaN"
	bad, _ := json.Marshal(m)

	c := newCountingCache()
	s := newMemStore()
	r := newTestResolver(c, s, &rawFetcher{raw: string(bad)})
	res := r.Resolve(context.Background(), taxrate.KindITR, "2025-26")
	if res.Source != taxrate.SourceCompiled {
		t.Fatalf("expected compiled fallback, got %s", res.Source)
	}
	if err := taxrate.Validate(res.Set); err != nil {
		t.Fatalf("fallback invalid: %v", err)
	}
	if len(s.list(taxrate.KindITR, "2025-26")) != 0 || c.has("itr:2025-26") {
		t.Fatal("non-finite answer must be neither stored nor cached")
	}
}

func TestOverride_StoreFailure(t *testing.T) {
	s := newMemStore()
	s.saveErr = errors.New("connection refused")
	r := newTestResolver(newCountingCache(), s, nil)

	_, err := r.Override(context.Background(), OverrideRequest{Kind: taxrate.KindGST, Payload: json.RawMessage(gstV4)})
	if err == nil || errors.Is(err, ErrInvalidOverride) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestOverride_CacheWriteFailureDropsStaleEntry(t *testing.T) {
	c := newCountingCache()
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3)
	r := newTestResolver(c, s, nil)
	_ = r.Resolve(context.Background(), taxrate.KindGST, "")
	if !c.has("gst:none") {
		t.Fatal("expected warm cache")
	}

	c.mu.Lock()
	c.setErr = errors.New("cache down")
	c.mu.Unlock()
	if _, err := r.Override(context.Background(), OverrideRequest{Kind: taxrate.KindGST, Payload: json.RawMessage(gstV4)}); err != nil {
		t.Fatal(err)
	}
	if c.has("gst:none") {
		t.Fatal("stale entry should have been removed")
	}
	res := r.Resolve(context.Background(), taxrate.KindGST, "")
	if res.Version != 2 {
		t.Fatalf("expected v2 from store, got %d", res.Version)
	}
}

func TestOverride_ConcurrentKeepsSingleActive(t *testing.T) {
	const writers = 20
	s := newMemStore()
	r := newTestResolver(newCountingCache(), s, nil)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Override(context.Background(), OverrideRequest{
				Kind:      taxrate.KindITR,
				Scope:     "2025-26",
				Payload:   slabPayload(t),
				CreatedBy: fmt.Sprintf("writer-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	versions := s.list(taxrate.KindITR, "2025-26")
	if len(versions) != writers {
		t.Fatalf("expected %d versions, got %d", writers, len(versions))
	}
	active := 0
	for i, v := range versions {
		if v.Version != i+1 {
			t.Fatalf("expected contiguous versions, got %d at %d", v.Version, i)
		}
		if v.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active version, got %d", active)
	}
}

func slabPayload(t *testing.T) json.RawMessage {
	t.Helper()
	data, err := taxrate.Encode(taxrate.DefaultSlabs("2025-26"))
	if err != nil {
		t.Error(err)
	}
	return data
}

// --- Rollback / History / Version ---

func TestRollback_SavesOldPayloadAsNewVersion(t *testing.T) {
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3, gstV4)
	r := newTestResolver(newCountingCache(), s, nil)

	v, err := r.Rollback(context.Background(), RollbackRequest{Kind: taxrate.KindGST, Version: 1, CreatedBy: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Version != 3 || v.Notes != "rollback to version 1" {
		t.Fatalf("unexpected version %+v", v)
	}
	res := r.Resolve(context.Background(), taxrate.KindGST, "")
	if res.Version != 3 || rateSet(t, res).Contains(40) {
		t.Fatalf("expected v3 without 40%%, got v%d", res.Version)
	}

	_, err = r.Rollback(context.Background(), RollbackRequest{Kind: taxrate.KindGST, Version: 42})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistory_ClampsLimit(t *testing.T) {
	s := newMemStore()
	r := newTestResolver(newCountingCache(), s, nil)
	ctx := context.Background()

	tests := []struct {
		limit int
		want  int
	}{
		{0, 20},
		{-5, 20},
		{7, 7},
		{1000, 100},
	}
	for _, tt := range tests {
		if _, err := r.History(ctx, taxrate.KindGST, "", false, tt.limit); err != nil {
			t.Fatal(err)
		}
		if s.lastQuery.Limit != tt.want {
			t.Errorf("limit %d: expected %d, got %d", tt.limit, tt.want, s.lastQuery.Limit)
		}
	}
}

func TestHistory_Scopes(t *testing.T) {
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3, gstV4)
	r := newTestResolver(newCountingCache(), s, nil)
	ctx := context.Background()

	got, err := r.History(ctx, taxrate.KindGST, "", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.lastQuery.AllScopes {
		t.Error("global kind should never list across scopes")
	}
	if len(got) != 2 || got[0].Version != 2 || !got[0].IsActive {
		t.Fatalf("expected newest first, got %+v", got)
	}

	if _, err := r.History(ctx, taxrate.KindITR, "", true, 0); err != nil {
		t.Fatal(err)
	}
	if !s.lastQuery.AllScopes {
		t.Error("expected all scopes for itr without scope")
	}
	if _, err := r.History(ctx, taxrate.KindITR, "", false, 0); err != nil {
		t.Fatal(err)
	}
	if s.lastQuery.AllScopes || s.lastQuery.Scope != "2025-26" {
		t.Errorf("expected default scope, got %+v", s.lastQuery)
	}
}

func TestVersion_ReturnsPayload(t *testing.T) {
	s := newMemStore()
	s.seed(t, taxrate.KindGST, "", taxrate.SourceManual, gstV3)
	r := newTestResolver(newCountingCache(), s, nil)

	v, err := r.Version(context.Background(), taxrate.KindGST, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Payload) != gstV3 {
		t.Fatalf("unexpected payload %s", v.Payload)
	}
}

// --- Invalidate ---

func TestInvalidate_EvictsLocalTier(t *testing.T) {
	c := evictingCache{newCountingCache()}
	c.data["gst:none"] = []byte("x")
	r := NewResolver(c, newMemStore(), nil, testResolverConfig(), nil)

	r.Invalidate(context.Background(), "gst:none")
	if len(c.evicted) != 1 || c.evicted[0] != "gst:none" {
		t.Fatalf("expected eviction, got %v", c.evicted)
	}
	if !c.has("gst:none") {
		t.Fatal("evict must not touch the shared tier")
	}
}

func TestInvalidate_DeletesWithoutLocalTier(t *testing.T) {
	c := newCountingCache()
	c.data["gst:none"] = []byte("x")
	r := newTestResolver(c, newMemStore(), nil)

	r.Invalidate(context.Background(), "gst:none")
	if c.has("gst:none") {
		t.Fatal("expected entry deleted")
	}
}
