package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"swiftnotes/api/internal/config"
	"swiftnotes/api/internal/metrics"
	"swiftnotes/api/internal/preferences"
	"swiftnotes/api/internal/store"
)

// fakeStore keeps preference bytes per user in memory. The ...Fn hooks
// override individual operations.
type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]store.Profile

	getProfileFn        func(context.Context, string) (store.Profile, error)
	updatePreferencesFn func(context.Context, string, store.MutateFunc) (store.PreferencesWrite, error)
	deleteProfileFn     func(context.Context, string) error
	pingFn              func(context.Context) error

	getCalls    int
	updateCalls int
}

func newFakeStore(rows map[string]string) *fakeStore {
	f := &fakeStore{profiles: make(map[string]store.Profile)}
	for id, raw := range rows {
		profile := store.Profile{ID: id, Email: id + "@example.com", DisplayName: id}
		if raw != "NULL" {
			profile.Preferences = []byte(raw)
		}
		f.profiles[id] = profile
	}
	return f
}

func (f *fakeStore) EnsureProfile(_ context.Context, profile store.Profile) (store.Profile, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.profiles[profile.ID]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	profile.Preferences = []byte("{}")
	profile.CreatedAt = now
	profile.UpdatedAt = now
	f.profiles[profile.ID] = profile
	return profile, true, nil
}

func (f *fakeStore) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	f.mu.Lock()
	f.getCalls++
	f.mu.Unlock()
	if f.getProfileFn != nil {
		return f.getProfileFn(ctx, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (f *fakeStore) UpdatePreferences(ctx context.Context, userID string, mutate store.MutateFunc) (store.PreferencesWrite, error) {
	f.mu.Lock()
	f.updateCalls++
	f.mu.Unlock()
	if f.updatePreferencesFn != nil {
		return f.updatePreferencesFn(ctx, userID, mutate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return store.PreferencesWrite{}, sql.ErrNoRows
	}
	next, err := mutate(profile.Preferences)
	if err != nil {
		return store.PreferencesWrite{}, err
	}
	profile.Preferences = next
	profile.PreferencesVersion++
	profile.UpdatedAt = time.Now().UTC()
	f.profiles[userID] = profile
	return store.PreferencesWrite{Preferences: next, Version: profile.PreferencesVersion, UpdatedAt: profile.UpdatedAt}, nil
}

func (f *fakeStore) DeleteProfile(ctx context.Context, userID string) error {
	if f.deleteProfileFn != nil {
		return f.deleteProfileFn(ctx, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[userID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.profiles, userID)
	return nil
}

func (f *fakeStore) ListRawPreferences(context.Context) ([]store.RawPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]store.RawPreferences, 0, len(f.profiles))
	for id, profile := range f.profiles {
		rows = append(rows, store.RawPreferences{UserID: id, Preferences: profile.Preferences})
	}
	return rows, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// profile returns a copy of the row as it is right now.
func (f *fakeStore) profile(userID string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (f *fakeStore) raw(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.profiles[userID].Preferences)
}

type cachedDoc struct {
	doc     preferences.Document
	version int64
}

// fakeCache follows the RedisStore contract: Set never replaces a newer
// version and deleted users stay uncached.
type fakeCache struct {
	mu          sync.Mutex
	docs        map[string]cachedDoc
	deleted     map[string]bool
	getErr      error
	setErr      error
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{docs: make(map[string]cachedDoc), deleted: make(map[string]bool)}
}

func (c *fakeCache) Get(_ context.Context, userID string) (preferences.Document, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	entry, ok := c.docs[userID]
	if !ok {
		return nil, false, nil
	}
	return entry.doc.Clone(), true, nil
}

func (c *fakeCache) Set(_ context.Context, userID string, doc preferences.Document, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return false, c.setErr
	}
	if c.deleted[userID] {
		return false, nil
	}
	if current, ok := c.docs[userID]; ok && current.version >= version {
		return false, nil
	}
	c.docs[userID] = cachedDoc{doc: doc.Clone(), version: version}
	return true, nil
}

func (c *fakeCache) MarkDeleted(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, userID)
	c.deleted[userID] = true
	return nil
}

func (c *fakeCache) version(userID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.docs[userID]
	return entry.version, ok
}

func (c *fakeCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, userID)
	c.invalidated = append(c.invalidated, userID)
	return nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{JWTSecret: "test-secret"}, fs, nil, nil, nil)
}

func TestGetPreferencesAppliesDefaults(t *testing.T) {
	cases := map[string]string{
		"empty object":   `{}`,
		"sql null":       "NULL",
		"json null":      `null`,
		"malformed":      `{"defaultToneLevel":`,
		"array":          `[1,2,3]`,
		"double encoded": `"{}"`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(newFakeStore(map[string]string{"u1": raw}))
			prefs, err := svc.GetPreferences(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, preferences.Defaults(), prefs)
		})
	}
}

func TestGetPreferencesKeepsValidStoredKeys(t *testing.T) {
	svc := newTestService(newFakeStore(map[string]string{
		"u1": `"{\"defaultToneLevel\":80,\"defaultDetailLevel\":\"loud\",\"theme\":\"dark\"}"`,
	}))
	prefs, err := svc.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 80, prefs[preferences.KeyToneLevel])
	assert.Equal(t, "detailed", prefs[preferences.KeyDetailLevel])
	assert.Equal(t, "dark", prefs["theme"])
	assert.Equal(t, true, prefs[preferences.KeyEmailNotifications])
}

func TestGetPreferencesDoesNotWrite(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `not json`})
	svc := newTestService(fs)

	_, err := svc.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, fs.updateCalls)
	assert.Equal(t, "not json", fs.raw("u1"))
}

func TestGetPreferencesMissingProfileIsNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(nil))
	_, err := svc.GetPreferences(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFailureIsRetryable(t *testing.T) {
	fs := newFakeStore(nil)
	fs.getProfileFn = func(context.Context, string) (store.Profile, error) {
		return store.Profile{}, errors.New("connection refused")
	}
	svc := newTestService(fs)

	_, err := svc.GetPreferences(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, errors.Is(err, ErrNotFound))

	status, code, _, details := mapError(err)
	assert.Equal(t, 503, status)
	assert.Equal(t, "STORAGE_UNAVAILABLE", code)
	assert.Equal(t, map[string]any{"retryable": true}, details)
}

func TestUpdatePreferencesMergesIntoStored(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{"defaultToneLevel":20,"theme":"dark"}`})
	svc := newTestService(fs)

	merged, err := svc.UpdatePreferences(context.Background(), "u1", preferences.Document{
		preferences.KeyWeeklyReports: true,
	})
	require.NoError(t, err)

	assert.Equal(t, preferences.Document{
		preferences.KeyToneLevel:     20,
		preferences.KeyWeeklyReports: true,
		"theme":                      "dark",
	}, merged)
	assert.JSONEq(t, `{"defaultToneLevel":20,"theme":"dark","weeklyReports":true}`, fs.raw("u1"))
}

func TestUpdatePreferencesRejectsWholePatch(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{"defaultToneLevel":20}`})
	svc := newTestService(fs)

	_, err := svc.UpdatePreferences(context.Background(), "u1", preferences.Document{
		preferences.KeyToneLevel:       150,
		preferences.KeyDetailLevel:     "verbose",
		preferences.KeyWeeklyReports:   true,
		preferences.KeyUseTimePatterns: "yes",
	})

	var validationErr *preferences.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.ElementsMatch(t, []string{
		preferences.KeyToneLevel,
		preferences.KeyDetailLevel,
		preferences.KeyUseTimePatterns,
	}, validationErr.FieldNames())
	assert.Equal(t, 0, fs.updateCalls)
	assert.Equal(t, `{"defaultToneLevel":20}`, fs.raw("u1"))
}

func TestUpdatePreferencesHealsLegacyValue(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `"{\"defaultToneLevel\":30}"`})
	svc := newTestService(fs)

	_, err := svc.UpdatePreferences(context.Background(), "u1", preferences.Document{
		preferences.KeyEmailNotifications: false,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"defaultToneLevel":30,"emailNotifications":false}`, fs.raw("u1"))
}

func TestUpdatePreferencesMissingProfile(t *testing.T) {
	svc := newTestService(newFakeStore(nil))
	_, err := svc.UpdatePreferences(context.Background(), "ghost", preferences.Document{
		preferences.KeyWeeklyReports: true,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateThenReadRoundTrips(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{}`})
	svc := newTestService(fs)
	ctx := context.Background()

	_, err := svc.UpdatePreferences(ctx, "u1", preferences.Document{
		preferences.KeyToneLevel:   70,
		preferences.KeyDetailLevel: "brief",
	})
	require.NoError(t, err)
	first, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)

	_, err = svc.UpdatePreferences(ctx, "u1", first)
	require.NoError(t, err)
	second, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCacheHitSkipsStore(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{"defaultToneLevel":10}`})
	cache := newFakeCache()
	m := metrics.New()
	svc := New(config.Config{}, fs, cache, nil, m)
	ctx := context.Background()

	first, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	second, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fs.getCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PreferenceReads.WithLabelValues(metrics.SourceCache)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PreferenceReads.WithLabelValues(metrics.SourceStore)))
}

func TestUpdateWritesThroughCache(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{}`})
	cache := newFakeCache()
	svc := New(config.Config{}, fs, cache, nil, nil)
	ctx := context.Background()

	_, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)

	_, err = svc.UpdatePreferences(ctx, "u1", preferences.Document{preferences.KeyToneLevel: 90})
	require.NoError(t, err)
	version, ok := cache.version("u1")
	require.True(t, ok)
	assert.Equal(t, int64(1), version)

	prefs, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 90, prefs[preferences.KeyToneLevel])
	assert.Equal(t, 1, fs.getCalls)
}

func TestFailedCacheWriteDropsEntry(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{"defaultToneLevel":10}`})
	cache := newFakeCache()
	svc := New(config.Config{}, fs, cache, nil, nil)
	ctx := context.Background()

	_, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)

	cache.setErr = errors.New("redis down")
	_, err = svc.UpdatePreferences(ctx, "u1", preferences.Document{preferences.KeyToneLevel: 60})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, cache.invalidated)

	cache.setErr = nil
	prefs, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, prefs[preferences.KeyToneLevel])
}

func TestReadStartedBeforeUpdateDoesNotCacheOldDocument(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{"defaultToneLevel":20}`})
	entered := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	fs.getProfileFn = func(_ context.Context, userID string) (store.Profile, error) {
		profile, err := fs.profile(userID)
		first.Do(func() {
			close(entered)
			<-release
		})
		return profile, err
	}
	svc := New(config.Config{}, fs, newFakeCache(), nil, nil)
	ctx := context.Background()

	read := make(chan error, 1)
	go func() {
		_, err := svc.GetPreferences(ctx, "u1")
		read <- err
	}()
	<-entered

	// The update commits while the read above still holds the old row.
	_, err := svc.UpdatePreferences(ctx, "u1", preferences.Document{preferences.KeyToneLevel: 80})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-read)

	prefs, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 80, prefs[preferences.KeyToneLevel])
	assert.JSONEq(t, `{"defaultToneLevel":80}`, fs.raw("u1"))
}

func TestCanceledCallerDoesNotFailSharedRead(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{"defaultToneLevel":35}`})
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	fs.getProfileFn = func(ctx context.Context, userID string) (store.Profile, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return store.Profile{}, ctx.Err()
		}
		return fs.profile(userID)
	}
	svc := newTestService(fs)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.GetPreferences(ctxA, "u1")
		errA <- err
	}()
	<-entered

	type outcome struct {
		prefs preferences.Document
		err   error
	}
	resultB := make(chan outcome, 1)
	go func() {
		prefs, err := svc.GetPreferences(context.Background(), "u1")
		resultB <- outcome{prefs, err}
	}()
	// Give the second caller time to join the read in flight.
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resultB
	require.NoError(t, b.err)
	assert.Equal(t, 35, b.prefs[preferences.KeyToneLevel])
	assert.Equal(t, 1, fs.getCalls)
}

func TestCacheFailureFallsBackToStore(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{"weeklyReports":true}`})
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	m := metrics.New()
	svc := New(config.Config{}, fs, cache, nil, m)

	prefs, err := svc.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, true, prefs[preferences.KeyWeeklyReports])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheErrors))
}

func TestHealedReadIsLoggedAndCounted(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := metrics.New()
	svc := New(config.Config{}, newFakeStore(map[string]string{"u1": `[]`}), nil, zap.New(core), m)

	_, err := svc.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)

	entries := logs.FilterMessage("stored preferences were not a JSON object").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].ContextMap()["user_id"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealedDocuments))
}

func TestRepairPreferencesRewritesOnlyNonCanonicalRows(t *testing.T) {
	fs := newFakeStore(map[string]string{
		"clean":   `{"defaultToneLevel":40}`,
		"null":    "NULL",
		"encoded": `"{\"weeklyReports\":true}"`,
		"broken":  `{oops`,
	})
	svc := newTestService(fs)

	report, err := svc.RepairPreferences(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 3, report.Repaired)
	assert.ElementsMatch(t, []string{"null", "encoded", "broken"}, report.UserIDs)
	assert.Equal(t, `{"defaultToneLevel":40}`, fs.raw("clean"))
	assert.Equal(t, `{}`, fs.raw("null"))
	assert.JSONEq(t, `{"weeklyReports":true}`, fs.raw("encoded"))
	assert.Equal(t, `{}`, fs.raw("broken"))
}

func TestEnsureProfileDerivesDisplayName(t *testing.T) {
	fs := newFakeStore(nil)
	svc := newTestService(fs)

	profile, created, err := svc.EnsureProfile(context.Background(), Session{UserID: "u9", Email: "casey@example.com"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "casey", profile.DisplayName)
	assert.Equal(t, preferences.Defaults(), profile.Preferences)

	_, created, err = svc.EnsureProfile(context.Background(), Session{UserID: "u9", Email: "casey@example.com"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestDeleteProfile(t *testing.T) {
	fs := newFakeStore(map[string]string{"u1": `{}`})
	cache := newFakeCache()
	svc := New(config.Config{}, fs, cache, nil, nil)

	_, err := svc.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteProfile(context.Background(), "u1"))
	assert.True(t, cache.deleted["u1"])
	_, cached, _ := cache.Get(context.Background(), "u1")
	assert.False(t, cached)
	assert.ErrorIs(t, svc.DeleteProfile(context.Background(), "u1"), ErrNotFound)
}
