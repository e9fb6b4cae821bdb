package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func seedOverlapClasses(t *testing.T, s *Store) {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for key, overlap := range map[string]OverlapClass{
		"stock":   OverlapNone,
		"mixed":   OverlapPartial,
		"custom":  OverlapComplete,
		"stock-2": OverlapNone,
	} {
		e, payload := testEntry(key, 10, overlap, now)
		require.NoError(t, s.Insert(context.Background(), e, payload))
	}
}

func runChecks(t *testing.T, s *Store, opts Options, ds DataStore) ValidityReport {
	t.Helper()
	report, err := NewValidityChecker(s, DefaultChecks(opts, ds), zaptest.NewLogger(t)).Run(context.Background(), nil)
	require.NoError(t, err)
	return report
}

func TestValidityChecker_FirstRunRecordsFingerprints(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "tiles.db"))
	defer s.Close()

	opts := testOptions(t)
	ds := &fakeDataStore{universe: "u1", custom: "c1"}

	var calls []int
	report, err := NewValidityChecker(s, DefaultChecks(opts, ds), nil).Run(context.Background(), func(done, total int) {
		assert.Equal(t, 5, total)
		calls = append(calls, done)
	})
	require.NoError(t, err)
	assert.Len(t, report.Triggered, 5)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, calls)

	v, found, err := s.Fingerprint(context.Background(), FingerprintUniverse)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "u1", v)

	report = runChecks(t, s, opts, ds)
	assert.Empty(t, report.Triggered)
}

func TestValidityChecker_Purges(t *testing.T) {
	tests := []struct {
		name      string
		policy    CustomPolicy
		change    func(opts *Options, ds *fakeDataStore)
		triggered []string
		remaining []string
	}{
		{
			name:      "nothing changed",
			change:    func(*Options, *fakeDataStore) {},
			remaining: []string{"stock", "stock-2", "mixed", "custom"},
		},
		{
			name:      "source changed",
			change:    func(o *Options, _ *fakeDataStore) { o.SourceID = "https://mirror.example.org" },
			triggered: []string{FingerprintSource},
		},
		{
			name:      "vector flag changed",
			change:    func(o *Options, _ *fakeDataStore) { o.VectorEnabled = true },
			triggered: []string{FingerprintVector},
		},
		{
			name:      "universe changed",
			change:    func(_ *Options, ds *fakeDataStore) { ds.universe = "u2" },
			triggered: []string{FingerprintUniverse},
			remaining: []string{"custom"},
		},
		{
			name:      "custom data changed",
			change:    func(_ *Options, ds *fakeDataStore) { ds.custom = "c2" },
			triggered: []string{FingerprintCustomData},
		},
		{
			name:      "custom data changed, selective",
			policy:    CustomPurgeSelective,
			change:    func(_ *Options, ds *fakeDataStore) { ds.custom = "c2" },
			triggered: []string{FingerprintCustomData},
			remaining: []string{"stock", "stock-2"},
		},
		{
			name:      "custom data unreadable",
			policy:    CustomPurgeSelective,
			change:    func(_ *Options, ds *fakeDataStore) { ds.customErr = errors.New("sector files busy") },
			triggered: []string{FingerprintCustomData},
			remaining: []string{"stock", "stock-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t, filepath.Join(t.TempDir(), "tiles.db"))
			defer s.Close()

			opts := testOptions(t)
			if tt.policy != "" {
				opts.CustomPolicy = tt.policy
			}
			ds := &fakeDataStore{universe: "u1", custom: "c1"}
			runChecks(t, s, opts, ds)
			seedOverlapClasses(t, s)

			tt.change(&opts, ds)
			report := runChecks(t, s, opts, ds)

			assert.Equal(t, tt.triggered, report.Triggered)
			assert.ElementsMatch(t, tt.remaining, s.Keys())
		})
	}
}

func TestValidityChecker_UnreadableValueAlwaysTriggers(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "tiles.db"))
	defer s.Close()

	opts := testOptions(t)
	ds := &fakeDataStore{universe: "u1", customErr: errors.New("unavailable")}
	runChecks(t, s, opts, ds)

	v, found, err := s.Fingerprint(context.Background(), FingerprintCustomData)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "", v)

	ds.customErr = nil
	ds.custom = ""
	report := runChecks(t, s, opts, ds)
	assert.Equal(t, []string{FingerprintCustomData}, report.Triggered)
}

type failingFingerprints struct {
	values map[string]string
}

func (f *failingFingerprints) Fingerprint(_ context.Context, name string) (string, bool, error) {
	v, ok := f.values[name]
	return v, ok, nil
}

func (f *failingFingerprints) SetFingerprint(_ context.Context, name, value string) error {
	f.values[name] = value
	return nil
}

func (f *failingFingerprints) DeleteWhereOverlapNot(context.Context, OverlapClass) ([]string, error) {
	return nil, errors.New("database is locked")
}

func (f *failingFingerprints) DeleteAll(context.Context) (int, error) {
	return 0, errors.New("database is locked")
}

func TestValidityChecker_PurgeFailureStops(t *testing.T) {
	store := &failingFingerprints{values: map[string]string{}}
	checks := []Check{
		StaticCheck(FingerprintSchema, SchemaVersion, PurgeAll),
		StaticCheck(FingerprintSource, "src", PurgeAll),
	}

	_, err := NewValidityChecker(store, checks, nil).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), FingerprintSchema)

	_, found, _ := store.Fingerprint(context.Background(), FingerprintSchema)
	assert.False(t, found, "fingerprint must not be recorded when its purge failed")
}

func TestDefaultChecks_WithoutDataStore(t *testing.T) {
	checks := DefaultChecks(testOptions(t), nil)
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{FingerprintSchema, FingerprintSource, FingerprintVector}, names)
}
