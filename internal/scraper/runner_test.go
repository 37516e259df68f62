package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/anomaly"
)

type fakeAnomalyStore struct {
	mu       sync.Mutex
	recorded []anomaly.Anomaly
	failWith error
}

func (s *fakeAnomalyStore) Record(_ context.Context, a anomaly.Anomaly) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	s.recorded = append(s.recorded, a)
	return int64(len(s.recorded)), nil
}

func (s *fakeAnomalyStore) Transition(context.Context, int64, anomaly.Status, string) error {
	return nil
}

func (s *fakeAnomalyStore) List(context.Context, anomaly.Filter) ([]anomaly.Anomaly, error) {
	return nil, nil
}

func (s *fakeAnomalyStore) Get(context.Context, int64) (anomaly.Anomaly, error) {
	return anomaly.Anomaly{}, nil
}

type record struct {
	key string
}

func (r record) NaturalKey() string { return r.key }

type fakeSource struct {
	name        string
	units       []record
	fetchErr    error
	fetchCalls  int
	validation  Validation
	persistErrs map[string]error
	persisted   []string
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) FetchPrimary(context.Context) ([]record, error) {
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.units, nil
}

func (s *fakeSource) Validate([]record) Validation { return s.validation }

func (s *fakeSource) Persist(_ context.Context, unit record) error {
	if err := s.persistErrs[unit.key]; err != nil {
		return err
	}
	s.persisted = append(s.persisted, unit.key)
	return nil
}

type fallbackFakeSource struct {
	fakeSource
	fallbackUnits []record
	fallbackErr   error
	fallbackCalls int
}

func (s *fallbackFakeSource) FetchFallback(context.Context) ([]record, error) {
	s.fallbackCalls++
	if s.fallbackErr != nil {
		return nil, s.fallbackErr
	}
	return s.fallbackUnits, nil
}

func newTestRunner(store anomaly.Store) *Runner {
	r := NewRunner(NewRetryer(3, time.Second, time.Minute), NewLimiter(0), store, zap.NewNop())
	r.Retryer.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRetryerBackoffDoubles(t *testing.T) {
	t.Parallel()

	r := NewRetryer(5, time.Second, time.Minute)
	require.Equal(t, time.Second, r.Backoff(1))
	require.Equal(t, 2*time.Second, r.Backoff(2))
	require.Equal(t, 4*time.Second, r.Backoff(3))
	require.Equal(t, 8*time.Second, r.Backoff(4))

	capped := NewRetryer(10, time.Second, 5*time.Second)
	require.Equal(t, 5*time.Second, capped.Backoff(9))
}

func TestFetchRetriesExactlyThenFallback(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	retryer := NewRetryer(3, time.Second, time.Minute)
	retryer.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	r := NewRunner(retryer, NewLimiter(0), &fakeAnomalyStore{}, zap.NewNop())

	src := &fallbackFakeSource{
		fakeSource:    fakeSource{name: "votes", fetchErr: errors.New("boom")},
		fallbackUnits: []record{{key: "fb-1"}},
	}

	units, usedFallback, err := Fetch(context.Background(), r, src.Name(), src.FetchPrimary, src.FetchFallback)
	require.NoError(t, err)
	require.True(t, usedFallback)
	require.Len(t, units, 1)

	require.Equal(t, 3, src.fetchCalls)
	require.Equal(t, 1, src.fallbackCalls)
	// Strictly increasing backoff between primary attempts.
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestFetchNoFallbackPropagatesError(t *testing.T) {
	t.Parallel()

	r := newTestRunner(&fakeAnomalyStore{})
	src := &fakeSource{name: "bills", fetchErr: errors.New("down")}

	_, _, err := Fetch[record](context.Background(), r, src.Name(), src.FetchPrimary, nil)
	require.Error(t, err)
	require.Equal(t, 3, src.fetchCalls)
}

func TestFetchDoesNotRetryCancellation(t *testing.T) {
	t.Parallel()

	r := newTestRunner(&fakeAnomalyStore{})
	src := &fakeSource{name: "bills", fetchErr: context.Canceled}

	_, _, err := Fetch[record](context.Background(), r, src.Name(), src.FetchPrimary, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, src.fetchCalls)
}

func TestRunPersistsAndTallies(t *testing.T) {
	t.Parallel()

	store := &fakeAnomalyStore{}
	r := newTestRunner(store)

	var v Validation
	v.Add(anomaly.New("members", "", "missing_field", "no constituency", anomaly.SeverityMedium))

	src := &fakeSource{
		name:       "members",
		units:      []record{{key: "a"}, {key: "b"}, {key: "c"}, {key: "d"}},
		validation: v,
		persistErrs: map[string]error{
			"b": fmt.Errorf("resolve member: %w", Skip("no matching member")),
			"c": errors.New("connection reset"),
		},
	}

	report, err := Run[record](context.Background(), r, src, "job-7")
	require.NoError(t, err)

	require.Equal(t, 2, report.Persisted)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Anomalies)
	require.Equal(t, []string{"a", "d"}, src.persisted)

	// The runner stamps the job id onto recorded anomalies.
	require.Len(t, store.recorded, 1)
	require.Equal(t, "job-7", store.recorded[0].JobID)
}

func TestRunAnomalyWriteFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	store := &fakeAnomalyStore{failWith: errors.New("db down")}
	r := newTestRunner(store)

	var v Validation
	v.Add(anomaly.New("votes", "", "range", "negative count", anomaly.SeverityHigh))

	src := &fakeSource{name: "votes", units: []record{{key: "v1"}}, validation: v}

	report, err := Run[record](context.Background(), r, src, "job-8")
	require.NoError(t, err)
	require.Equal(t, 1, report.Persisted)
	require.Equal(t, 0, report.Anomalies)
}
