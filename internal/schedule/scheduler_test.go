package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avennor/ensemble/internal/store"
)

// mockScheduleStore satisfies store.Store for scheduler tests.
type mockScheduleStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledStart
}

func newMockScheduleStore() *mockScheduleStore {
	return &mockScheduleStore{jobs: make(map[string]*store.ScheduledStart)}
}

func (m *mockScheduleStore) CreateScheduledStart(_ context.Context, job *store.ScheduledStart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockScheduleStore) ListScheduledStarts(_ context.Context, onlyEnabled bool) ([]*store.ScheduledStart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledStart
	for _, j := range m.jobs {
		if onlyEnabled && !j.Enabled {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockScheduleStore) UpdateScheduledStart(_ context.Context, id string, update store.ScheduledStartUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

// mockStarter tracks StartWorkflow calls.
type mockStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	Workflow string
	UserTask string
}

func (r *mockStarter) StartWorkflow(_ context.Context, name, userTask, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{Workflow: name, UserTask: userTask})
	if r.err != nil {
		return "", r.err
	}
	return "instance-1", nil
}

func (r *mockStarter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func dueJob(id string) *store.ScheduledStart {
	past := time.Now().UTC().Add(-time.Minute)
	return &store.ScheduledStart{
		ID:             id,
		Workflow:       "nightly-report",
		UserTask:       "compile the report",
		CronExpression: "0 3 * * *",
		Enabled:        true,
		NextRunAt:      &past,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestTick_FiresDueStart(t *testing.T) {
	st := newMockScheduleStore()
	starter := &mockStarter{}
	s := NewScheduler(st, starter, nil)

	require.NoError(t, st.CreateScheduledStart(context.Background(), dueJob("j1")))
	s.tick(context.Background())

	require.Equal(t, 1, starter.callCount())
	assert.Equal(t, "nightly-report", starter.calls[0].Workflow)
	assert.Equal(t, "compile the report", starter.calls[0].UserTask)

	job := st.jobs["j1"]
	assert.Equal(t, "success", job.LastRunStatus)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))
}

func TestTick_SkipsNotYetDue(t *testing.T) {
	st := newMockScheduleStore()
	starter := &mockStarter{}
	s := NewScheduler(st, starter, nil)

	job := dueJob("j1")
	future := time.Now().UTC().Add(time.Hour)
	job.NextRunAt = &future
	require.NoError(t, st.CreateScheduledStart(context.Background(), job))

	s.tick(context.Background())
	assert.Equal(t, 0, starter.callCount())
}

func TestTick_SkipsDisabled(t *testing.T) {
	st := newMockScheduleStore()
	starter := &mockStarter{}
	s := NewScheduler(st, starter, nil)

	job := dueJob("j1")
	job.Enabled = false
	require.NoError(t, st.CreateScheduledStart(context.Background(), job))

	s.tick(context.Background())
	assert.Equal(t, 0, starter.callCount())
}

func TestTick_NilNextRunFiresImmediately(t *testing.T) {
	st := newMockScheduleStore()
	starter := &mockStarter{}
	s := NewScheduler(st, starter, nil)

	job := dueJob("j1")
	job.NextRunAt = nil
	require.NoError(t, st.CreateScheduledStart(context.Background(), job))

	s.tick(context.Background())
	assert.Equal(t, 1, starter.callCount())
}

func TestTick_RecordsErrorStatus(t *testing.T) {
	st := newMockScheduleStore()
	starter := &mockStarter{err: errors.New("definition missing")}
	s := NewScheduler(st, starter, nil)

	require.NoError(t, st.CreateScheduledStart(context.Background(), dueJob("j1")))
	s.tick(context.Background())

	assert.Equal(t, "error", st.jobs["j1"].LastRunStatus)
	require.NotNil(t, st.jobs["j1"].NextRunAt)
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(newMockScheduleStore(), &mockStarter{}, nil)

	from := time.Date(2026, 1, 10, 2, 0, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	st := newMockScheduleStore()
	starter := &mockStarter{}
	s := NewScheduler(st, starter, nil)

	require.NoError(t, st.CreateScheduledStart(context.Background(), dueJob("j1")))
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start must fail")

	// The initial tick fires the due job.
	require.Eventually(t, func() bool { return starter.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
