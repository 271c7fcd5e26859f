package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/redconsec/redcon/internal/model"
	"github.com/redconsec/redcon/internal/schedule"
)

type launchRecorder struct {
	mx   sync.Mutex
	reqs []model.ScanRequest
	fail bool
}

func (l *launchRecorder) launch(_ context.Context, req model.ScanRequest) (model.Scan, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.reqs = append(l.reqs, req)
	if l.fail {
		return model.Scan{}, model.ErrValidation
	}
	return model.Scan{ID: uuid.New(), Status: model.StatusQueued}, nil
}

func (l *launchRecorder) count() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.reqs)
}

func template() model.ScanTemplate {
	return model.ScanTemplate{
		Name:    "nightly",
		Type:    model.ScanTypeNetwork,
		Targets: []string{"198.51.100.0/24"},
	}
}

func TestNewRejectsBadExpressions(t *testing.T) {
	t.Parallel()
	rec := &launchRecorder{}

	cases := []struct {
		scenario string
		given    model.ScheduleConfig
	}{
		{"bad_cron", model.ScheduleConfig{ID: "a", Name: "a", Type: model.ScheduleCron, Expression: "* * *", Template: template()}},
		{"bad_interval", model.ScheduleConfig{ID: "a", Name: "a", Type: model.ScheduleInterval, Expression: "soon", Template: template()}},
		{"bad_one_time", model.ScheduleConfig{ID: "a", Name: "a", Type: model.ScheduleOneTime, Expression: "tomorrow", Template: template()}},
		{"bad_last_run", model.ScheduleConfig{ID: "a", Name: "a", Type: model.ScheduleCron, Expression: "0 0 * * *", LastRun: "yesterday", Template: template()}},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := schedule.New(t.Context(), []model.ScheduleConfig{tc.given}, rec.launch)
			require.Error(t, err)
		})
	}

	t.Run("duplicate_id", func(t *testing.T) {
		cfg := model.ScheduleConfig{ID: "a", Name: "a", Type: model.ScheduleCron, Expression: "0 0 * * *", Template: template()}
		_, err := schedule.New(t.Context(), []model.ScheduleConfig{cfg, cfg}, rec.launch)
		require.Error(t, err)
	})
}

func TestIntervalFires(t *testing.T) {
	t.Parallel()
	rec := &launchRecorder{}
	s, err := schedule.New(t.Context(), []model.ScheduleConfig{{
		ID: "every-second", Name: "tick", Type: model.ScheduleInterval,
		Expression: "1s", Template: template(),
	}}, rec.launch)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Shutdown()) })

	s.Start()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 5*time.Second, 50*time.Millisecond)

	rec.mx.Lock()
	req := rec.reqs[0]
	rec.mx.Unlock()
	require.Equal(t, "nightly", req.Name)
	require.Equal(t, "every-second", req.ScheduleID)
	require.Equal(t, "scheduler", req.RequestedBy)
	require.True(t, req.Authorized)

	sched, err := s.Schedule("every-second")
	require.NoError(t, err)
	require.GreaterOrEqual(t, sched.RunCount, 1)
	require.Equal(t, sched.RunCount, sched.SuccessCount)
	require.NotNil(t, sched.LastRun)
	require.NotNil(t, sched.NextRun)
}

func TestCatchUpRunsOnce(t *testing.T) {
	t.Parallel()
	rec := &launchRecorder{}
	lastRun := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	s, err := schedule.New(t.Context(), []model.ScheduleConfig{{
		ID: "nightly", Name: "nightly", Type: model.ScheduleCron,
		Expression: "0 3 * * *", LastRun: lastRun, Template: template(),
	}}, rec.launch)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Shutdown()) })

	s.Start()
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 50*time.Millisecond)

	// the missed window triggers exactly one launch
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, rec.count())
}

func TestNoCatchUpWhenCurrent(t *testing.T) {
	t.Parallel()
	rec := &launchRecorder{}
	lastRun := time.Now().UTC().Format(time.RFC3339)
	s, err := schedule.New(t.Context(), []model.ScheduleConfig{{
		ID: "nightly", Name: "nightly", Type: model.ScheduleCron,
		Expression: "0 3 * * *", LastRun: lastRun, Template: template(),
	}}, rec.launch)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Shutdown()) })

	s.Start()
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, rec.count())
}

func TestOneTimeInThePastFiresOnStart(t *testing.T) {
	t.Parallel()
	rec := &launchRecorder{}
	at := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	s, err := schedule.New(t.Context(), []model.ScheduleConfig{{
		ID: "once", Name: "once", Type: model.ScheduleOneTime,
		Expression: at, Template: template(),
	}}, rec.launch)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Shutdown()) })

	s.Start()
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 50*time.Millisecond)

	sched, err := s.Schedule("once")
	require.NoError(t, err)
	require.Nil(t, sched.NextRun)
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	t.Parallel()
	rec := &launchRecorder{}
	disabled := false
	s, err := schedule.New(t.Context(), []model.ScheduleConfig{{
		ID: "off", Name: "off", Type: model.ScheduleInterval,
		Expression: "1s", Enabled: &disabled, Template: template(),
	}}, rec.launch)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Shutdown()) })

	s.Start()
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, 0, rec.count())

	// still visible as a record
	all := s.Schedules()
	require.Len(t, all, 1)
	require.False(t, all[0].Enabled)
}

func TestRejectedLaunchCountsAsFailure(t *testing.T) {
	t.Parallel()
	rec := &launchRecorder{fail: true}
	at := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	s, err := schedule.New(t.Context(), []model.ScheduleConfig{{
		ID: "once", Name: "once", Type: model.ScheduleOneTime,
		Expression: at, Template: template(),
	}}, rec.launch)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Shutdown()) })

	s.Start()
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 50*time.Millisecond)

	sched, err := s.Schedule("once")
	require.NoError(t, err)
	require.Equal(t, 1, sched.RunCount)
	require.Equal(t, 0, sched.SuccessCount)
	require.Equal(t, 1, sched.FailureCount)
}
