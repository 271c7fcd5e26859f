// Package schedule turns configured schedules into scan launches.
// Recurring schedules tick through gocron; a due time missed while the
// process was down triggers at most one catch-up launch on start.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/redconsec/redcon/internal/model"
)

// Launcher submits one scan request. engine.CreateScan satisfies it.
type Launcher func(ctx context.Context, req model.ScanRequest) (model.Scan, error)

type entry struct {
	cfg    model.ScheduleConfig
	record model.Schedule
	// catchUp marks a due time that passed while we were down
	catchUp bool
}

type Scheduler struct {
	mx       sync.Mutex
	launcher Launcher
	gc       gocron.Scheduler
	entries  map[string]*entry
	baseCtx  context.Context
}

// New builds the scheduler from configuration. Disabled schedules are
// kept as records but never fire.
func New(ctx context.Context, cfgs []model.ScheduleConfig, launcher Launcher) (*Scheduler, error) {
	gc, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	s := &Scheduler{
		launcher: launcher,
		gc:       gc,
		entries:  make(map[string]*entry, len(cfgs)),
		baseCtx:  ctx,
	}

	now := time.Now().UTC()
	for _, cfg := range cfgs {
		if _, ok := s.entries[cfg.ID]; ok {
			return nil, fmt.Errorf("duplicate schedule id %q", cfg.ID)
		}
		en := &entry{
			cfg: cfg,
			record: model.Schedule{
				ID:         cfg.ID,
				Name:       cfg.Name,
				Type:       cfg.Type,
				Expression: cfg.Expression,
				Enabled:    cfg.IsEnabled(),
				Template:   cfg.Template.Request(cfg.ID),
			},
		}
		if cfg.LastRun != "" {
			t, err := time.Parse(time.RFC3339, cfg.LastRun)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: parsing last_run: %w", cfg.ID, err)
			}
			tt := t.UTC()
			en.record.LastRun = &tt
		}
		s.entries[cfg.ID] = en
		if !cfg.IsEnabled() {
			continue
		}

		if err := s.plan(en, now); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", cfg.ID, err)
		}
	}
	return s, nil
}

// plan registers the gocron job for one entry and computes its next
// run and catch-up state.
func (s *Scheduler) plan(en *entry, now time.Time) error {
	id := en.cfg.ID
	fire := func() { s.fire(id) }

	switch en.cfg.Type {
	case model.ScheduleCron:
		sched, err := model.ParseCron(en.cfg.Expression)
		if err != nil {
			return fmt.Errorf("parsing cron expression: %w", err)
		}
		if last := en.record.LastRun; last != nil && sched.Next(*last).Before(now) {
			en.catchUp = true
		}
		next := sched.Next(now)
		en.record.NextRun = &next
		_, err = s.gc.NewJob(gocron.CronJob(en.cfg.Expression, false), gocron.NewTask(fire))
		return err

	case model.ScheduleInterval:
		d, err := model.ParseDuration(en.cfg.Expression)
		if err != nil {
			return fmt.Errorf("parsing interval: %w", err)
		}
		if last := en.record.LastRun; last != nil && last.Add(d).Before(now) {
			en.catchUp = true
		}
		next := now.Add(d)
		en.record.NextRun = &next
		_, err = s.gc.NewJob(gocron.DurationJob(d), gocron.NewTask(fire))
		return err

	case model.ScheduleOneTime:
		at, err := time.Parse(time.RFC3339, en.cfg.Expression)
		if err != nil {
			return fmt.Errorf("parsing one_time expression: %w", err)
		}
		at = at.UTC()
		if !at.After(now) {
			// missed while down; fire once on start, never schedule
			if en.record.LastRun == nil {
				en.catchUp = true
			}
			return nil
		}
		en.record.NextRun = &at
		_, err = s.gc.NewJob(
			gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
			gocron.NewTask(fire),
		)
		return err
	}
	return fmt.Errorf("unknown schedule type %q", en.cfg.Type)
}

// Start launches the ticking jobs and performs catch-up launches.
func (s *Scheduler) Start() {
	s.gc.Start()

	s.mx.Lock()
	var due []string
	for id, en := range s.entries {
		if en.catchUp {
			en.catchUp = false
			due = append(due, id)
		}
	}
	s.mx.Unlock()

	for _, id := range due {
		slog.InfoContext(s.baseCtx, "schedule catch-up run", "schedule_id", id)
		s.fire(id)
	}
}

func (s *Scheduler) Shutdown() error {
	return s.gc.Shutdown()
}

// fire launches one scan from the schedule's template and updates the
// schedule's counters.
func (s *Scheduler) fire(id string) {
	s.mx.Lock()
	en, ok := s.entries[id]
	if !ok {
		s.mx.Unlock()
		return
	}
	req := en.record.Template
	s.mx.Unlock()

	_, err := s.launcher(s.baseCtx, req)

	now := time.Now().UTC()
	s.mx.Lock()
	defer s.mx.Unlock()
	en.record.LastRun = &now
	en.record.RunCount++
	if err != nil {
		en.record.FailureCount++
	} else {
		en.record.SuccessCount++
	}
	s.advanceNextRun(en, now)

	if err != nil {
		slog.ErrorContext(s.baseCtx, "scheduled scan rejected",
			"schedule_id", id, "error", err)
		return
	}
	slog.InfoContext(s.baseCtx, "scheduled scan launched", "schedule_id", id)
}

func (s *Scheduler) advanceNextRun(en *entry, now time.Time) {
	switch en.cfg.Type {
	case model.ScheduleCron:
		if sched, err := model.ParseCron(en.cfg.Expression); err == nil {
			next := sched.Next(now)
			en.record.NextRun = &next
		}
	case model.ScheduleInterval:
		if d, err := model.ParseDuration(en.cfg.Expression); err == nil {
			next := now.Add(d)
			en.record.NextRun = &next
		}
	case model.ScheduleOneTime:
		en.record.NextRun = nil
	}
}

// Schedules returns a snapshot of every schedule with its counters.
func (s *Scheduler) Schedules() []model.Schedule {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]model.Schedule, 0, len(s.entries))
	for _, en := range s.entries {
		out = append(out, en.record)
	}
	return out
}

// Schedule returns one schedule by ID.
func (s *Scheduler) Schedule(id string) (model.Schedule, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	en, ok := s.entries[id]
	if !ok {
		return model.Schedule{}, errors.New("schedule not found")
	}
	return en.record, nil
}
