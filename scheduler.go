package botmaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Nobunaga-N/b-maker-sub000/imagematch"
)

// TaskStatus is the lifecycle state of a queued run request.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskFinished TaskStatus = "finished"
	TaskError    TaskStatus = "error"
	TaskCanceled TaskStatus = "canceled"
)

// ScheduledTimeLayout is the timestamp format accepted in TaskParams.
const ScheduledTimeLayout = "02.01.2006 15:04"

// TaskParams configures one queued bot run.
type TaskParams struct {
	// Emulators is a device range string like "0:5,7".
	Emulators string
	// Threads caps how many devices the task may occupy at once.
	Threads int
	// Cycles bounds the run per device; 0 means unbounded.
	Cycles int
	// WorkTime bounds the wall clock per device; 0 means unbounded.
	WorkTime time.Duration
	// UseSchedule defers the start until ScheduledTime.
	UseSchedule bool
	// ScheduledTime in ScheduledTimeLayout, local time.
	ScheduledTime string
	// Priority orders the queue; higher runs first.
	Priority int
}

// TaskView is a read-only snapshot of a task.
type TaskView struct {
	ID       string
	Bot      string
	Params   TaskParams
	Status   TaskStatus
	AddedAt  time.Time
	Serials  []string
	Progress []Progress
}

// sessionRunner is what the scheduler drives per allocated device.
// *BotExecutor is the production implementation.
type sessionRunner interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	Progress() Progress
	Wait() error
}

type session struct {
	serial    string
	runner    sessionRunner
	startedAt time.Time
	finalized bool
	err       error
}

type task struct {
	id      string
	bot     *Bot
	params  TaskParams
	status  TaskStatus
	addedAt time.Time

	sessions []*session
}

// SchedulerConfig tunes the supervisory loop.
type SchedulerConfig struct {
	// Tick is the supervision interval. Defaults to 1s.
	Tick time.Duration
}

// Scheduler owns the run queue: it fires scheduled tasks, allocates ready
// devices, starts one executor per device and finalizes finished sessions.
type Scheduler struct {
	devices   *DeviceManager
	emulators *EmulatorManager
	engine    *imagematch.Engine
	recorder  RunRecorder
	tick      time.Duration

	// newRunner is swappable in tests.
	newRunner func(bot *Bot, serial string, cfg ExecutorConfig) sessionRunner

	mu     sync.Mutex
	queue  []*task
	active []*task
	tasks  map[string]*task
	seq    int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewScheduler wires a scheduler. recorder may be nil; a NoopRecorder is
// used then.
func NewScheduler(devices *DeviceManager, emulators *EmulatorManager, engine *imagematch.Engine, recorder RunRecorder, cfg SchedulerConfig) *Scheduler {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	s := &Scheduler{
		devices:   devices,
		emulators: emulators,
		engine:    engine,
		recorder:  recorder,
		tick:      cfg.Tick,
		tasks:     make(map[string]*task),
	}
	s.newRunner = func(bot *Bot, serial string, ecfg ExecutorConfig) sessionRunner {
		return NewBotExecutor(bot, serial, s.devices, s.emulators, s.engine, ecfg)
	}
	return s
}

// Enqueue adds a run request and returns its task id. The queue is kept
// ordered by priority, first-come within equal priorities.
func (s *Scheduler) Enqueue(bot *Bot, params TaskParams) (string, error) {
	if bot == nil {
		return "", errors.New("scheduler: nil bot")
	}
	if params.Threads <= 0 {
		params.Threads = 1
	}
	if params.UseSchedule && params.ScheduledTime != "" {
		if _, err := time.ParseInLocation(ScheduledTimeLayout, params.ScheduledTime, time.Local); err != nil {
			return "", errors.Wrapf(err, "scheduler: bad scheduled time %q", params.ScheduledTime)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &task{
		id:      fmt.Sprintf("task_%d_%d", time.Now().Unix(), s.seq),
		bot:     bot,
		params:  params,
		status:  TaskQueued,
		addedAt: time.Now(),
	}
	inserted := false
	for i, other := range s.queue {
		if other.params.Priority < t.params.Priority {
			s.queue = append(s.queue[:i], append([]*task{t}, s.queue[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		s.queue = append(s.queue, t)
	}
	s.tasks[t.id] = t
	log.Info().Str("task", t.id).Str("bot", bot.Name).Int("priority", params.Priority).Msg("task queued")
	return t.id, nil
}

// Cancel removes a queued task or stops a running one. Stopping is
// cooperative; the task reaches a terminal status through supervision.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.Errorf("scheduler: task %s not found", id)
	}
	switch t.status {
	case TaskQueued:
		for i, queued := range s.queue {
			if queued.id == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		t.status = TaskCanceled
		log.Info().Str("task", id).Msg("queued task canceled")
		return nil
	case TaskRunning:
		for _, sess := range t.sessions {
			sess.runner.Stop()
		}
		log.Info().Str("task", id).Msg("running task stop requested")
		return nil
	default:
		return errors.Errorf("scheduler: task %s already %s", id, t.status)
	}
}

// ChangePriority moves a queued task to a new queue position, clamped to
// the queue bounds. Position 0 is the head.
func (s *Scheduler) ChangePriority(id string, newPosition int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, t := range s.queue {
		if t.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errors.Errorf("scheduler: task %s not queued", id)
	}
	if idx == newPosition {
		return nil
	}
	t := s.queue[idx]
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	if newPosition < 0 {
		newPosition = 0
	}
	if newPosition > len(s.queue) {
		newPosition = len(s.queue)
	}
	s.queue = append(s.queue[:newPosition], append([]*task{t}, s.queue[newPosition:]...)...)
	log.Info().Str("task", id).Int("position", newPosition).Msg("task repositioned")
	return nil
}

// StopAll clears the queue and stops every active session.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.queue {
		t.status = TaskCanceled
	}
	s.queue = nil
	for _, t := range s.active {
		for _, sess := range t.sessions {
			sess.runner.Stop()
		}
	}
	log.Info().Msg("stop-all: queue cleared, active sessions stopping")
}

// Task returns a snapshot of the task with the given id.
func (s *Scheduler) Task(id string) (TaskView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskView{}, false
	}
	return t.view(), true
}

// Tasks returns snapshots of every known task, queued first in order.
func (s *Scheduler) Tasks() []TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskView
	for _, t := range s.queue {
		out = append(out, t.view())
	}
	for _, t := range s.active {
		out = append(out, t.view())
	}
	for _, t := range s.tasks {
		if t.status == TaskQueued || t.status == TaskRunning {
			continue
		}
		out = append(out, t.view())
	}
	return out
}

func (t *task) view() TaskView {
	v := TaskView{
		ID:      t.id,
		Bot:     t.bot.Name,
		Params:  t.params,
		Status:  t.status,
		AddedAt: t.addedAt,
	}
	for _, sess := range t.sessions {
		v.Serials = append(v.Serials, sess.serial)
		v.Progress = append(v.Progress, sess.runner.Progress())
	}
	return v
}

// Start launches the supervisory loop. Stop halts it and every session.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	goSafe(gctx, group, "scheduler loop", func(ctx context.Context) error {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	})
	log.Info().Dur("tick", s.tick).Msg("scheduler started")
}

// Stop halts the loop, stops all sessions and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	group.Wait()
	s.StopAll()

	s.mu.Lock()
	active := append([]*task(nil), s.active...)
	s.mu.Unlock()
	for _, t := range active {
		for _, sess := range t.sessions {
			sess.runner.Wait()
		}
	}
	s.finalize(context.Background())
	log.Info().Msg("scheduler stopped")
}

// Tick runs one supervision pass: fire due tasks, then finalize finished
// sessions. Exported for driving the scheduler deterministically in tests
// and from the CLI.
func (s *Scheduler) Tick(ctx context.Context) {
	s.processQueue(ctx)
	s.finalize(ctx)
	s.devices.CleanupCrashedDevices(ctx)
}

func (s *Scheduler) processQueue(ctx context.Context) {
	s.mu.Lock()
	pending := append([]*task(nil), s.queue...)
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	now := time.Now()
	refreshed := false
	for _, t := range pending {
		if t.params.UseSchedule && t.params.ScheduledTime != "" {
			fireAt, err := time.ParseInLocation(ScheduledTimeLayout, t.params.ScheduledTime, time.Local)
			if err != nil {
				log.Warn().Str("task", t.id).Str("scheduled", t.params.ScheduledTime).Msg("unparseable schedule, starting now")
			} else if now.Before(fireAt) {
				continue
			}
		}
		// One refresh per pass keeps the ready set current without
		// hammering every device per queued task.
		if !refreshed {
			if _, err := s.devices.RefreshStatuses(ctx); err != nil {
				log.Error().Err(err).Msg("device refresh failed, skipping queue pass")
				return
			}
			refreshed = true
		}
		s.startTask(ctx, t)
	}
}

// allocate intersects the requested device range with the ready set, caps
// it at threads and registers the bot on each claimed device.
func (s *Scheduler) allocate(t *task) []string {
	indexes := ParseDeviceRange(t.params.Emulators)
	ready := make(map[string]bool)
	for _, serial := range s.devices.ReadyDevices() {
		ready[serial] = true
	}
	var allocated []string
	for _, idx := range indexes {
		if len(allocated) >= t.params.Threads {
			break
		}
		serial := EmulatorSerial(idx)
		if !ready[serial] {
			continue
		}
		if err := s.devices.RegisterBot(serial, t.bot.Name); err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("device claim failed")
			continue
		}
		allocated = append(allocated, serial)
	}
	return allocated
}

func (s *Scheduler) startTask(ctx context.Context, t *task) {
	serials := s.allocate(t)
	if len(serials) == 0 {
		log.Debug().Str("task", t.id).Str("bot", t.bot.Name).Msg("no ready devices, task stays queued")
		return
	}

	ecfg := ExecutorConfig{MaxCycles: t.params.Cycles, MaxTime: t.params.WorkTime}
	var started []*session
	for _, serial := range serials {
		runner := s.newRunner(t.bot, serial, ecfg)
		if err := runner.Start(ctx); err != nil {
			log.Error().Err(err).Str("serial", serial).Str("bot", t.bot.Name).Msg("executor start failed")
			s.devices.UnregisterBot(serial)
			continue
		}
		started = append(started, &session{serial: serial, runner: runner, startedAt: time.Now()})
	}
	if len(started) == 0 {
		return
	}

	s.mu.Lock()
	t.sessions = started
	t.status = TaskRunning
	for i, queued := range s.queue {
		if queued.id == t.id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.active = append(s.active, t)
	s.mu.Unlock()
	log.Info().Str("task", t.id).Str("bot", t.bot.Name).Strs("serials", serialsOf(started)).Msg("task started")
}

func serialsOf(sessions []*session) []string {
	out := make([]string, len(sessions))
	for i, sess := range sessions {
		out[i] = sess.serial
	}
	return out
}

// finalize releases devices of finished executors and retires tasks whose
// sessions have all ended.
func (s *Scheduler) finalize(ctx context.Context) {
	s.mu.Lock()
	active := append([]*task(nil), s.active...)
	s.mu.Unlock()

	for _, t := range active {
		allDone := true
		for _, sess := range t.sessions {
			if sess.runner.IsRunning() {
				allDone = false
				continue
			}
			if sess.finalized {
				continue
			}
			sess.finalized = true
			s.devices.UnregisterBot(sess.serial)
			runErr := sess.runner.Wait()
			sess.err = runErr
			progress := sess.runner.Progress()
			rec := RunRecord{
				TaskID:     t.id,
				Bot:        t.bot.Name,
				Serial:     sess.serial,
				StartedAt:  sess.startedAt,
				FinishedAt: time.Now(),
				Stats:      progress.Stats,
			}
			if runErr != nil {
				rec.Error = runErr.Error()
			}
			if err := s.recorder.RecordRun(ctx, rec); err != nil {
				log.Error().Err(err).Str("task", t.id).Str("serial", sess.serial).Msg("run record failed")
			}
			log.Info().Str("task", t.id).Str("serial", sess.serial).
				Int("cycles", progress.Stats.CyclesCompleted).Msg("session finished")
		}
		if !allDone {
			continue
		}
		failed := false
		for _, sess := range t.sessions {
			if sess.err != nil {
				failed = true
				break
			}
		}
		s.mu.Lock()
		if failed {
			t.status = TaskError
		} else if t.status == TaskRunning {
			t.status = TaskFinished
		}
		for i, a := range s.active {
			if a.id == t.id {
				s.active = append(s.active[:i], s.active[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		log.Info().Str("task", t.id).Str("status", string(t.status)).Msg("task finished")
	}
}
