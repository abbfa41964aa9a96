package botmaker

import (
	"context"
	"sync"
	"testing"
	"time"
)

// stubRunner stands in for a bot executor; tests flip it finished by hand.
type stubRunner struct {
	mu      sync.Mutex
	serial  string
	running bool
	stopped bool
	err     error
}

func (r *stubRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	return nil
}

func (r *stubRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *stubRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *stubRunner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{Serial: r.serial, Stats: Stats{CyclesCompleted: 2}}
}

func (r *stubRunner) Wait() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *stubRunner) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.err = err
}

type memRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (m *memRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) BotStats(ctx context.Context, bot string) (BotStats, error) {
	return BotStats{}, nil
}

func (m *memRecorder) Close() error { return nil }

func (m *memRecorder) recorded() []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunRecord(nil), m.records...)
}

// testScheduler wires a scheduler against a stub transport and captures
// every runner it spawns, keyed by serial.
func testScheduler(t *testing.T, states map[string]string, recorder RunRecorder) (*Scheduler, *DeviceManager, map[string]*stubRunner) {
	t.Helper()
	transport := newStubTransport(states)
	m := NewDeviceManager(transport)
	s := NewScheduler(m, nil, nil, recorder, SchedulerConfig{})
	runners := make(map[string]*stubRunner)
	var mu sync.Mutex
	s.newRunner = func(bot *Bot, serial string, cfg ExecutorConfig) sessionRunner {
		r := &stubRunner{serial: serial}
		mu.Lock()
		runners[serial] = r
		mu.Unlock()
		return r
	}
	return s, m, runners
}

func TestSchedulerAllocatesReadyDevicesInRequestedOrder(t *testing.T) {
	ctx := context.Background()
	states := map[string]string{
		"emulator-5554": "device",
		"emulator-5556": "device",
		"emulator-5558": "device",
	}
	s, m, runners := testScheduler(t, states, nil)
	if _, err := m.RefreshStatuses(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// Index 1 is already claimed by another bot.
	if err := m.RegisterBot("emulator-5556", "other"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	bot := &Bot{Name: "farm", Modules: []Module{&ClickModule{X: 1, Y: 1}}}
	id, err := s.Enqueue(bot, TaskParams{Emulators: "0:2", Threads: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Tick(ctx)

	view, ok := s.Task(id)
	if !ok {
		t.Fatal("task vanished")
	}
	if view.Status != TaskRunning {
		t.Fatalf("status = %s, want running", view.Status)
	}
	want := []string{"emulator-5554", "emulator-5558"}
	if len(view.Serials) != 2 || view.Serials[0] != want[0] || view.Serials[1] != want[1] {
		t.Fatalf("allocated %v, want %v", view.Serials, want)
	}
	for _, serial := range want {
		if _, ok := runners[serial]; !ok {
			t.Fatalf("no runner started on %s", serial)
		}
		if name := m.BotOn(serial); name != "farm" {
			t.Fatalf("device %s not claimed by farm", serial)
		}
	}
	if name := m.BotOn("emulator-5556"); name != "other" {
		t.Fatal("busy device was stolen")
	}
}

func TestSchedulerKeepsTaskQueuedWithoutReadyDevices(t *testing.T) {
	ctx := context.Background()
	s, _, runners := testScheduler(t, map[string]string{}, nil)
	bot := &Bot{Name: "farm", Modules: []Module{&ClickModule{X: 1, Y: 1}}}
	id, err := s.Enqueue(bot, TaskParams{Emulators: "0:3", Threads: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Tick(ctx)
	view, _ := s.Task(id)
	if view.Status != TaskQueued {
		t.Fatalf("status = %s, want queued", view.Status)
	}
	if len(runners) != 0 {
		t.Fatalf("%d runners started with no devices", len(runners))
	}
}

func TestSchedulerQueueOrderedByPriority(t *testing.T) {
	s, _, _ := testScheduler(t, map[string]string{}, nil)
	bot := &Bot{Name: "b", Modules: []Module{&ClickModule{}}}
	low, _ := s.Enqueue(bot, TaskParams{Priority: 1})
	high, _ := s.Enqueue(bot, TaskParams{Priority: 5})
	midA, _ := s.Enqueue(bot, TaskParams{Priority: 3})
	midB, _ := s.Enqueue(bot, TaskParams{Priority: 3})

	views := s.Tasks()
	got := []string{views[0].ID, views[1].ID, views[2].ID, views[3].ID}
	want := []string{high, midA, midB, low}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order %v, want %v", got, want)
		}
	}
}

func TestSchedulerChangePriorityRepositions(t *testing.T) {
	s, _, _ := testScheduler(t, map[string]string{}, nil)
	bot := &Bot{Name: "b", Modules: []Module{&ClickModule{}}}
	first, _ := s.Enqueue(bot, TaskParams{})
	second, _ := s.Enqueue(bot, TaskParams{})
	third, _ := s.Enqueue(bot, TaskParams{})

	if err := s.ChangePriority(third, 0); err != nil {
		t.Fatalf("reposition: %v", err)
	}
	views := s.Tasks()
	want := []string{third, first, second}
	for i := range want {
		if views[i].ID != want[i] {
			t.Fatalf("order after move: %v %v %v, want %v", views[0].ID, views[1].ID, views[2].ID, want)
		}
	}

	// Out-of-range positions clamp instead of failing.
	if err := s.ChangePriority(third, 99); err != nil {
		t.Fatalf("clamp reposition: %v", err)
	}
	views = s.Tasks()
	if views[len(views)-1].ID != third {
		t.Fatal("task did not move to the tail")
	}
	if err := s.ChangePriority("task_0_0", 0); err == nil {
		t.Fatal("unknown task should error")
	}
}

func TestSchedulerScheduleDefersStart(t *testing.T) {
	ctx := context.Background()
	s, _, runners := testScheduler(t, map[string]string{"emulator-5554": "device"}, nil)
	bot := &Bot{Name: "b", Modules: []Module{&ClickModule{}}}
	fireAt := time.Now().Add(time.Hour).Format(ScheduledTimeLayout)
	id, err := s.Enqueue(bot, TaskParams{Emulators: "0", UseSchedule: true, ScheduledTime: fireAt})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Tick(ctx)
	view, _ := s.Task(id)
	if view.Status != TaskQueued {
		t.Fatalf("scheduled task started early: %s", view.Status)
	}
	if len(runners) != 0 {
		t.Fatal("runner started before the scheduled time")
	}
}

func TestSchedulerRejectsMalformedSchedule(t *testing.T) {
	s, _, _ := testScheduler(t, map[string]string{}, nil)
	bot := &Bot{Name: "b", Modules: []Module{&ClickModule{}}}
	if _, err := s.Enqueue(bot, TaskParams{UseSchedule: true, ScheduledTime: "not a time"}); err == nil {
		t.Fatal("malformed schedule accepted")
	}
}

func TestSchedulerCancelQueuedTask(t *testing.T) {
	s, _, _ := testScheduler(t, map[string]string{}, nil)
	bot := &Bot{Name: "b", Modules: []Module{&ClickModule{}}}
	id, _ := s.Enqueue(bot, TaskParams{})
	if err := s.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	view, _ := s.Task(id)
	if view.Status != TaskCanceled {
		t.Fatalf("status = %s, want canceled", view.Status)
	}
	if err := s.Cancel(id); err == nil {
		t.Fatal("double cancel should error")
	}
}

func TestSchedulerFinalizeRecordsRunAndFreesDevice(t *testing.T) {
	ctx := context.Background()
	recorder := &memRecorder{}
	s, m, runners := testScheduler(t, map[string]string{"emulator-5554": "device"}, recorder)
	if _, err := m.RefreshStatuses(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	bot := &Bot{Name: "farm", Modules: []Module{&ClickModule{}}}
	id, _ := s.Enqueue(bot, TaskParams{Emulators: "0", Threads: 1, Cycles: 2})
	s.Tick(ctx)

	runner := runners["emulator-5554"]
	if runner == nil {
		t.Fatal("runner not started")
	}
	runner.finish(nil)
	s.Tick(ctx)

	view, _ := s.Task(id)
	if view.Status != TaskFinished {
		t.Fatalf("status = %s, want finished", view.Status)
	}
	if got := m.Status("emulator-5554"); got != StatusReady {
		t.Fatalf("device status after finalize = %s, want ready", got)
	}
	records := recorder.recorded()
	if len(records) != 1 {
		t.Fatalf("got %d run records, want 1", len(records))
	}
	rec := records[0]
	if rec.TaskID != id || rec.Bot != "farm" || rec.Serial != "emulator-5554" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Stats.CyclesCompleted != 2 {
		t.Fatalf("record stats = %+v", rec.Stats)
	}
}

func TestSchedulerSessionErrorMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	recorder := &memRecorder{}
	s, m, runners := testScheduler(t, map[string]string{"emulator-5554": "device"}, recorder)
	if _, err := m.RefreshStatuses(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	bot := &Bot{Name: "farm", Modules: []Module{&ClickModule{}}}
	id, _ := s.Enqueue(bot, TaskParams{Emulators: "0"})
	s.Tick(ctx)

	runners["emulator-5554"].finish(&BotExecutionError{Bot: "farm", Err: context.DeadlineExceeded})
	s.Tick(ctx)

	view, _ := s.Task(id)
	if view.Status != TaskError {
		t.Fatalf("status = %s, want error", view.Status)
	}
	records := recorder.recorded()
	if len(records) != 1 || records[0].Error == "" {
		t.Fatalf("error not recorded: %+v", records)
	}
}

func TestSchedulerCancelRunningStopsSessions(t *testing.T) {
	ctx := context.Background()
	s, m, runners := testScheduler(t, map[string]string{"emulator-5554": "device"}, nil)
	if _, err := m.RefreshStatuses(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	bot := &Bot{Name: "farm", Modules: []Module{&ClickModule{}}}
	id, _ := s.Enqueue(bot, TaskParams{Emulators: "0"})
	s.Tick(ctx)

	if err := s.Cancel(id); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	runner := runners["emulator-5554"]
	runner.mu.Lock()
	stopped := runner.stopped
	runner.mu.Unlock()
	if !stopped {
		t.Fatal("cancel did not stop the session")
	}

	runner.finish(nil)
	s.Tick(ctx)
	view, _ := s.Task(id)
	if view.Status != TaskFinished {
		t.Fatalf("status after cooperative stop = %s", view.Status)
	}
}

func TestSchedulerStopAllClearsQueue(t *testing.T) {
	ctx := context.Background()
	s, m, runners := testScheduler(t, map[string]string{"emulator-5554": "device"}, nil)
	if _, err := m.RefreshStatuses(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	bot := &Bot{Name: "farm", Modules: []Module{&ClickModule{}}}
	runningID, _ := s.Enqueue(bot, TaskParams{Emulators: "0"})
	s.Tick(ctx)
	queuedID, _ := s.Enqueue(bot, TaskParams{Emulators: "0"})

	s.StopAll()

	if view, _ := s.Task(queuedID); view.Status != TaskCanceled {
		t.Fatalf("queued task = %s, want canceled", view.Status)
	}
	runner := runners["emulator-5554"]
	runner.mu.Lock()
	stopped := runner.stopped
	runner.mu.Unlock()
	if !stopped {
		t.Fatal("active session not stopped")
	}
	runner.finish(nil)
	s.Tick(ctx)
	if view, _ := s.Task(runningID); view.Status != TaskFinished {
		t.Fatalf("running task = %s after stop-all drain", view.Status)
	}
}
