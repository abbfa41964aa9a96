package botmaker

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Nobunaga-N/b-maker-sub000/imagematch"
)

const pausePollInterval = 100 * time.Millisecond

// Stats are the counters accumulated over one bot run.
type Stats struct {
	CyclesCompleted int
	ActionsExecuted int
	ClicksPerformed int
	SwipesPerformed int
	ImagesFound     int
	ImagesNotFound  int
	Errors          int
	ExecutionTime   time.Duration
}

// Progress is a point-in-time snapshot of a running executor.
type Progress struct {
	Bot    string
	Serial string
	Cycle  int
	Cursor int
	Paused bool
	Stats  Stats
}

// ExecutorConfig bounds one bot run. Zero values mean unbounded.
type ExecutorConfig struct {
	// MaxCycles stops the run after this many completed cycles.
	MaxCycles int
	// MaxTime stops the run once this much wall clock has elapsed.
	MaxTime time.Duration
	// OnProgress, when set, receives a snapshot after each completed cycle
	// and once more when the run ends. Called from the run goroutine.
	OnProgress func(Progress)
}

// BotExecutor runs one bot on one device as a cyclic state machine. The
// script cursor walks the module list top to bottom; reaching the end
// completes a cycle and resets the cursor. Pause, Resume and Stop are
// cooperative: the loop observes the flags between steps, never mid-step.
type BotExecutor struct {
	bot       *Bot
	serial    string
	devices   *DeviceManager
	emulators *EmulatorManager
	engine    *imagematch.Engine
	cfg       ExecutorConfig

	mu            sync.Mutex
	running       bool
	paused        bool
	stopRequested bool
	cursor        int
	lastPosition  int
	cycleCount    int
	startTime     time.Time
	stats         Stats
	foundX        int
	foundY        int
	found         bool
	done          chan struct{}
	runErr        error
}

// NewBotExecutor wires an executor. emulators may be nil when no
// hypervisor is available; the restart_emulator recovery option then
// degrades to a warning.
func NewBotExecutor(bot *Bot, serial string, devices *DeviceManager, emulators *EmulatorManager, engine *imagematch.Engine, cfg ExecutorConfig) *BotExecutor {
	return &BotExecutor{
		bot:       bot,
		serial:    serial,
		devices:   devices,
		emulators: emulators,
		engine:    engine,
		cfg:       cfg,
	}
}

// Start launches the run loop in a goroutine. It fails when the executor
// is already running.
func (e *BotExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.Errorf("bot %s already running on %s", e.bot.Name, e.serial)
	}
	e.running = true
	e.paused = false
	e.stopRequested = false
	e.cursor = 0
	e.cycleCount = 0
	e.stats = Stats{}
	e.startTime = time.Now()
	e.done = make(chan struct{})
	e.mu.Unlock()

	go func() {
		defer close(e.done)
		err := e.run(ctx)
		e.mu.Lock()
		e.running = false
		e.runErr = err
		e.stats.ExecutionTime = time.Since(e.startTime)
		e.mu.Unlock()
		if e.cfg.OnProgress != nil {
			e.cfg.OnProgress(e.Progress())
		}
		if err != nil {
			log.Error().Err(err).Str("bot", e.bot.Name).Str("serial", e.serial).Msg("bot run failed")
		} else {
			log.Info().Str("bot", e.bot.Name).Str("serial", e.serial).
				Int("cycles", e.CycleCount()).Msg("bot run finished")
		}
	}()
	return nil
}

// Wait blocks until the run loop exits and returns its error.
func (e *BotExecutor) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// IsRunning reports whether the run loop is active.
func (e *BotExecutor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Pause suspends the script at the current cursor. The in-flight step
// finishes first.
func (e *BotExecutor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && !e.paused {
		e.paused = true
		log.Info().Str("bot", e.bot.Name).Int("cursor", e.cursor).Msg("bot paused")
	}
}

// Resume continues a paused script from the exact cursor it paused at.
func (e *BotExecutor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.paused {
		e.paused = false
		log.Info().Str("bot", e.bot.Name).Int("cursor", e.cursor).Msg("bot resumed")
	}
}

// Stop requests a cooperative halt. The loop exits before the next step.
func (e *BotExecutor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.stopRequested = true
		log.Info().Str("bot", e.bot.Name).Msg("bot stop requested")
	}
}

// CycleCount returns the number of completed cycles.
func (e *BotExecutor) CycleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycleCount
}

// Cursor returns the current module index.
func (e *BotExecutor) Cursor() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Progress returns a snapshot of the run.
func (e *BotExecutor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	if e.running {
		stats.ExecutionTime = time.Since(e.startTime)
	}
	return Progress{
		Bot:    e.bot.Name,
		Serial: e.serial,
		Cycle:  e.cycleCount,
		Cursor: e.cursor,
		Paused: e.paused,
		Stats:  stats,
	}
}

func (e *BotExecutor) run(ctx context.Context) error {
	if status := e.devices.Status(e.serial); status == StatusOffline || status == StatusUnauthorized {
		return &BotExecutionError{Bot: e.bot.Name, Err: errors.Errorf("device %s is %s", e.serial, status)}
	}

	activity, hasActivity := e.bot.ActivityModule()
	if hasActivity && activity.Package != "" {
		log.Info().Str("bot", e.bot.Name).Str("game", e.bot.Game).
			Str("package", activity.Package).Msg("launching game")
		if err := e.devices.LaunchApp(e.serial, activity.Package, ""); err != nil {
			log.Warn().Err(err).Str("serial", e.serial).Msg("game launch failed")
		} else if activity.StartupDelay > 0 {
			e.sleep(ctx, activity.StartupDelay)
		}
	}

	inRange := func(int) bool { return false }
	if hasActivity {
		inRange = ParseLineRange(activity.LineRange)
	}

	for e.keepGoing() {
		if e.cfg.MaxCycles > 0 && e.CycleCount() >= e.cfg.MaxCycles {
			log.Info().Str("bot", e.bot.Name).Int("max_cycles", e.cfg.MaxCycles).Msg("cycle limit reached")
			break
		}
		if e.cfg.MaxTime > 0 && time.Since(e.startTime) >= e.cfg.MaxTime {
			log.Info().Str("bot", e.bot.Name).Dur("max_time", e.cfg.MaxTime).Msg("time limit reached")
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.executeCycle(ctx, activity, hasActivity, inRange); err != nil {
			return err
		}

		e.mu.Lock()
		e.cycleCount++
		e.stats.CyclesCompleted = e.cycleCount
		e.stats.ExecutionTime = time.Since(e.startTime)
		cycle := e.cycleCount
		e.mu.Unlock()
		log.Info().Str("bot", e.bot.Name).Int("cycle", cycle).Msg("cycle completed")
		if e.cfg.OnProgress != nil {
			e.cfg.OnProgress(e.Progress())
		}
	}
	return nil
}

func (e *BotExecutor) keepGoing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && !e.stopRequested
}

// executeCycle walks the module list once. A module error counts, logs and
// terminates the run; the aborted cycle is not completed.
func (e *BotExecutor) executeCycle(ctx context.Context, activity *ActivityModule, hasActivity bool, inRange func(int) bool) error {
	e.mu.Lock()
	e.cursor = 0
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if !e.running || e.stopRequested || e.cursor >= len(e.bot.Modules) {
			e.mu.Unlock()
			return nil
		}
		if e.paused {
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pausePollInterval):
			}
			continue
		}
		cursor := e.cursor
		e.mu.Unlock()

		if hasActivity && inRange(cursor) {
			if jumped := e.checkActivity(ctx, activity); jumped {
				continue
			}
			if !e.keepGoing() {
				return nil
			}
		}

		module := e.bot.Modules[cursor]
		if err := e.executeModule(ctx, module); err != nil {
			log.Error().Err(err).Str("bot", e.bot.Name).Int("module", cursor).Msg("module failed")
			e.mu.Lock()
			e.stats.Errors++
			e.mu.Unlock()
			var botErr *BotExecutionError
			if !errors.As(err, &botErr) {
				err = &BotExecutionError{Bot: e.bot.Name, ModuleIndex: cursor, Err: err}
			}
			return err
		}

		e.mu.Lock()
		e.cursor++
		e.stats.ActionsExecuted++
		e.lastPosition = e.cursor
		e.mu.Unlock()
	}
}

// checkActivity verifies the watched app is still in the foreground and
// applies the module's crash policy when it is not. It reports true when
// the cursor was repositioned, in which case the caller re-enters the loop
// instead of executing the stale module.
func (e *BotExecutor) checkActivity(ctx context.Context, activity *ActivityModule) (jumped bool) {
	if activity.Package == "" {
		return false
	}
	running, err := e.devices.IsAppRunning(e.serial, activity.Package)
	if err != nil {
		log.Warn().Err(err).Str("serial", e.serial).Msg("activity check failed")
		e.mu.Lock()
		e.stats.Errors++
		e.mu.Unlock()
		return false
	}
	if running {
		return false
	}

	crashed, _ := e.devices.DetectCrash(e.serial, activity.Package)
	log.Warn().Str("bot", e.bot.Name).Str("package", activity.Package).
		Bool("crashed", crashed).Msg("game not in foreground")

	switch activity.Action {
	case CrashStop, CrashStopAdvance:
		log.Info().Str("bot", e.bot.Name).Msg("stopping bot: game inactive")
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return false
	}

	// CrashContinue: run the recovery steps in order.
	for _, opt := range activity.ContinueOptions {
		if !e.keepGoing() {
			return jumped
		}
		switch opt.Kind {
		case OptionCloseGame:
			log.Info().Str("package", activity.Package).Msg("recovery: closing game")
			if err := e.devices.StopApp(e.serial, activity.Package); err != nil {
				log.Warn().Err(err).Msg("recovery: close game failed")
			}
		case OptionRestartEmulator:
			e.restartEmulator(ctx)
		case OptionStartGame:
			log.Info().Str("package", activity.Package).Msg("recovery: starting game")
			if err := e.devices.LaunchApp(e.serial, activity.Package, ""); err != nil {
				log.Warn().Err(err).Msg("recovery: game launch failed")
			}
		case OptionSleep:
			e.sleep(ctx, opt.Time)
		case OptionRestartFrom:
			if opt.Line >= 0 && opt.Line < len(e.bot.Modules) {
				log.Info().Int("line", opt.Line).Msg("recovery: restarting from line")
				e.mu.Lock()
				e.cursor = opt.Line
				e.mu.Unlock()
				jumped = true
			}
		case OptionRestartFromLast:
			e.mu.Lock()
			if e.lastPosition < len(e.bot.Modules) {
				log.Info().Int("line", e.lastPosition).Msg("recovery: restarting from last position")
				e.cursor = e.lastPosition
				jumped = true
			}
			e.mu.Unlock()
		}
	}
	if activity.StartupDelay > 0 {
		e.sleep(ctx, activity.StartupDelay)
	}
	return jumped
}

func (e *BotExecutor) restartEmulator(ctx context.Context) {
	if e.emulators == nil {
		log.Warn().Msg("recovery: no emulator manager, skip restart")
		return
	}
	index, ok := emulatorIndex(e.serial)
	if !ok {
		log.Warn().Str("serial", e.serial).Msg("recovery: serial is not an emulator")
		return
	}
	log.Info().Int("index", index).Msg("recovery: restarting emulator")
	if ok, err := e.emulators.Restart(ctx, index); err != nil || !ok {
		log.Warn().Err(err).Int("index", index).Msg("recovery: emulator restart failed")
	}
}

// emulatorIndex inverts EmulatorSerial.
func emulatorIndex(serial string) (int, bool) {
	rest, ok := strings.CutPrefix(serial, "emulator-")
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(rest)
	if err != nil || port < 5554 || (port-5554)%2 != 0 {
		return 0, false
	}
	return (port - 5554) / 2, true
}

func (e *BotExecutor) executeModule(ctx context.Context, module Module) error {
	switch m := module.(type) {
	case *ClickModule:
		return e.doClick(ctx, m.X, m.Y, m.Sleep, m.Description)
	case *SwipeModule:
		return e.doSwipe(ctx, m)
	case *SleepModule:
		if m.Description != "" {
			log.Debug().Str("bot", e.bot.Name).Str("description", m.Description).Msg("sleep")
		}
		e.sleep(ctx, m.Delay)
		return nil
	case *ImageSearchModule:
		return e.doImageSearch(ctx, m)
	case *ActivityModule:
		// Never executed by the cursor; consulted via checkActivity.
		return nil
	case *UnknownModule:
		log.Warn().Str("bot", e.bot.Name).Str("type", m.Type).Msg("skipping unknown module")
		return nil
	default:
		return &BotExecutionError{Bot: e.bot.Name, Err: errors.Errorf("unhandled module type %T", module)}
	}
}

func (e *BotExecutor) doClick(ctx context.Context, x, y int, delay time.Duration, description string) error {
	if description != "" {
		log.Debug().Str("bot", e.bot.Name).Str("description", description).Msg("click")
	}
	if err := e.devices.Tap(e.serial, x, y); err != nil {
		return &BotExecutionError{Bot: e.bot.Name, ModuleIndex: e.Cursor(), Err: err}
	}
	e.mu.Lock()
	e.stats.ClicksPerformed++
	e.mu.Unlock()
	if delay > 0 {
		e.sleep(ctx, delay)
	}
	return nil
}

func (e *BotExecutor) doSwipe(ctx context.Context, m *SwipeModule) error {
	if m.Description != "" {
		log.Debug().Str("bot", e.bot.Name).Str("description", m.Description).Msg("swipe")
	}
	if err := e.devices.Swipe(e.serial, m.X1, m.Y1, m.X2, m.Y2, 0); err != nil {
		return &BotExecutionError{Bot: e.bot.Name, ModuleIndex: e.Cursor(), Err: err}
	}
	e.mu.Lock()
	e.stats.SwipesPerformed++
	e.mu.Unlock()
	if m.Sleep > 0 {
		e.sleep(ctx, m.Sleep)
	}
	return nil
}

func (e *BotExecutor) doImageSearch(ctx context.Context, m *ImageSearchModule) error {
	if len(m.Images) == 0 {
		log.Warn().Str("bot", e.bot.Name).Msg("image search with no images")
		return nil
	}
	var paths []string
	for _, name := range m.Images {
		p := e.bot.ImagePath(name)
		if _, err := os.Stat(p); err != nil {
			log.Warn().Str("path", p).Msg("template image missing")
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		log.Warn().Str("bot", e.bot.Name).Msg("no template images on disk")
		return nil
	}

	capture := func(ctx context.Context) (image.Image, error) {
		return e.devices.Screenshot(e.serial)
	}
	log.Info().Str("bot", e.bot.Name).Strs("images", m.Images).
		Dur("timeout", m.Timeout).Msg("searching for templates")
	foundPath, match, ok, err := e.engine.WaitForAny(ctx, capture, paths, m.Timeout, 0, imagematch.Options{})
	if err != nil {
		return &ImageProcessingError{Err: err}
	}

	if !ok {
		e.mu.Lock()
		e.stats.ImagesNotFound++
		e.found = false
		e.mu.Unlock()
		log.Info().Str("bot", e.bot.Name).Msg("no template found")
		for _, item := range m.ScriptItems {
			if item.Kind == ItemIfNotResult {
				if err := e.executeBranch(ctx, item); err != nil {
					return err
				}
				break
			}
		}
		return nil
	}

	e.mu.Lock()
	e.stats.ImagesFound++
	e.foundX, e.foundY = match.X, match.Y
	e.found = true
	e.mu.Unlock()
	foundBase := filepath.Base(foundPath)
	log.Info().Str("bot", e.bot.Name).Str("image", foundBase).
		Int("x", match.X).Int("y", match.Y).Float64("score", match.Score).Msg("template found")

	executed := false
	for _, item := range m.ScriptItems {
		switch item.Kind {
		case ItemIfResult:
			if item.Image == nil || *item.Image == foundBase {
				if err := e.executeBranch(ctx, item); err != nil {
					return err
				}
				executed = true
			}
		case ItemElif:
			if !executed && item.Image != nil && *item.Image == foundBase {
				if err := e.executeBranch(ctx, item); err != nil {
					return err
				}
				executed = true
			}
		}
		if executed {
			break
		}
	}
	return nil
}

func (e *BotExecutor) executeBranch(ctx context.Context, item ScriptItem) error {
	if item.LogEvent != "" {
		log.Info().Str("bot", e.bot.Name).Msg(item.LogEvent)
	}
	if item.GetCoords {
		if err := e.tapFound(ctx); err != nil {
			return err
		}
	}
	for _, action := range item.Actions {
		if !e.keepGoing() {
			return nil
		}
		switch a := action.(type) {
		case *ClickAction:
			if err := e.doClick(ctx, a.X, a.Y, a.Sleep, a.Description); err != nil {
				return err
			}
		case *SwipeAction:
			m := &SwipeModule{
				X1: a.X1, Y1: a.Y1, X2: a.X2, Y2: a.Y2,
				Sleep: a.Sleep, Description: a.Description,
			}
			if err := e.doSwipe(ctx, m); err != nil {
				return err
			}
		case *TapFoundAction:
			if err := e.tapFound(ctx); err != nil {
				return err
			}
		case *SleepAction:
			e.sleep(ctx, a.Time)
		}
	}
	if item.Continue {
		log.Debug().Str("bot", e.bot.Name).Msg("branch marked continue, moving to next module")
	}
	if item.StopBot {
		log.Info().Str("bot", e.bot.Name).Msg("branch requested bot stop")
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}
	return nil
}

func (e *BotExecutor) tapFound(ctx context.Context) error {
	e.mu.Lock()
	x, y, ok := e.foundX, e.foundY, e.found
	e.mu.Unlock()
	if !ok {
		log.Warn().Str("bot", e.bot.Name).Msg("tap at found coords requested but nothing found")
		return nil
	}
	log.Info().Int("x", x).Int("y", y).Msg("tapping found template")
	return e.doClick(ctx, x, y, 0, "")
}

// sleep waits for d but wakes up early on stop or context cancellation.
func (e *BotExecutor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	for {
		if !e.keepGoing() {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		step := pausePollInterval
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
	}
}
