package botmaker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Nobunaga-N/b-maker-sub000/imagematch"
)

func refreshedManager(t *testing.T, transport *stubTransport) *DeviceManager {
	t.Helper()
	m := NewDeviceManager(transport)
	if _, err := m.RefreshStatuses(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	return m
}

func tapCalls(transport *stubTransport) []string {
	var taps []string
	for _, call := range transport.shellCalls() {
		if strings.Contains(call, "input tap") {
			taps = append(taps, call)
		}
	}
	return taps
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestExecutorRunsExactCycleCount(t *testing.T) {
	transport := newStubTransport(map[string]string{"dev": "device"})
	m := refreshedManager(t, transport)
	bot := &Bot{
		Name: "cycler",
		Modules: []Module{
			&ClickModule{X: 1, Y: 2},
			&ClickModule{X: 3, Y: 4},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, nil, ExecutorConfig{MaxCycles: 3})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := exec.CycleCount(); got != 3 {
		t.Fatalf("cycle count = %d, want exactly 3", got)
	}
	if got := len(tapCalls(transport)); got != 6 {
		t.Fatalf("got %d taps, want 6", got)
	}
	progress := exec.Progress()
	if progress.Stats.ClicksPerformed != 6 || progress.Stats.ActionsExecuted != 6 {
		t.Fatalf("unexpected stats: %+v", progress.Stats)
	}
	if progress.Stats.CyclesCompleted != 3 {
		t.Fatalf("stats cycles = %d, want 3", progress.Stats.CyclesCompleted)
	}
}

func TestExecutorModuleErrorTerminatesRun(t *testing.T) {
	transport := newStubTransport(map[string]string{"dev": "device"})
	transport.setShell(func(serial, cmd string) (string, error) {
		if strings.Contains(cmd, "input tap") {
			return "", errors.New("shell write: broken pipe")
		}
		return "auth_check", nil
	})
	m := refreshedManager(t, transport)
	bot := &Bot{
		Name: "fallible",
		Modules: []Module{
			&ClickModule{X: 1, Y: 2},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, nil, ExecutorConfig{MaxCycles: 3})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	err := exec.Wait()
	if err == nil {
		t.Fatal("module failure did not surface through Wait")
	}
	var botErr *BotExecutionError
	if !errors.As(err, &botErr) {
		t.Fatalf("run error is %T, want *BotExecutionError", err)
	}
	if got := exec.CycleCount(); got != 0 {
		t.Fatalf("aborted cycle counted as completed: %d", got)
	}
	if got := len(tapCalls(transport)); got != 1 {
		t.Fatalf("run kept going after module failure: %d tap attempts, want 1", got)
	}
	progress := exec.Progress()
	if progress.Stats.Errors != 1 || progress.Stats.CyclesCompleted != 0 {
		t.Fatalf("unexpected stats after failure: %+v", progress.Stats)
	}
}

func TestExecutorProgressCallback(t *testing.T) {
	transport := newStubTransport(map[string]string{"dev": "device"})
	m := refreshedManager(t, transport)
	bot := &Bot{
		Name:    "reporter",
		Modules: []Module{&ClickModule{X: 1, Y: 1}},
	}
	var (
		mu    sync.Mutex
		snaps []Progress
	)
	cfg := ExecutorConfig{
		MaxCycles: 2,
		OnProgress: func(p Progress) {
			mu.Lock()
			snaps = append(snaps, p)
			mu.Unlock()
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, nil, cfg)
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// One snapshot per completed cycle plus one at run end.
	if len(snaps) != 3 {
		t.Fatalf("got %d progress snapshots, want 3", len(snaps))
	}
	if snaps[0].Cycle != 1 || snaps[1].Cycle != 2 {
		t.Fatalf("per-cycle snapshots out of order: %d, %d", snaps[0].Cycle, snaps[1].Cycle)
	}
	final := snaps[2]
	if final.Stats.CyclesCompleted != 2 || final.Stats.ClicksPerformed != 2 {
		t.Fatalf("unexpected final snapshot: %+v", final.Stats)
	}
}

func TestExecutorPauseHoldsExactCursor(t *testing.T) {
	transport := newStubTransport(map[string]string{"dev": "device"})
	tapStarted := make(chan struct{}, 4)
	tapRelease := make(chan struct{})
	transport.setShell(func(serial, cmd string) (string, error) {
		if strings.Contains(cmd, "input tap") {
			tapStarted <- struct{}{}
			<-tapRelease
		}
		return "auth_check", nil
	})
	m := refreshedManager(t, transport)
	bot := &Bot{
		Name: "pausable",
		Modules: []Module{
			&ClickModule{X: 1, Y: 1},
			&ClickModule{X: 2, Y: 2},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, nil, ExecutorConfig{MaxCycles: 1})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// First tap is in flight; pause lands before it completes.
	<-tapStarted
	exec.Pause()
	tapRelease <- struct{}{}

	// The in-flight step finishes, the cursor advances to 1 and the loop
	// parks there.
	waitFor(t, "cursor to advance", func() bool { return exec.Cursor() == 1 })
	time.Sleep(300 * time.Millisecond)
	if got := exec.Cursor(); got != 1 {
		t.Fatalf("paused cursor moved to %d", got)
	}
	if got := len(tapCalls(transport)); got != 1 {
		t.Fatalf("paused executor performed %d taps, want 1", got)
	}

	exec.Resume()
	<-tapStarted
	tapRelease <- struct{}{}
	if err := exec.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := exec.CycleCount(); got != 1 {
		t.Fatalf("cycle count = %d, want 1", got)
	}
}

func TestExecutorStopIsCooperative(t *testing.T) {
	transport := newStubTransport(map[string]string{"dev": "device"})
	m := refreshedManager(t, transport)
	bot := &Bot{
		Name: "stopper",
		Modules: []Module{
			&SleepModule{Delay: time.Hour},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, nil, ExecutorConfig{})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "executor running", exec.IsRunning)
	exec.Stop()
	done := make(chan error, 1)
	go func() { done <- exec.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not interrupt the sleeping executor")
	}
}

func TestExecutorFailsOnOfflineDevice(t *testing.T) {
	transport := newStubTransport(map[string]string{})
	m := NewDeviceManager(transport)
	bot := &Bot{Name: "b", Modules: []Module{&ClickModule{X: 1, Y: 1}}}
	exec := NewBotExecutor(bot, "ghost", m, nil, nil, ExecutorConfig{MaxCycles: 1})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := exec.Wait(); err == nil {
		t.Fatal("run on an unknown device should fail")
	}
}

func TestExecutorCrashStopPolicy(t *testing.T) {
	transport := newStubTransport(map[string]string{"dev": "device"})
	transport.setShell(func(serial, cmd string) (string, error) {
		switch {
		case strings.Contains(cmd, "dumpsys"):
			return "mResumedActivity: com.android.launcher", nil
		case strings.Contains(cmd, "monkey"):
			return "Events injected: 1", nil
		default:
			return "auth_check", nil
		}
	})
	m := refreshedManager(t, transport)
	bot := &Bot{
		Name: "fragile",
		Modules: []Module{
			&ActivityModule{Enabled: true, Package: "com.game.farm", Action: CrashStop},
			&ClickModule{X: 9, Y: 9},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, nil, ExecutorConfig{MaxCycles: 5})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := len(tapCalls(transport)); got != 0 {
		t.Fatalf("stopped bot performed %d taps, want 0", got)
	}
}

func TestExecutorCrashRecoveryContinues(t *testing.T) {
	transport := newStubTransport(map[string]string{"dev": "device"})
	var dumpsysCalls int
	transport.setShell(func(serial, cmd string) (string, error) {
		switch {
		case strings.Contains(cmd, "dumpsys"):
			dumpsysCalls++
			if dumpsysCalls == 1 {
				return "mResumedActivity: com.android.launcher", nil
			}
			return "mResumedActivity: com.game.farm/.Main", nil
		case strings.Contains(cmd, "monkey"):
			return "Events injected: 1", nil
		case strings.Contains(cmd, "logcat"):
			return "", nil
		default:
			return "auth_check", nil
		}
	})
	m := refreshedManager(t, transport)
	bot := &Bot{
		Name: "healer",
		Modules: []Module{
			&ActivityModule{
				Enabled: true,
				Package: "com.game.farm",
				Action:  CrashContinue,
				ContinueOptions: []ContinueOption{
					{Kind: OptionCloseGame},
					{Kind: OptionStartGame},
					{Kind: OptionRestartFrom, Line: 1},
				},
			},
			&ClickModule{X: 9, Y: 9},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, nil, ExecutorConfig{MaxCycles: 1})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var sawForceStop bool
	for _, call := range transport.shellCalls() {
		if strings.Contains(call, "am force-stop com.game.farm") {
			sawForceStop = true
		}
	}
	if !sawForceStop {
		t.Fatal("recovery should have closed the game")
	}
	if got := len(tapCalls(transport)); got != 1 {
		t.Fatalf("got %d taps after recovery, want 1", got)
	}
}

// noisePatch generates a deterministic pseudo-random template; different
// seeds produce uncorrelated patches.
func noisePatch(w, h, seed int) *image.Gray {
	patch := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(((x*73856093 + seed) ^ (y*19349663 + seed*7)) % 251)
			patch.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return patch
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestImageSearchElifSelectsMatchingBranch(t *testing.T) {
	dir := t.TempDir()
	imagesDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	patchA := noisePatch(10, 8, 1)
	patchB := noisePatch(10, 8, 2)
	for name, patch := range map[string]*image.Gray{"a.png": patchA, "b.png": patchB} {
		f, err := os.Create(filepath.Join(imagesDir, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, patch); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}

	// The screen shows patch B only.
	screen := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			screen.SetGray(x, y, color.Gray{Y: 60})
		}
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 10; x++ {
			screen.SetGray(30+x, 40+y, patchB.GrayAt(x, y))
		}
	}
	screenPNG := encodePNG(t, screen)

	transport := newStubTransport(map[string]string{"dev": "device"})
	transport.capFn = func(serial string) ([]byte, error) { return screenPNG, nil }
	m := refreshedManager(t, transport)

	imgA := "a.png"
	imgB := "b.png"
	bot := &Bot{
		Name: "searcher",
		Path: dir,
		Modules: []Module{
			&ImageSearchModule{
				Images:  []string{"a.png", "b.png"},
				Timeout: 2 * time.Second,
				ScriptItems: []ScriptItem{
					{Kind: ItemIfResult, Image: &imgA, Actions: []SearchAction{
						&ClickAction{X: 111, Y: 111},
					}},
					{Kind: ItemElif, Image: &imgB, Actions: []SearchAction{
						&ClickAction{X: 222, Y: 222},
					}},
				},
			},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, imagematch.NewEngine(), ExecutorConfig{MaxCycles: 1})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	taps := tapCalls(transport)
	if len(taps) != 1 || !strings.Contains(taps[0], "222 222") {
		t.Fatalf("expected a single tap at 222 222, got %v", taps)
	}
	progress := exec.Progress()
	if progress.Stats.ImagesFound != 1 || progress.Stats.ImagesNotFound != 0 {
		t.Fatalf("unexpected image stats: %+v", progress.Stats)
	}
}

func TestImageSearchNotFoundBranch(t *testing.T) {
	dir := t.TempDir()
	imagesDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(imagesDir, "a.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, noisePatch(10, 8, 1)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	blank := image.NewGray(image.Rect(0, 0, 50, 50))
	blankPNG := encodePNG(t, blank)
	transport := newStubTransport(map[string]string{"dev": "device"})
	transport.capFn = func(serial string) ([]byte, error) { return blankPNG, nil }
	m := refreshedManager(t, transport)

	bot := &Bot{
		Name: "searcher",
		Path: dir,
		Modules: []Module{
			&ImageSearchModule{
				Images:  []string{"a.png"},
				Timeout: 100 * time.Millisecond,
				ScriptItems: []ScriptItem{
					{Kind: ItemIfNotResult, Actions: []SearchAction{
						&ClickAction{X: 7, Y: 8},
					}},
				},
			},
		},
	}
	exec := NewBotExecutor(bot, "dev", m, nil, imagematch.NewEngine(), ExecutorConfig{MaxCycles: 1})
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	taps := tapCalls(transport)
	if len(taps) != 1 || !strings.Contains(taps[0], "7 8") {
		t.Fatalf("expected the not-found branch tap, got %v", taps)
	}
	progress := exec.Progress()
	if progress.Stats.ImagesNotFound != 1 {
		t.Fatalf("unexpected image stats: %+v", progress.Stats)
	}
}
