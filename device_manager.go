package botmaker

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DeviceStatus is the runtime state of one attached device.
type DeviceStatus string

const (
	StatusReady        DeviceStatus = "ready"
	StatusBusy         DeviceStatus = "busy"
	StatusOffline      DeviceStatus = "offline"
	StatusUnauthorized DeviceStatus = "unauthorized"
)

// Transport is the adb server connection the manager drives devices
// through. internal/providers/adb implements it with gadb.
type Transport interface {
	ListDevices(ctx context.Context) ([]string, error)
	ListDevicesWithState(ctx context.Context) (map[string]string, error)
	RunShell(serial string, args ...string) (string, error)
	ScreenCap(serial string) ([]byte, error)
}

// DeviceInfo is the static hardware description cached per device.
type DeviceInfo struct {
	Model        string
	OSVersion    string
	ScreenWidth  int
	ScreenHeight int
}

// DeviceManager tracks attached devices, their statuses and which bot
// occupies each. All methods are safe for concurrent use.
type DeviceManager struct {
	transport Transport

	mu      sync.Mutex
	devices map[string]*deviceEntry
}

type deviceEntry struct {
	serial    string
	status    DeviceStatus
	bot       string
	info      DeviceInfo
	infoReady bool
	lastSeen  time.Time
}

// NewDeviceManager returns a manager over the given transport.
func NewDeviceManager(transport Transport) *DeviceManager {
	return &DeviceManager{
		transport: transport,
		devices:   make(map[string]*deviceEntry),
	}
}

// RefreshStatuses re-reads the adb device list and probes every device
// concurrently. Status resolution order: unreachable wins (offline), then
// failed auth probe (unauthorized), then bot occupancy (busy), then ready.
// A failed probe also evicts the cached device info, so the next lookup
// goes back to the device.
func (m *DeviceManager) RefreshStatuses(ctx context.Context) (map[string]DeviceStatus, error) {
	states, err := m.transport.ListDevicesWithState(ctx)
	if err != nil {
		return nil, &ConnectionError{Serial: "*", Err: err}
	}

	type probeResult struct {
		serial string
		status DeviceStatus
	}
	results := make([]probeResult, len(states))
	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for serial, rawState := range states {
		idx := i
		i++
		g.Go(func() error {
			results[idx] = probeResult{serial: serial, status: m.probe(gctx, serial, rawState)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make(map[string]DeviceStatus, len(results))
	m.mu.Lock()
	for _, r := range results {
		dev, ok := m.devices[r.serial]
		if !ok {
			dev = &deviceEntry{serial: r.serial}
			m.devices[r.serial] = dev
			log.Info().Str("serial", r.serial).Msg("device connected")
		}
		status := r.status
		if status == StatusReady && dev.bot != "" {
			status = StatusBusy
		}
		if status == StatusOffline || status == StatusUnauthorized {
			// Stale info must not outlive a broken connection.
			dev.infoReady = false
			dev.info = DeviceInfo{}
		} else {
			dev.lastSeen = now
		}
		dev.status = status
		out[r.serial] = status
	}
	// Devices that vanished from the adb list are offline.
	for serial, dev := range m.devices {
		if _, ok := states[serial]; ok {
			continue
		}
		if dev.status != StatusOffline {
			dev.status = StatusOffline
			dev.infoReady = false
			dev.info = DeviceInfo{}
			log.Info().Str("serial", serial).Msg("device disconnected")
		}
		out[serial] = StatusOffline
	}
	m.mu.Unlock()
	return out, nil
}

// probe classifies one device without touching occupancy.
func (m *DeviceManager) probe(ctx context.Context, serial, rawState string) DeviceStatus {
	switch rawState {
	case "offline":
		return StatusOffline
	case "unauthorized":
		return StatusUnauthorized
	}
	out, err := m.transport.RunShell(serial, "echo auth_check")
	if err != nil {
		return StatusOffline
	}
	if !strings.Contains(out, "auth_check") {
		return StatusUnauthorized
	}
	return StatusReady
}

// Status returns the last known status of serial, offline when unknown.
func (m *DeviceManager) Status(serial string) DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[serial]; ok {
		return dev.status
	}
	return StatusOffline
}

// Statuses returns a snapshot of every known device status.
func (m *DeviceManager) Statuses() map[string]DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]DeviceStatus, len(m.devices))
	for serial, dev := range m.devices {
		out[serial] = dev.status
	}
	return out
}

// ReadyDevices lists devices currently in the ready state.
func (m *DeviceManager) ReadyDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for serial, dev := range m.devices {
		if dev.status == StatusReady {
			out = append(out, serial)
		}
	}
	return out
}

// RegisterBot claims a ready device for botName, flipping it to busy.
func (m *DeviceManager) RegisterBot(serial, botName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok {
		return errors.Errorf("device %s unknown", serial)
	}
	if dev.status != StatusReady {
		return errors.Errorf("device %s is %s, not ready", serial, dev.status)
	}
	dev.bot = botName
	dev.status = StatusBusy
	log.Info().Str("serial", serial).Str("bot", botName).Msg("device registered to bot")
	return nil
}

// UnregisterBot releases the device. A healthy device returns to ready;
// one marked offline or unauthorized keeps that status.
func (m *DeviceManager) UnregisterBot(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok {
		return
	}
	if dev.bot != "" {
		log.Info().Str("serial", serial).Str("bot", dev.bot).Msg("device released")
	}
	dev.bot = ""
	if dev.status == StatusBusy {
		dev.status = StatusReady
	}
}

// BotOn reports which bot occupies the device, "" when free.
func (m *DeviceManager) BotOn(serial string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[serial]; ok {
		return dev.bot
	}
	return ""
}

// CleanupCrashedDevices probes every busy device and releases those that
// stopped responding, marking them offline. Returns the serials released.
func (m *DeviceManager) CleanupCrashedDevices(ctx context.Context) []string {
	m.mu.Lock()
	var busy []string
	for serial, dev := range m.devices {
		if dev.status == StatusBusy {
			busy = append(busy, serial)
		}
	}
	m.mu.Unlock()

	var crashed []string
	for _, serial := range busy {
		if _, err := m.transport.RunShell(serial, "echo auth_check"); err == nil {
			continue
		}
		m.mu.Lock()
		if dev, ok := m.devices[serial]; ok {
			log.Warn().Str("serial", serial).Str("bot", dev.bot).Msg("busy device stopped responding")
			dev.bot = ""
			dev.status = StatusOffline
			dev.infoReady = false
			dev.info = DeviceInfo{}
		}
		m.mu.Unlock()
		crashed = append(crashed, serial)
	}
	return crashed
}

// Info returns the cached static description of the device, querying it on
// first use. Pass refresh to force a re-read.
func (m *DeviceManager) Info(serial string, refresh bool) (DeviceInfo, error) {
	m.mu.Lock()
	if dev, ok := m.devices[serial]; ok && dev.infoReady && !refresh {
		info := dev.info
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	var info DeviceInfo
	model, err := m.transport.RunShell(serial, "getprop ro.product.model")
	if err != nil {
		return DeviceInfo{}, &ConnectionError{Serial: serial, Err: err}
	}
	info.Model = strings.TrimSpace(model)
	if ver, err := m.transport.RunShell(serial, "getprop ro.build.version.release"); err == nil {
		info.OSVersion = strings.TrimSpace(ver)
	}
	if size, err := m.transport.RunShell(serial, "wm size"); err == nil {
		info.ScreenWidth, info.ScreenHeight = parseWMSize(size)
	}

	m.mu.Lock()
	if dev, ok := m.devices[serial]; ok {
		dev.info = info
		dev.infoReady = true
	}
	m.mu.Unlock()
	return info, nil
}

// parseWMSize extracts "Physical size: 1080x1920". Unparseable output
// yields zero dimensions rather than an error.
func parseWMSize(out string) (w, h int) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Physical size:") {
			continue
		}
		dims := strings.TrimSpace(strings.TrimPrefix(line, "Physical size:"))
		xs, ys, ok := strings.Cut(dims, "x")
		if !ok {
			return 0, 0
		}
		w, _ = strconv.Atoi(strings.TrimSpace(xs))
		h, _ = strconv.Atoi(strings.TrimSpace(ys))
		return w, h
	}
	return 0, 0
}

// Tap sends a single tap at the given screen coordinate.
func (m *DeviceManager) Tap(serial string, x, y int) error {
	_, err := m.transport.RunShell(serial, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	if err != nil {
		return &CommandError{Serial: serial, Command: "input tap", Err: err}
	}
	return nil
}

// Swipe drags from (x1,y1) to (x2,y2). Zero duration defaults to 500ms.
func (m *DeviceManager) Swipe(serial string, x1, y1, x2, y2 int, duration time.Duration) error {
	if duration <= 0 {
		duration = 500 * time.Millisecond
	}
	_, err := m.transport.RunShell(serial, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(int(duration.Milliseconds())))
	if err != nil {
		return &CommandError{Serial: serial, Command: "input swipe", Err: err}
	}
	return nil
}

// LaunchApp starts pkg through the launcher intent. When activity is
// non-empty the explicit component is started instead.
func (m *DeviceManager) LaunchApp(serial, pkg, activity string) error {
	if activity != "" {
		out, err := m.transport.RunShell(serial, "am", "start", "-n", pkg+"/"+activity)
		if err != nil {
			return &CommandError{Serial: serial, Command: "am start", Err: err}
		}
		if strings.Contains(out, "Error") {
			return &CommandError{Serial: serial, Command: "am start", Output: out}
		}
		return nil
	}
	out, err := m.transport.RunShell(serial, "monkey", "-p", pkg,
		"-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return &CommandError{Serial: serial, Command: "monkey launch", Err: err}
	}
	if !strings.Contains(out, "Events injected") && !strings.Contains(out, "Starting") {
		return &CommandError{Serial: serial, Command: "monkey launch", Output: out}
	}
	return nil
}

// StopApp force-stops pkg.
func (m *DeviceManager) StopApp(serial, pkg string) error {
	if _, err := m.transport.RunShell(serial, "am", "force-stop", pkg); err != nil {
		return &CommandError{Serial: serial, Command: "am force-stop", Err: err}
	}
	return nil
}

// ClearAppData wipes pkg's data and cache.
func (m *DeviceManager) ClearAppData(serial, pkg string) error {
	out, err := m.transport.RunShell(serial, "pm", "clear", pkg)
	if err != nil {
		return &CommandError{Serial: serial, Command: "pm clear", Err: err}
	}
	if !strings.Contains(out, "Success") {
		return &CommandError{Serial: serial, Command: "pm clear", Output: out}
	}
	return nil
}

// InstallApp installs an apk already present on the device filesystem.
func (m *DeviceManager) InstallApp(serial, remotePath string) error {
	out, err := m.transport.RunShell(serial, "pm", "install", "-r", remotePath)
	if err != nil {
		return &CommandError{Serial: serial, Command: "pm install", Err: err}
	}
	if !strings.Contains(out, "Success") {
		return &CommandError{Serial: serial, Command: "pm install", Output: out}
	}
	return nil
}

// ListPackages returns the installed package names.
func (m *DeviceManager) ListPackages(serial string) ([]string, error) {
	out, err := m.transport.RunShell(serial, "pm", "list", "packages")
	if err != nil {
		return nil, &CommandError{Serial: serial, Command: "pm list packages", Err: err}
	}
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "package:"); ok {
			pkgs = append(pkgs, name)
		}
	}
	return pkgs, nil
}

// RunningActivities returns the resumed and focused activity lines of the
// activity manager, one entry per line.
func (m *DeviceManager) RunningActivities(serial string) ([]string, error) {
	out, err := m.transport.RunShell(serial,
		"dumpsys activity activities | grep -E 'mResumedActivity|mFocusedActivity'")
	if err != nil {
		return nil, &ConnectionError{Serial: serial, Err: err}
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// IsAppRunning reports whether pkg owns the resumed or focused activity.
func (m *DeviceManager) IsAppRunning(serial, pkg string) (bool, error) {
	lines, err := m.RunningActivities(serial)
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if strings.Contains(line, pkg) {
			return true, nil
		}
	}
	return false, nil
}

// ShellResult carries the outcome of an asynchronous shell command.
type ShellResult struct {
	Output string
	Err    error
}

// RunShellAsync dispatches a shell command without blocking and delivers
// the result on the returned buffered channel.
func (m *DeviceManager) RunShellAsync(serial string, args ...string) <-chan ShellResult {
	ch := make(chan ShellResult, 1)
	go func() {
		out, err := m.transport.RunShell(serial, args...)
		ch <- ShellResult{Output: out, Err: err}
	}()
	return ch
}

// WaitForApp polls until pkg is in the foreground or timeout elapses.
func (m *DeviceManager) WaitForApp(ctx context.Context, serial, pkg string, timeout, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		running, err := m.IsAppRunning(serial, pkg)
		if err != nil {
			return false, err
		}
		if running {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// DetectCrash scans the recent logcat buffer for a fatal exception raised
// by pkg, distinguishing a crash from a user exit.
func (m *DeviceManager) DetectCrash(serial, pkg string) (bool, error) {
	out, err := m.transport.RunShell(serial, "logcat -d -t 100 *:E")
	if err != nil {
		return false, &ConnectionError{Serial: serial, Err: err}
	}
	sawFatal := false
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "FATAL EXCEPTION") {
			sawFatal = true
		}
		if sawFatal && strings.Contains(line, pkg) {
			return true, nil
		}
	}
	return false, nil
}

// Screenshot captures and decodes the device framebuffer.
func (m *DeviceManager) Screenshot(serial string) (image.Image, error) {
	raw, err := m.transport.ScreenCap(serial)
	if err != nil {
		return nil, &ConnectionError{Serial: serial, Err: err}
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &ImageProcessingError{Err: errors.Wrapf(err, "decode screenshot from %s", serial)}
	}
	return img, nil
}
