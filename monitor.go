package botmaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	monitorTick          = time.Second
	defaultCheckInterval = 5 * time.Second
)

// CrashCallback is invoked when a watched app leaves the foreground.
// crashed is true when the logcat buffer confirms a fatal exception.
type CrashCallback func(serial, pkg string, crashed bool)

// ActivityMonitor watches registered device/package pairs and reports when
// an app is no longer in the foreground.
type ActivityMonitor struct {
	devices *DeviceManager

	mu      sync.Mutex
	watches map[string]*watch
	cancel  context.CancelFunc
	done    chan struct{}
}

type watch struct {
	serial    string
	pkg       string
	interval  time.Duration
	lastCheck time.Time
	callback  CrashCallback
}

// NewActivityMonitor returns a stopped monitor over the device manager.
func NewActivityMonitor(devices *DeviceManager) *ActivityMonitor {
	return &ActivityMonitor{
		devices: devices,
		watches: make(map[string]*watch),
	}
}

// Watch registers pkg on serial. A non-positive interval uses the default
// of 5s. Re-registering the same pair replaces the previous watch.
func (am *ActivityMonitor) Watch(serial, pkg string, interval time.Duration, cb CrashCallback) {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	am.watches[serial+"\x00"+pkg] = &watch{
		serial:   serial,
		pkg:      pkg,
		interval: interval,
		callback: cb,
	}
	log.Debug().Str("serial", serial).Str("package", pkg).Dur("interval", interval).Msg("activity watch added")
}

// Unwatch removes the watch for the device/package pair.
func (am *ActivityMonitor) Unwatch(serial, pkg string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	delete(am.watches, serial+"\x00"+pkg)
}

// UnwatchDevice removes every watch on the device.
func (am *ActivityMonitor) UnwatchDevice(serial string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	for key, w := range am.watches {
		if w.serial == serial {
			delete(am.watches, key)
		}
	}
}

// Start launches the scan loop. Calling Start on a running monitor is a
// no-op.
func (am *ActivityMonitor) Start(ctx context.Context) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	am.cancel = cancel
	am.done = make(chan struct{})
	go am.loop(ctx, am.done)
	log.Info().Msg("activity monitor started")
}

// Stop halts the scan loop and waits for it to exit.
func (am *ActivityMonitor) Stop() {
	am.mu.Lock()
	cancel, done := am.cancel, am.done
	am.cancel, am.done = nil, nil
	am.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("activity monitor stopped")
}

func (am *ActivityMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.scan()
		}
	}
}

func (am *ActivityMonitor) scan() {
	now := time.Now()
	am.mu.Lock()
	var due []*watch
	for _, w := range am.watches {
		if now.Sub(w.lastCheck) >= w.interval {
			w.lastCheck = now
			due = append(due, w)
		}
	}
	am.mu.Unlock()

	for _, w := range due {
		running, err := am.devices.IsAppRunning(w.serial, w.pkg)
		if err != nil {
			log.Warn().Err(err).Str("serial", w.serial).Str("package", w.pkg).Msg("activity check failed")
			continue
		}
		if running {
			continue
		}
		crashed, err := am.devices.DetectCrash(w.serial, w.pkg)
		if err != nil {
			log.Warn().Err(err).Str("serial", w.serial).Msg("crash log scan failed")
			crashed = false
		}
		log.Warn().Str("serial", w.serial).Str("package", w.pkg).Bool("crashed", crashed).
			Msg("watched app left foreground")
		if w.callback != nil {
			w.callback(w.serial, w.pkg, crashed)
		}
	}
}
