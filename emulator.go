package botmaker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nobunaga-N/b-maker-sub000/internal/ldconsole"
)

const (
	emulatorStartTimeout = 60 * time.Second
	emulatorStartPoll    = 2 * time.Second
	emulatorStopTimeout  = 30 * time.Second
	emulatorStopPoll     = time.Second
	emulatorRestartGap   = 3 * time.Second
)

// EmulatorSerial maps an instance index to its adb serial. LDPlayer binds
// instance N to console port 5554+2N.
func EmulatorSerial(index int) string {
	return fmt.Sprintf("emulator-%d", 5554+2*index)
}

// EmulatorManager starts and stops hypervisor instances and waits for the
// adb side to catch up. Lifecycle operations report success as a bool;
// a timeout is an expected outcome, not an error.
type EmulatorManager struct {
	console   *ldconsole.Console
	transport Transport
}

// NewEmulatorManager wires the console binary to the adb transport used
// for attach/detach polling.
func NewEmulatorManager(console *ldconsole.Console, transport Transport) *EmulatorManager {
	return &EmulatorManager{console: console, transport: transport}
}

// List returns all configured instances.
func (em *EmulatorManager) List(ctx context.Context) ([]ldconsole.Instance, error) {
	instances, err := em.console.List(ctx)
	if err != nil {
		return nil, &EmulatorError{Index: -1, Op: "list", Err: err}
	}
	return instances, nil
}

// Start launches the instance and polls until its adb serial responds to a
// shell probe or the start timeout elapses.
func (em *EmulatorManager) Start(ctx context.Context, index int) (bool, error) {
	if err := em.console.Launch(ctx, index); err != nil {
		return false, &EmulatorError{Index: index, Op: "launch", Err: err}
	}
	serial := EmulatorSerial(index)
	log.Info().Int("index", index).Str("serial", serial).Msg("emulator launching")
	deadline := time.Now().Add(emulatorStartTimeout)
	for {
		if em.attached(ctx, serial) {
			if out, err := em.transport.RunShell(serial, "getprop sys.boot_completed"); err == nil &&
				strings.TrimSpace(out) == "1" {
				log.Info().Int("index", index).Msg("emulator booted")
				return true, nil
			}
		}
		if !time.Now().Before(deadline) {
			log.Warn().Int("index", index).Msg("emulator start timed out")
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(emulatorStartPoll):
		}
	}
}

// Stop quits the instance and polls until its serial disappears from the
// adb device list or the stop timeout elapses.
func (em *EmulatorManager) Stop(ctx context.Context, index int) (bool, error) {
	if err := em.console.Quit(ctx, index); err != nil {
		return false, &EmulatorError{Index: index, Op: "quit", Err: err}
	}
	serial := EmulatorSerial(index)
	deadline := time.Now().Add(emulatorStopTimeout)
	for {
		if !em.attached(ctx, serial) {
			log.Info().Int("index", index).Msg("emulator stopped")
			return true, nil
		}
		if !time.Now().Before(deadline) {
			log.Warn().Int("index", index).Msg("emulator stop timed out")
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(emulatorStopPoll):
		}
	}
}

// Restart stops then starts the instance, with a short settle gap between.
func (em *EmulatorManager) Restart(ctx context.Context, index int) (bool, error) {
	if ok, err := em.Stop(ctx, index); err != nil || !ok {
		return ok, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(emulatorRestartGap):
	}
	return em.Start(ctx, index)
}

func (em *EmulatorManager) attached(ctx context.Context, serial string) bool {
	serials, err := em.transport.ListDevices(ctx)
	if err != nil {
		return false
	}
	for _, s := range serials {
		if s == serial {
			return true
		}
	}
	return false
}
