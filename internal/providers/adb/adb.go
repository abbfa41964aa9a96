package adb

import (
	"context"
	"strings"
	"sync"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// Provider talks to a local adb server through gadb. It is the concrete
// transport behind the device manager: listing attached devices, running
// shell commands and grabbing framebuffer captures. Resolved device
// handles are cached per serial; a handle that fails a command is evicted
// and re-resolved lazily on the next use.
type Provider struct {
	client gadb.Client

	mu      sync.Mutex
	devices map[string]*gadb.Device
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{
		client:  client,
		devices: make(map[string]*gadb.Device),
	}
}

// NewDefault creates a Provider using a default gadb client
// (adb server on localhost:5037).
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevices returns all attached device serials from the adb server.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	return p.client.DeviceSerialList()
}

// ListDevicesWithState returns device serials with their raw gadb state names
// (device, offline, unauthorized, unknown).
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// RunShell executes a shell command on the given device serial. A failed
// command drops the cached device handle so the next call re-resolves it.
func (p *Provider) RunShell(serial string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	dev, err := p.device(serial)
	if err != nil {
		return "", err
	}
	out, err := dev.RunShellCommand(args[0], args[1:]...)
	if err != nil {
		p.evict(serial)
		return "", err
	}
	return out, nil
}

// ScreenCap captures the device framebuffer and returns the raw PNG bytes.
func (p *Provider) ScreenCap(serial string) ([]byte, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	dev, err := p.device(serial)
	if err != nil {
		return nil, err
	}
	raw, err := dev.ScreenCap()
	if err != nil {
		p.evict(serial)
		return nil, err
	}
	return raw, nil
}

// device returns the cached handle for serial, resolving it through the
// adb server on a cache miss.
func (p *Provider) device(serial string) (*gadb.Device, error) {
	target := strings.TrimSpace(serial)
	p.mu.Lock()
	if dev, ok := p.devices[target]; ok {
		p.mu.Unlock()
		return dev, nil
	}
	p.mu.Unlock()

	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			p.mu.Lock()
			p.devices[target] = d
			p.mu.Unlock()
			return d, nil
		}
	}
	return nil, errors.Errorf("device %s not found", serial)
}

func (p *Provider) evict(serial string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, strings.TrimSpace(serial))
}

// cached reports whether a handle for serial is currently cached.
func (p *Provider) cached(serial string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.devices[strings.TrimSpace(serial)]
	return ok
}
