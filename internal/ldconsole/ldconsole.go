// Package ldconsole wraps the LDPlayer console binary, the hypervisor
// control channel for emulator instances. Instances are addressed by
// numeric index; the corresponding adb serial is emulator-<5554+2*index>.
package ldconsole

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Instance describes one emulator instance as reported by the console.
type Instance struct {
	Index   int
	Name    string
	Running bool
}

// Console shells out to the ldconsole binary at Path.
type Console struct {
	Path string
}

// New returns a Console for the given binary path.
func New(path string) *Console {
	return &Console{Path: path}
}

// List queries the console for all configured instances.
// Output format of `ldconsole list2`: index,name,topWnd,bindWnd,run,pid,...
func (c *Console) List(ctx context.Context) ([]Instance, error) {
	out, err := c.run(ctx, "list2")
	if err != nil {
		return nil, err
	}
	var instances []Instance
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			log.Warn().Str("line", line).Msg("ldconsole: unparseable list entry")
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			log.Warn().Str("line", line).Msg("ldconsole: non-numeric instance index")
			continue
		}
		instances = append(instances, Instance{
			Index:   idx,
			Name:    fields[1],
			Running: fields[4] == "1",
		})
	}
	return instances, nil
}

// Launch starts the instance with the given index. The call returns as soon
// as the console accepts the command; boot completion is observed through
// the adb server.
func (c *Console) Launch(ctx context.Context, index int) error {
	_, err := c.run(ctx, "launch", "--index", strconv.Itoa(index))
	return err
}

// Quit shuts down the instance with the given index.
func (c *Console) Quit(ctx context.Context, index int) error {
	_, err := c.run(ctx, "quit", "--index", strconv.Itoa(index))
	return err
}

func (c *Console) run(ctx context.Context, args ...string) (string, error) {
	if c == nil || strings.TrimSpace(c.Path) == "" {
		return "", errors.New("ldconsole: binary path not configured")
	}
	cmd := exec.CommandContext(ctx, c.Path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "ldconsole %s", strings.Join(args, " "))
	}
	return string(out), nil
}
