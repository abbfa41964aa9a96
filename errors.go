package botmaker

import "fmt"

// ConnectionError reports a device that could not be reached through the
// adb server.
type ConnectionError struct {
	Serial string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s unreachable: %v", e.Serial, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a shell command that ran but failed or produced
// unusable output.
type CommandError struct {
	Serial  string
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q on %s failed: %v", e.Command, e.Serial, e.Err)
	}
	return fmt.Sprintf("command %q on %s failed: %s", e.Command, e.Serial, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// EmulatorError reports a hypervisor operation failure for an instance.
type EmulatorError struct {
	Index int
	Op    string
	Err   error
}

func (e *EmulatorError) Error() string {
	return fmt.Sprintf("emulator %d: %s: %v", e.Index, e.Op, e.Err)
}

func (e *EmulatorError) Unwrap() error { return e.Err }

// ImageProcessingError reports a screenshot capture or template search
// failure.
type ImageProcessingError struct {
	Path string
	Err  error
}

func (e *ImageProcessingError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("image processing %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("image processing: %v", e.Err)
}

func (e *ImageProcessingError) Unwrap() error { return e.Err }

// BotExecutionError reports a failure inside a bot run, pointing at the
// module that raised it.
type BotExecutionError struct {
	Bot         string
	ModuleIndex int
	Err         error
}

func (e *BotExecutionError) Error() string {
	return fmt.Sprintf("bot %s module %d: %v", e.Bot, e.ModuleIndex, e.Err)
}

func (e *BotExecutionError) Unwrap() error { return e.Err }
