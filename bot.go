package botmaker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Bot is a loaded bot definition: an ordered list of script modules plus
// the directory its template images live in.
type Bot struct {
	Name    string
	Game    string
	Path    string
	Modules []Module
}

// ImagePath resolves a template image name against the bot directory.
func (b *Bot) ImagePath(name string) string {
	return filepath.Join(b.Path, "images", name)
}

// ActivityModule returns the enabled activity module, if the bot has one.
func (b *Bot) ActivityModule() (*ActivityModule, bool) {
	for _, m := range b.Modules {
		if am, ok := m.(*ActivityModule); ok && am.Enabled {
			return am, true
		}
	}
	return nil, false
}

// Module is the closed set of bot script steps. Concrete types:
// *ClickModule, *SwipeModule, *SleepModule, *ActivityModule,
// *ImageSearchModule and *UnknownModule for unrecognized entries.
type Module interface {
	moduleType() string
}

// ClickModule taps a fixed coordinate.
type ClickModule struct {
	X, Y               int
	Sleep              time.Duration
	Description        string
	ConsoleDescription string
}

func (*ClickModule) moduleType() string { return "click" }

// SwipeModule drags from one coordinate to another.
type SwipeModule struct {
	X1, Y1, X2, Y2     int
	Sleep              time.Duration
	Description        string
	ConsoleDescription string
}

func (*SwipeModule) moduleType() string { return "swipe" }

// SleepModule pauses the script.
type SleepModule struct {
	Delay       time.Duration
	Description string
}

func (*SleepModule) moduleType() string { return "time_sleep" }

// CrashAction selects what the executor does when the watched app is no
// longer in the foreground.
type CrashAction int

const (
	// CrashContinue runs the module's recovery options and keeps going.
	CrashContinue CrashAction = iota
	// CrashStop halts the bot.
	CrashStop
	// CrashStopAdvance halts the bot; the scheduler's supervision starts
	// the next queued task once the devices free up.
	CrashStopAdvance
)

// ActivityModule configures app liveness supervision. It is never executed
// by the script cursor; the executor consults it before modules whose index
// falls inside LineRange.
type ActivityModule struct {
	Enabled         bool
	Package         string
	LineRange       string
	StartupDelay    time.Duration
	Action          CrashAction
	ContinueOptions []ContinueOption
}

func (*ActivityModule) moduleType() string { return "activity" }

// ContinueOptionKind is the closed set of crash recovery steps.
type ContinueOptionKind int

const (
	OptionCloseGame ContinueOptionKind = iota
	OptionRestartEmulator
	OptionStartGame
	OptionSleep
	OptionRestartFrom
	OptionRestartFromLast
)

// ContinueOption is one ordered recovery step of an activity module.
type ContinueOption struct {
	Kind ContinueOptionKind
	// Time applies to OptionSleep.
	Time time.Duration
	// Line applies to OptionRestartFrom (0-based module index).
	Line int
}

// ImageSearchModule polls the screen for a set of templates and branches
// on the outcome.
type ImageSearchModule struct {
	Images      []string
	Timeout     time.Duration
	ScriptItems []ScriptItem
}

func (*ImageSearchModule) moduleType() string { return "image_search" }

// ScriptItemKind discriminates image search branches.
type ScriptItemKind int

const (
	// ItemIfResult fires when a template was found; a nil Image matches any.
	ItemIfResult ScriptItemKind = iota
	// ItemElif fires only when no earlier branch ran and Image matches.
	ItemElif
	// ItemIfNotResult fires when nothing was found within the timeout.
	ItemIfNotResult
)

// ScriptItem is one branch of an image search module.
type ScriptItem struct {
	Kind      ScriptItemKind
	Image     *string
	LogEvent  string
	GetCoords bool
	Continue  bool
	StopBot   bool
	Actions   []SearchAction
}

// SearchAction is the closed set of steps inside an image search branch:
// *ClickAction, *SwipeAction, *TapFoundAction, *SleepAction.
type SearchAction interface {
	actionType() string
}

// ClickAction taps a fixed coordinate.
type ClickAction struct {
	X, Y               int
	Sleep              time.Duration
	Description        string
	ConsoleDescription string
}

func (*ClickAction) actionType() string { return "click" }

// SwipeAction drags between two coordinates.
type SwipeAction struct {
	X1, Y1, X2, Y2     int
	Sleep              time.Duration
	Description        string
	ConsoleDescription string
}

func (*SwipeAction) actionType() string { return "swipe" }

// TapFoundAction taps the center of the template match that triggered the
// branch.
type TapFoundAction struct{}

func (*TapFoundAction) actionType() string { return "tap_found" }

// SleepAction pauses the branch.
type SleepAction struct {
	Time time.Duration
}

func (*SleepAction) actionType() string { return "time_sleep" }

// UnknownModule preserves an unrecognized config entry. The executor skips
// it with a warning instead of failing the whole bot.
type UnknownModule struct {
	Type string
	Raw  json.RawMessage
}

func (*UnknownModule) moduleType() string { return "unknown" }

// LoadBot reads <dir>/config.json and decodes it into a Bot. The bot name
// falls back to the directory name when the config omits it.
func LoadBot(dir string) (*Bot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "read bot config in %s", dir)
	}
	var cfg struct {
		Name    string            `json:"name"`
		Game    string            `json:"game"`
		Modules []json.RawMessage `json:"modules"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "decode bot config in %s", dir)
	}
	bot := &Bot{
		Name: cfg.Name,
		Game: cfg.Game,
		Path: dir,
	}
	if bot.Name == "" {
		bot.Name = filepath.Base(dir)
	}
	for i, rawMod := range cfg.Modules {
		mod, err := decodeModule(rawMod)
		if err != nil {
			return nil, errors.Wrapf(err, "bot %s module %d", bot.Name, i)
		}
		bot.Modules = append(bot.Modules, mod)
	}
	if len(bot.Modules) == 0 {
		return nil, errors.Errorf("bot %s has no modules", bot.Name)
	}
	return bot, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func decodeModule(raw json.RawMessage) (Module, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Wrap(err, "decode module header")
	}
	switch head.Type {
	case "click":
		var fields struct {
			X                  int     `json:"x"`
			Y                  int     `json:"y"`
			Sleep              float64 `json:"sleep"`
			Description        string  `json:"description"`
			ConsoleDescription string  `json:"console_description"`
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrap(err, "decode click module")
		}
		return &ClickModule{
			X: fields.X, Y: fields.Y,
			Sleep:              seconds(fields.Sleep),
			Description:        fields.Description,
			ConsoleDescription: fields.ConsoleDescription,
		}, nil
	case "swipe":
		var fields struct {
			X1                 int     `json:"x1"`
			Y1                 int     `json:"y1"`
			X2                 int     `json:"x2"`
			Y2                 int     `json:"y2"`
			Sleep              float64 `json:"sleep"`
			Description        string  `json:"description"`
			ConsoleDescription string  `json:"console_description"`
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrap(err, "decode swipe module")
		}
		return &SwipeModule{
			X1: fields.X1, Y1: fields.Y1, X2: fields.X2, Y2: fields.Y2,
			Sleep:              seconds(fields.Sleep),
			Description:        fields.Description,
			ConsoleDescription: fields.ConsoleDescription,
		}, nil
	case "time_sleep":
		var fields struct {
			Delay       float64 `json:"delay"`
			Description string  `json:"description"`
		}
		fields.Delay = 1.0
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrap(err, "decode time_sleep module")
		}
		return &SleepModule{Delay: seconds(fields.Delay), Description: fields.Description}, nil
	case "activity":
		return decodeActivityModule(raw)
	case "image_search":
		return decodeImageSearchModule(raw)
	default:
		return &UnknownModule{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func decodeActivityModule(raw json.RawMessage) (Module, error) {
	var fields struct {
		Enabled         bool    `json:"enabled"`
		Activity        string  `json:"activity"`
		LineRange       string  `json:"line_range"`
		StartupDelay    float64 `json:"startup_delay"`
		Action          string  `json:"action"`
		ContinueOptions []struct {
			Type string `json:"type"`
			Data struct {
				Time float64 `json:"time"`
				Line int     `json:"line"`
			} `json:"data"`
		} `json:"continue_options"`
	}
	fields.StartupDelay = 1.0
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "decode activity module")
	}
	m := &ActivityModule{
		Enabled:      fields.Enabled,
		Package:      fields.Activity,
		LineRange:    fields.LineRange,
		StartupDelay: seconds(fields.StartupDelay),
	}
	switch fields.Action {
	case "activity.running.clear(0)":
		m.Action = CrashStop
	case "activity.running.clear(1)":
		m.Action = CrashStopAdvance
	default:
		m.Action = CrashContinue
	}
	for _, opt := range fields.ContinueOptions {
		switch opt.Type {
		case "close_game":
			m.ContinueOptions = append(m.ContinueOptions, ContinueOption{Kind: OptionCloseGame})
		case "restart_emulator":
			m.ContinueOptions = append(m.ContinueOptions, ContinueOption{Kind: OptionRestartEmulator})
		case "start_game":
			m.ContinueOptions = append(m.ContinueOptions, ContinueOption{Kind: OptionStartGame})
		case "time_sleep":
			t := opt.Data.Time
			if t == 0 {
				t = 1.0
			}
			m.ContinueOptions = append(m.ContinueOptions, ContinueOption{Kind: OptionSleep, Time: seconds(t)})
		case "restart_from":
			m.ContinueOptions = append(m.ContinueOptions, ContinueOption{Kind: OptionRestartFrom, Line: opt.Data.Line})
		case "restart_from_last":
			m.ContinueOptions = append(m.ContinueOptions, ContinueOption{Kind: OptionRestartFromLast})
		}
	}
	return m, nil
}

func decodeImageSearchModule(raw json.RawMessage) (Module, error) {
	var fields struct {
		Images      []string `json:"images"`
		Timeout     float64  `json:"timeout"`
		ScriptItems []struct {
			Type string `json:"type"`
			Data struct {
				Image     *string           `json:"image"`
				LogEvent  string            `json:"log_event"`
				GetCoords bool              `json:"get_coords"`
				Continue  bool              `json:"continue"`
				StopBot   bool              `json:"stop_bot"`
				Actions   []json.RawMessage `json:"actions"`
			} `json:"data"`
		} `json:"script_items"`
	}
	fields.Timeout = 10
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "decode image_search module")
	}
	m := &ImageSearchModule{
		Images:  fields.Images,
		Timeout: seconds(fields.Timeout),
	}
	for _, item := range fields.ScriptItems {
		si := ScriptItem{
			Image:     item.Data.Image,
			LogEvent:  item.Data.LogEvent,
			GetCoords: item.Data.GetCoords,
			Continue:  item.Data.Continue,
			StopBot:   item.Data.StopBot,
		}
		switch item.Type {
		case "if_result":
			si.Kind = ItemIfResult
		case "elif":
			si.Kind = ItemElif
		case "if_not_result":
			si.Kind = ItemIfNotResult
		default:
			continue
		}
		for _, rawAction := range item.Data.Actions {
			action, err := decodeSearchAction(rawAction)
			if err != nil {
				return nil, err
			}
			if action != nil {
				si.Actions = append(si.Actions, action)
			}
		}
		m.ScriptItems = append(m.ScriptItems, si)
	}
	return m, nil
}

func decodeSearchAction(raw json.RawMessage) (SearchAction, error) {
	var head struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Wrap(err, "decode search action header")
	}
	switch head.Type {
	// The editor the configs come from labels click and swipe actions in
	// Russian.
	case "Клик", "click":
		var d struct {
			X                  int     `json:"x"`
			Y                  int     `json:"y"`
			Sleep              float64 `json:"sleep"`
			Description        string  `json:"description"`
			ConsoleDescription string  `json:"console_description"`
		}
		if len(head.Data) > 0 {
			if err := json.Unmarshal(head.Data, &d); err != nil {
				return nil, errors.Wrap(err, "decode click action")
			}
		}
		return &ClickAction{
			X: d.X, Y: d.Y,
			Sleep:              seconds(d.Sleep),
			Description:        d.Description,
			ConsoleDescription: d.ConsoleDescription,
		}, nil
	case "Свайп", "swipe":
		var d struct {
			X1                 int     `json:"x1"`
			Y1                 int     `json:"y1"`
			X2                 int     `json:"x2"`
			Y2                 int     `json:"y2"`
			Sleep              float64 `json:"sleep"`
			Description        string  `json:"description"`
			ConsoleDescription string  `json:"console_description"`
		}
		if len(head.Data) > 0 {
			if err := json.Unmarshal(head.Data, &d); err != nil {
				return nil, errors.Wrap(err, "decode swipe action")
			}
		}
		return &SwipeAction{
			X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2,
			Sleep:              seconds(d.Sleep),
			Description:        d.Description,
			ConsoleDescription: d.ConsoleDescription,
		}, nil
	case "get_coords":
		return &TapFoundAction{}, nil
	case "time_sleep":
		var d struct {
			Time float64 `json:"time"`
		}
		d.Time = 1.0
		if len(head.Data) > 0 {
			if err := json.Unmarshal(head.Data, &d); err != nil {
				return nil, errors.Wrap(err, "decode sleep action")
			}
		}
		return &SleepAction{Time: seconds(d.Time)}, nil
	default:
		return nil, nil
	}
}
