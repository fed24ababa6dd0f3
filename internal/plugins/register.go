// ABOUTME: Populates a dispatch.Registry with the built-in and configured commands.
// ABOUTME: Configured commands name a plugin kind; unknown kinds fail startup.

package plugins

import (
	"fmt"
	"sort"

	"github.com/2389/coven-agentd/internal/dispatch"
)

// Plugin kinds accepted in command declarations.
const (
	KindRunScript = "run_script"
	KindEcho      = "echo"
	KindSleep     = "sleep"
)

// Command declares an extra command.
type Command struct {
	Plugin      string
	Script      string
	LongRunning bool
	Env         []string
}

// Options carries what the built-ins need.
type Options struct {
	AgentID   string
	ScriptDir string
	Jobs      *dispatch.JobTable
}

// RegisterBuiltins adds echo, ping, sleep, run_script and
// get_job_description.
func RegisterBuiltins(reg *dispatch.Registry, opts Options) error {
	builtins := []struct {
		name        string
		plugin      dispatch.Plugin
		longRunning bool
	}{
		{"echo", Echo{}, false},
		{"ping", Ping{AgentID: opts.AgentID}, false},
		{"sleep", Sleep{}, false},
		{"run_script", Script{Dir: opts.ScriptDir}, false},
		{"get_job_description", JobDescription{Jobs: opts.Jobs}, false},
	}
	for _, b := range builtins {
		if err := reg.Register(b.name, b.plugin, b.longRunning); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCommands adds configured commands in name order.
func RegisterCommands(reg *dispatch.Registry, commands map[string]Command, opts Options) error {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		c := commands[name]
		var p dispatch.Plugin
		switch c.Plugin {
		case KindRunScript, "":
			if c.Script == "" {
				return fmt.Errorf("command %s: script is required", name)
			}
			s := Script{Dir: opts.ScriptDir, Name: c.Script, Env: c.Env}
			if _, err := s.resolve(c.Script); err != nil {
				return fmt.Errorf("command %s: %w", name, err)
			}
			p = s
		case KindEcho:
			p = Echo{}
		case KindSleep:
			p = Sleep{}
		default:
			return fmt.Errorf("command %s: unknown plugin %q", name, c.Plugin)
		}
		if err := reg.Register(name, p, c.LongRunning); err != nil {
			return err
		}
	}
	return nil
}
