// ABOUTME: run_script command: executes a script from the configured script directory.
// ABOUTME: Captures stdout, stderr and exit status; refuses paths outside the directory.

package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long a killed script's leftover children may hold
// its output pipes open.
const waitDelay = 2 * time.Second

// ErrScriptOutsideDir is returned for script names escaping the script
// directory.
var ErrScriptOutsideDir = errors.New("script is outside the script directory")

// Script runs executables from Dir. If Name is set the command is bound to
// that script; otherwise the caller names it with the "script" argument.
type Script struct {
	Dir  string
	Name string
	// Env is appended to the agent's environment.
	Env []string
}

func (s Script) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := s.Name
	if name == "" {
		var err error
		if name, err = str(args, "script"); err != nil {
			return nil, err
		}
	}
	argv, err := stringList(args, "arguments")
	if err != nil {
		return nil, err
	}
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, argv...)
	cmd.Dir = s.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), s.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	rc := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("starting %s: %w", name, runErr)
		}
		rc = exitErr.ExitCode()
	}
	return map[string]any{
		"script": name,
		"rc":     rc,
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}, nil
}

// resolve maps name to a file under Dir. Symlinks are followed on both
// sides, so a link inside Dir cannot point outside it.
func (s Script) resolve(name string) (string, error) {
	if s.Dir == "" {
		return "", errors.New("no script directory configured")
	}
	dir, err := filepath.Abs(s.Dir)
	if err != nil {
		return "", fmt.Errorf("script directory: %w", err)
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, name)
	}
	path = filepath.Clean(path)
	if !within(dir, path) {
		return "", fmt.Errorf("%w: %s", ErrScriptOutsideDir, name)
	}

	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("script directory: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", name, err)
	}
	if !within(realDir, realPath) {
		return "", fmt.Errorf("%w: %s", ErrScriptOutsideDir, name)
	}
	return realPath, nil
}

// within reports whether path lies strictly below dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func stringList(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", ErrBadArgument, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings", ErrBadArgument, key)
	}
}
