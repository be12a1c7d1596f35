// Package preflight verifies the solver can actually start before a run is
// admitted, so a doomed process is never spawned.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shiftcraft/rosterd/internal/model"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Item is one check result with an optional remediation hint.
type Item struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`
	HasFailures bool      `json:"hasFailures"`
	Items       []Item    `json:"items"`
}

// Err converts a failed report into a *model.SolverUnavailableError carrying
// the first failing item's message and hint.
func (r Report) Err() error {
	for _, item := range r.Items {
		if item.Status == StatusFail {
			return &model.SolverUnavailableError{
				Reason:      item.Message,
				Remediation: item.Hint,
			}
		}
	}
	return nil
}

// ProbeFunc runs the probe command and returns its combined output.
type ProbeFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Checker validates the solver executable and its runtime dependencies.
type Checker struct {
	lookPath func(string) (string, error)
	probe    ProbeFunc
	goos     string
	now      func() time.Time
}

func NewChecker() *Checker {
	return &Checker{
		lookPath: exec.LookPath,
		probe:    runProbe,
		goos:     runtime.GOOS,
		now:      time.Now,
	}
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(lookPath func(string) (string, error), probe ProbeFunc, goos string) *Checker {
	return &Checker{
		lookPath: lookPath,
		probe:    probe,
		goos:     goos,
		now:      time.Now,
	}
}

// Run executes all checks concurrently.
func (c *Checker) Run(ctx context.Context, solver model.Solver) Report {
	items := make([]Item, 2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items[0] = c.checkExecutable(solver.Path)
		return nil
	})
	g.Go(func() error {
		items[1] = c.checkProbe(gctx, solver)
		return nil
	})
	_ = g.Wait()

	report := Report{
		GeneratedAt: c.now().UTC(),
		Items:       items,
	}
	for _, item := range items {
		if item.Status == StatusFail {
			report.HasFailures = true
			break
		}
	}
	return report
}

// Check runs the report and returns its error, if any.
func (c *Checker) Check(ctx context.Context, solver model.Solver) error {
	return c.Run(ctx, solver).Err()
}

func (c *Checker) checkExecutable(path string) Item {
	item := Item{ID: "solver_executable", Name: "Solver executable"}
	if strings.TrimSpace(path) == "" {
		item.Status = StatusFail
		item.Message = "Solver path is empty."
		item.Hint = "Set solver.path in rosterd.yaml."
		return item
	}

	resolved, err := c.lookPath(path)
	if err != nil {
		item.Status = StatusFail
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			item.Message = fmt.Sprintf("Solver executable not found: %s", path)
		} else {
			item.Message = fmt.Sprintf("Solver executable is not usable: %s: %v", path, err)
		}
		item.Hint = installHint(c.goos, path)
		return item
	}

	item.Status = StatusPass
	item.Message = fmt.Sprintf("Found at %s", resolved)
	return item
}

func (c *Checker) checkProbe(ctx context.Context, solver model.Solver) Item {
	item := Item{ID: "solver_runtime", Name: "Solver runtime dependencies"}
	if len(solver.Probe) == 0 {
		item.Status = StatusSkip
		item.Message = "No probe configured."
		return item
	}

	ctx, cancel := context.WithTimeout(ctx, solver.Timeout())
	defer cancel()
	out, err := c.probe(ctx, solver.Probe[0], solver.Probe[1:]...)
	if err != nil {
		item.Status = StatusFail
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		item.Message = fmt.Sprintf("Runtime check %q failed: %s", strings.Join(solver.Probe, " "), lastLine(msg))
		item.Hint = dependencyHint(c.goos, solver.Probe)
		return item
	}

	item.Status = StatusPass
	item.Message = "Runtime dependencies are importable."
	return item
}

func runProbe(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func installHint(goos, path string) string {
	if !strings.Contains(path, "python") {
		return fmt.Sprintf("Install the solver and make sure %s is on PATH, or set solver.path to its absolute location.", path)
	}
	switch goos {
	case "windows":
		return "Install Python 3 from https://www.python.org/downloads/ and tick \"Add python.exe to PATH\", or set solver.path to the full path of python.exe."
	case "darwin":
		return "Install Python 3 with `brew install python` or from https://www.python.org/downloads/macos/, then restart rosterd."
	default:
		return "Install Python 3 with your package manager, e.g. `sudo apt install python3 python3-pip` or `sudo dnf install python3`."
	}
}

func dependencyHint(goos string, probe []string) string {
	if !strings.Contains(probe[0], "python") && probe[0] != "py" {
		return fmt.Sprintf("Make sure `%s` succeeds in a terminal.", strings.Join(probe, " "))
	}
	const pkgs = "ortools pandas openpyxl"
	switch goos {
	case "windows":
		return "Run `py -m pip install " + pkgs + "` in a command prompt."
	case "darwin":
		return "Run `python3 -m pip install --user " + pkgs + "` in Terminal."
	default:
		return "Run `python3 -m pip install --user " + pkgs + "`, or install the distribution packages for these modules."
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
