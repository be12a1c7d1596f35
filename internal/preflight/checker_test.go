package preflight_test

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/shiftcraft/rosterd/internal/preflight"
	"github.com/stretchr/testify/require"
)

func found(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

func notFound(name string) (string, error) {
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func probeOK(context.Context, string, ...string) ([]byte, error) {
	return nil, nil
}

func probeFail(context.Context, string, ...string) ([]byte, error) {
	return []byte("Traceback (most recent call last):\nModuleNotFoundError: No module named 'ortools'\n"), errors.New("exit status 1")
}

var solver = model.Solver{
	Path:  "python3",
	Args:  []string{"-m", "shift_solver"},
	Probe: []string{"python3", "-c", "import ortools"},
}

func TestChecker(t *testing.T) {
	t.Parallel()

	t.Run("all pass", func(t *testing.T) {
		t.Parallel()
		c := preflight.NewCheckerForTests(found, probeOK, "linux")
		report := c.Run(t.Context(), solver)
		require.False(t, report.HasFailures)
		require.Len(t, report.Items, 2)
		require.NoError(t, report.Err())
	})

	t.Run("no probe configured", func(t *testing.T) {
		t.Parallel()
		c := preflight.NewCheckerForTests(found, probeFail, "linux")
		s := solver
		s.Probe = nil
		report := c.Run(t.Context(), s)
		require.False(t, report.HasFailures)
		require.Equal(t, preflight.StatusSkip, report.Items[1].Status)
	})

	t.Run("missing executable", func(t *testing.T) {
		t.Parallel()
		c := preflight.NewCheckerForTests(notFound, probeOK, "windows")
		err := c.Check(t.Context(), solver)
		require.ErrorIs(t, err, model.ErrSolverUnavailable)

		var unavailable *model.SolverUnavailableError
		require.ErrorAs(t, err, &unavailable)
		require.Contains(t, unavailable.Reason, "not found")
		require.Contains(t, unavailable.Remediation, "python.org")
	})

	t.Run("missing module", func(t *testing.T) {
		t.Parallel()
		c := preflight.NewCheckerForTests(found, probeFail, "darwin")
		err := c.Check(t.Context(), solver)
		var unavailable *model.SolverUnavailableError
		require.ErrorAs(t, err, &unavailable)
		require.Contains(t, unavailable.Reason, "No module named 'ortools'")
		require.Contains(t, unavailable.Remediation, "python3 -m pip install")
	})

	t.Run("non python probe", func(t *testing.T) {
		t.Parallel()
		c := preflight.NewCheckerForTests(found, probeFail, "linux")
		s := model.Solver{Path: "/opt/solve", Probe: []string{"/opt/solve", "--self-test"}}
		err := c.Check(t.Context(), s)
		var unavailable *model.SolverUnavailableError
		require.ErrorAs(t, err, &unavailable)
		require.Contains(t, unavailable.Remediation, "/opt/solve --self-test")
	})
}

func TestChecker_RealProbe(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	c := preflight.NewChecker()
	ok := model.Solver{Path: sh, Probe: []string{sh, "-c", "exit 0"}}
	require.NoError(t, c.Check(t.Context(), ok))

	bad := model.Solver{Path: sh, Probe: []string{sh, "-c", "echo missing dependency >&2; exit 3"}}
	err = c.Check(t.Context(), bad)
	require.ErrorIs(t, err, model.ErrSolverUnavailable)
	require.ErrorContains(t, err, "missing dependency")
}
