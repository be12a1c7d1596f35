package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shiftcraft/rosterd/internal/events"
	"github.com/shiftcraft/rosterd/internal/history"
	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/shiftcraft/rosterd/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// outputs finds the --output argument the supervisor appended.
const findOutput = `
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "--output" ]; then out="$a"; fi
	prev="$a"
done
formatted="${out%.xlsx}-formatted.xlsx"
`

type fakeChecker struct {
	err error
}

func (c fakeChecker) Check(context.Context, model.Solver) error {
	return c.err
}

type fixture struct {
	sup    *service.Supervisor
	bus    *events.Bus
	store  *history.Store
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func newFixture(t *testing.T, solver model.Solver, checker service.Checker) fixture {
	t.Helper()
	grace := "1s"
	cfg := model.Config{
		Solver:  solver,
		Service: &model.Service{CancelGrace: &grace},
	}

	store, err := history.OpenExclusive(t.Context(), t.TempDir(), 3)
	require.NoError(t, err)
	bus := events.NewBus(0)
	sup, err := service.NewSupervisor(t.Context(), cfg, store, bus, checker)
	require.NoError(t, err)
	sup.WithProgressInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := sup.Do(ctx)
		require.NoError(t, err)
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = store.Close()
	})
	return fixture{sup: sup, bus: bus, store: store, cancel: cancel, wg: &wg}
}

func scriptSolver(t *testing.T, script string) model.Solver {
	return model.Solver{
		Path: shell(t),
		Args: []string{"-c", findOutput + script, "solver"},
	}
}

func request() model.RunRequest {
	return model.RunRequest{
		Config: model.RunConfig{
			StaffPath:      "staff.csv",
			DepartmentPath: "departments.csv",
		},
		Staff:       []model.Employee{{Name: "Alice"}, {Name: "Bob"}},
		Departments: []model.Department{{Name: "Marketing"}},
	}
}

// collect returns the events of runID up to and including its terminal one.
func collect(t *testing.T, sub *events.Subscription, runID string) []events.Event {
	t.Helper()
	timeout := time.After(15 * time.Second)
	var got []events.Event
	for {
		select {
		case e, ok := <-sub.C:
			require.True(t, ok, "subscription was dropped")
			if e.RunID != runID {
				continue
			}
			got = append(got, e)
			if e.Kind.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("no terminal event for %s, got %d events", runID, len(got))
		}
	}
}

func requireQuiet(t *testing.T, bus *events.Bus, terminal events.Event) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	for _, e := range bus.Since(terminal.Seq) {
		require.NotEqual(t, terminal.RunID, e.RunID, "event %s after terminal event", e.Kind)
	}
}

func TestSupervisor_Completed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `
echo "solving $1 $2"
echo "warning" >&2
printf xlsx > "$out"
`), fakeChecker{})

	sub := f.bus.Subscribe(1000)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := collect(t, sub, id)
	done := got[len(got)-1]
	require.Equal(t, events.KindDone, done.Kind)
	require.True(t, done.Success)
	require.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.ExitCode)
	require.Equal(t, 0, *done.ExitCode)

	// only the primary output was written
	require.Len(t, done.Outputs, 1)
	require.Equal(t, filepath.Join(f.store.RunDir(id), model.ScheduleFile), done.Outputs[model.OutputXlsx])

	var stdout, stderr strings.Builder
	for _, e := range got {
		if e.Kind != events.KindLog {
			continue
		}
		switch e.Stream {
		case events.Stdout:
			stdout.WriteString(e.Text)
		case events.Stderr:
			stderr.WriteString(e.Text)
		}
	}
	require.Equal(t, "solving staff.csv departments.csv\n", stdout.String())
	require.Equal(t, "warning\n", stderr.String())
	requireQuiet(t, f.bus, done)

	entries, err := f.store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)
	require.True(t, entries[0].HasXlsx)
	require.False(t, entries[0].HasFormattedXlsx)
	require.Equal(t, 2, entries[0].EmployeeCount)
	require.Equal(t, 1, entries[0].DepartmentCount)

	snapshot, err := f.store.ConfigSnapshot(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, "staff.csv", snapshot.StaffPath)

	out, err := f.store.ResolveOutput(t.Context(), id, model.OutputFormattedXlsx)
	require.NoError(t, err)
	require.False(t, out.Exists)

	require.Equal(t, model.StatusIdle, f.sup.Status().Status)
}

func TestSupervisor_BothOutputs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `
printf xlsx > "$out"
printf xlsx > "$formatted"
`), nil)

	sub := f.bus.Subscribe(1000, events.KindDone, events.KindError)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)
	got := collect(t, sub, id)
	done := got[len(got)-1]
	require.True(t, done.Success)
	require.Len(t, done.Outputs, 2)
	require.FileExists(t, done.Outputs[model.OutputFormattedXlsx])
}

func TestSupervisor_NoOutputs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `exit 0`), nil)

	sub := f.bus.Subscribe(1000, events.KindDone, events.KindError)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)
	got := collect(t, sub, id)
	done := got[len(got)-1]
	require.True(t, done.Success)
	require.Empty(t, done.Outputs)

	entries, err := f.store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].HasXlsx)
	require.False(t, entries[0].HasFormattedXlsx)
}

func TestSupervisor_ExitCodes(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		script string
		kind   model.FailureKind
		code   int
	}{
		{
			name:   "infeasible",
			script: `printf partial > "$out"; echo "Traceback: something crashed" >&2; exit 2`,
			kind:   model.NoSolutionFound,
			code:   2,
		},
		{
			name:   "crash",
			script: `echo "no solution found" >&2; exit 1`,
			kind:   model.GenericSolverError,
			code:   1,
		},
		{
			name:   "other",
			script: `exit 3`,
			kind:   model.GenericSolverError,
			code:   3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, scriptSolver(t, tc.script), nil)
			sub := f.bus.Subscribe(1000)
			defer sub.Close()

			id, err := f.sup.Submit(t.Context(), request())
			require.NoError(t, err)
			got := collect(t, sub, id)
			done := got[len(got)-1]

			require.Equal(t, events.KindDone, done.Kind)
			require.False(t, done.Success)
			require.Equal(t, model.StatusFailed, done.Status)
			require.Equal(t, tc.kind, done.FailureKind)
			require.Equal(t, tc.kind.Advice(), done.Advice)
			require.NotNil(t, done.ExitCode)
			require.Equal(t, tc.code, *done.ExitCode)
			requireQuiet(t, f.bus, done)

			require.NoDirExists(t, f.store.RunDir(id))
			entries, err := f.store.List(t.Context())
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestSupervisor_AlreadyRunning(t *testing.T) {
	t.Parallel()
	spawned := filepath.Join(t.TempDir(), "spawned")
	f := newFixture(t, scriptSolver(t, `echo x >> "`+spawned+`"; exec sleep 30`), nil)

	sub := f.bus.Subscribe(1000, events.KindDone, events.KindError)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, f.sup.Status().Status)
	require.Equal(t, id, f.sup.Status().ID)

	for range 3 {
		_, err = f.sup.Submit(t.Context(), request())
		require.ErrorIs(t, err, model.ErrAlreadyRunning)
	}

	require.Eventually(t, func() bool {
		_, err := os.Stat(spawned)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	res, err := f.sup.Cancel(t.Context())
	require.NoError(t, err)
	require.True(t, res.Canceled)
	collect(t, sub, id)

	b, err := os.ReadFile(spawned)
	require.NoError(t, err)
	require.Equal(t, "x\n", string(b), "exactly one process was spawned")
}

func TestSupervisor_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `printf partial > "$out"; exec sleep 30`), nil)

	sub := f.bus.Subscribe(1000)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)
	partial := filepath.Join(f.store.RunDir(id), model.ScheduleFile)
	require.Eventually(t, func() bool {
		_, err := os.Stat(partial)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	res, err := f.sup.Cancel(t.Context())
	require.NoError(t, err)
	require.True(t, res.Canceled)
	require.NotNil(t, res.RunID)
	require.Equal(t, id, *res.RunID)

	// Cancel returns after cleanup
	require.NoDirExists(t, f.store.RunDir(id))
	require.Equal(t, model.StatusIdle, f.sup.Status().Status)

	got := collect(t, sub, id)
	done := got[len(got)-1]
	require.Equal(t, events.KindDone, done.Kind)
	require.False(t, done.Success)
	require.Equal(t, model.StatusCanceled, done.Status)
	require.Equal(t, model.UserCanceled, done.FailureKind)

	entries, err := f.store.List(t.Context())
	require.NoError(t, err)
	require.Empty(t, entries)

	res, err = f.sup.Cancel(t.Context())
	require.NoError(t, err)
	require.Equal(t, service.CancelResult{}, res, "nothing left to cancel")
	b, err := json.Marshal(res)
	require.NoError(t, err)
	require.JSONEq(t, `{"canceled":false,"runId":null}`, string(b))
}

func TestSupervisor_CancelForcedKill(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `trap "" TERM; printf partial > "$out"; while :; do sleep 0.05; done`), nil)

	sub := f.bus.Subscribe(1000, events.KindDone, events.KindError)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.store.RunDir(id), model.ScheduleFile))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	res, err := f.sup.Cancel(t.Context())
	require.NoError(t, err)
	require.True(t, res.Canceled)
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond, "SIGTERM was ignored until the grace period ran out")
	require.NoDirExists(t, f.store.RunDir(id))
	collect(t, sub, id)
}

func TestSupervisor_CancelIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `exit 0`), nil)
	res, err := f.sup.Cancel(t.Context())
	require.NoError(t, err)
	require.False(t, res.Canceled)
	require.Empty(t, res.RunID)
}

func TestSupervisor_SpawnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, model.Solver{Path: filepath.Join(t.TempDir(), "missing-solver")}, nil)

	sub := f.bus.Subscribe(1000)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)

	got := collect(t, sub, id)
	require.Len(t, got, 1)
	require.Equal(t, events.KindError, got[0].Kind)
	require.Equal(t, model.ProcessSpawnError, got[0].FailureKind)
	require.NotEmpty(t, got[0].Message)
	require.NoDirExists(t, f.store.RunDir(id))
	require.Equal(t, model.StatusIdle, f.sup.Status().Status)
}

func TestSupervisor_Rejected(t *testing.T) {
	t.Parallel()

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, scriptSolver(t, `exit 0`), nil)
		req := request()
		req.Config.StaffPath = ""
		_, err := f.sup.Submit(t.Context(), req)
		require.ErrorIs(t, err, model.ErrInvalidConfig)
		require.Empty(t, f.bus.Since(0))
	})

	t.Run("solver unavailable", func(t *testing.T) {
		t.Parallel()
		unavailable := &model.SolverUnavailableError{
			Reason:      "python3 not found",
			Remediation: "install python3",
		}
		f := newFixture(t, scriptSolver(t, `exit 0`), fakeChecker{err: unavailable})
		_, err := f.sup.Submit(t.Context(), request())
		require.ErrorIs(t, err, model.ErrSolverUnavailable)
		var sue *model.SolverUnavailableError
		require.True(t, errors.As(err, &sue))
		require.Equal(t, "install python3", sue.Remediation)
		require.Empty(t, f.bus.Since(0))
	})
}

func TestSupervisor_Progress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `sleep 0.3; printf xlsx > "$out"`), nil)

	sub := f.bus.Subscribe(1000)
	defer sub.Close()

	req := request()
	budget := 1
	req.Config.Overrides.MaxSolveSeconds = &budget
	id, err := f.sup.Submit(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, time.Second, f.sup.Status().TimeBudget)

	got := collect(t, sub, id)
	last := -1
	var ticks int
	for _, e := range got {
		if e.Kind != events.KindProgress {
			continue
		}
		ticks++
		require.GreaterOrEqual(t, e.Percent, last, "progress never goes back")
		require.LessOrEqual(t, e.Percent, 95)
		last = e.Percent
	}
	require.Positive(t, ticks)
	require.True(t, got[len(got)-1].Success)
	requireQuiet(t, f.bus, got[len(got)-1])
}

func TestSupervisor_Shutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `printf partial > "$out"; exec sleep 30`), nil)

	sub := f.bus.Subscribe(1000, events.KindDone, events.KindError)
	defer sub.Close()

	id, err := f.sup.Submit(t.Context(), request())
	require.NoError(t, err)

	f.cancel()
	f.wg.Wait()

	got := collect(t, sub, id)
	done := got[len(got)-1]
	require.False(t, done.Success)
	require.Equal(t, model.StatusCanceled, done.Status)
	require.NoDirExists(t, f.store.RunDir(id))

	_, err = f.sup.Submit(t.Context(), request())
	require.ErrorIs(t, err, service.ErrClosed)
}

func TestSupervisor_ReconcileOnStart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := history.Open(t.Context(), dir, 3)
	require.NoError(t, err)
	_, err = store.Allocate("leftover")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = history.OpenExclusive(t.Context(), dir, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := model.Config{Solver: scriptSolver(t, `exit 0`)}
	sup, err := service.NewSupervisor(t.Context(), cfg, store, events.NewBus(0), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, sup.Do(ctx))
	})

	report, err := sup.Reconcile(t.Context())
	require.NoError(t, err)
	require.True(t, report.Empty(), "leftover was removed when Do started")
	require.NoDirExists(t, store.RunDir("leftover"))

	cancel()
	wg.Wait()
}

func TestSupervisor_Retention(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scriptSolver(t, `printf xlsx > "$out"`), nil)
	sub := f.bus.Subscribe(1000, events.KindDone, events.KindError)
	defer sub.Close()

	var ids []string
	for range 5 {
		id, err := f.sup.Submit(t.Context(), request())
		require.NoError(t, err)
		collect(t, sub, id)
		ids = append(ids, id)
	}

	entries, err := f.store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, ids[4], entries[0].ID)
	for _, id := range ids[:2] {
		require.NoDirExists(t, f.store.RunDir(id))
	}
}

func TestSupervisor_InvalidSweep(t *testing.T) {
	t.Parallel()
	store, err := history.OpenExclusive(t.Context(), t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sweep := "not a cron"
	cfg := model.Config{
		Solver:  model.Solver{Path: "solver"},
		History: &model.History{Sweep: &sweep},
	}
	_, err = service.NewSupervisor(t.Context(), cfg, store, events.NewBus(0), nil)
	require.Error(t, err)
}

func TestSupervisor_SharedHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	reader, err := history.Open(t.Context(), dir, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	_, err = service.NewSupervisor(t.Context(), model.Config{Solver: model.Solver{Path: "solver"}}, reader, events.NewBus(0), nil)
	require.ErrorIs(t, err, history.ErrNotExclusive)
}
