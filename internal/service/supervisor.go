package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/shiftcraft/rosterd/internal/events"
	"github.com/shiftcraft/rosterd/internal/flags"
	"github.com/shiftcraft/rosterd/internal/history"
	"github.com/shiftcraft/rosterd/internal/log"
	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/shiftcraft/rosterd/internal/progress"
)

// ErrClosed is returned by requests sent after Do has returned.
var ErrClosed = errors.New("supervisor is not running")

// Checker reports whether the solver can be started at all.
type Checker interface {
	Check(ctx context.Context, solver model.Solver) error
}

// CancelResult answers a cancel request. RunID is nil when nothing was
// running, and encodes as null.
type CancelResult struct {
	Canceled bool    `json:"canceled"`
	RunID    *string `json:"runId"`
}

type Supervisor struct {
	solver    model.Solver
	store     *history.Store
	bus       *events.Bus
	checker   Checker
	grace     time.Duration
	interval  time.Duration
	scheduler gocron.Scheduler

	submits    chan submitReq
	cancels    chan chan CancelResult
	reconciles chan reconcileReq
	sweep      chan struct{}
	done       chan struct{}

	state    atomic.Pointer[model.RunState]
	progress atomic.Int64

	// owned by the Do goroutine
	active *activeRun
}

type submitReq struct {
	cfg      model.RunConfig
	snapshot model.ConfigSnapshot
	reply    chan submitReply
}

type submitReply struct {
	id  string
	err error
}

type reconcileReq struct {
	reply chan reconcileReply
}

type reconcileReply struct {
	report history.ReconcileReport
	err    error
}

type activeRun struct {
	id        string
	ctx       context.Context
	dir       string
	started   time.Time
	snapshot  model.ConfigSnapshot
	runner    *Runner
	estimator *progress.Estimator
	stdout    *relay
	stderr    *relay
	canceled  bool
	reason    string
	killTimer *time.Timer
	waiters   []chan CancelResult
}

// NewSupervisor prepares a supervisor for cfg. The returned value does
// nothing until Do runs. store must come from history.OpenExclusive, so no
// other process admits runs or reconciles the same directory.
func NewSupervisor(ctx context.Context, cfg model.Config, store *history.Store, bus *events.Bus, checker Checker) (*Supervisor, error) {
	if !store.Exclusive() {
		return nil, history.ErrNotExclusive
	}
	s := &Supervisor{
		solver:     cfg.Solver,
		store:      store,
		bus:        bus,
		checker:    checker,
		grace:      cfg.CancelGrace(),
		interval:   progress.DefaultInterval,
		submits:    make(chan submitReq),
		cancels:    make(chan chan CancelResult),
		reconciles: make(chan reconcileReq),
		sweep:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	idle := model.IdleState()
	s.state.Store(&idle)

	if expr := cfg.Sweep(); expr != "" {
		scheduler, err := newScheduler(ctx, expr, s.requestSweep)
		if err != nil {
			return nil, fmt.Errorf("history.sweep: %w", err)
		}
		s.scheduler = scheduler
	}
	return s, nil
}

// WithProgressInterval changes the estimator tick. This method exists for
// unit testing only.
func (s *Supervisor) WithProgressInterval(d time.Duration) *Supervisor {
	s.interval = d
	return s
}

// Status returns a snapshot of the active run, or the idle state.
func (s *Supervisor) Status() model.RunState {
	st := *s.state.Load()
	if st.Status == model.StatusRunning {
		st.Progress = int(s.progress.Load())
	}
	return st
}

// Submit validates and freezes req, verifies the solver is usable and
// starts a run. It returns the new run id. Failures after admission, such
// as a solver that can't be spawned, are reported as the run's terminal
// event, not as an error here.
func (s *Supervisor) Submit(ctx context.Context, req model.RunRequest) (string, error) {
	cfg := req.Config.Clone()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if s.Status().Status == model.StatusRunning {
		return "", model.ErrAlreadyRunning
	}
	if s.checker != nil {
		if err := s.checker.Check(ctx, s.solver); err != nil {
			return "", err
		}
	}

	sr := submitReq{
		cfg:      cfg,
		snapshot: req.Snapshot(time.Now()),
		reply:    make(chan submitReply, 1),
	}
	select {
	case s.submits <- sr:
	case <-s.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-sr.reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel terminates the active run and returns once its directory has been
// removed and the terminal event published. Without an active run it
// returns immediately with Canceled false.
func (s *Supervisor) Cancel(ctx context.Context) (CancelResult, error) {
	reply := make(chan CancelResult, 1)
	select {
	case s.cancels <- reply:
	case <-s.done:
		return CancelResult{}, ErrClosed
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
}

// Reconcile runs a history reconciliation which spares the active run's
// directory.
func (s *Supervisor) Reconcile(ctx context.Context) (history.ReconcileReport, error) {
	req := reconcileReq{reply: make(chan reconcileReply, 1)}
	select {
	case s.reconciles <- req:
	case <-s.done:
		return history.ReconcileReport{}, ErrClosed
	case <-ctx.Done():
		return history.ReconcileReport{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.report, r.err
	case <-ctx.Done():
		return history.ReconcileReport{}, ctx.Err()
	}
}

func (s *Supervisor) requestSweep() {
	select {
	case s.sweep <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop. It owns the active run and
// multiplexes:
//  1. submissions: admission, directory allocation, spawn
//  2. cancel requests: terminate, then force kill after the grace period
//  3. process exit: classification, history commit or discard, terminal event
//  4. history reconciliation, on request and from the sweep schedule
//  5. context cancellation: the active run is killed and cleaned up
//
// The history is reconciled once on entry. Do returns nil on graceful
// cancellation.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	defer close(s.done)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	s.reconcile(ctx)

	for {
		var results <-chan Result
		if s.active != nil {
			results = s.active.runner.Results()
		}

		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return nil
		case req := <-s.submits:
			id, err := s.handleSubmit(ctx, req)
			req.reply <- submitReply{id: id, err: err}
		case reply := <-s.cancels:
			s.handleCancel(reply)
		case req := <-s.reconciles:
			report, err := s.reconcile(ctx)
			req.reply <- reconcileReply{report: report, err: err}
		case <-s.sweep:
			s.reconcile(ctx)
		case res := <-results:
			s.finish(res)
		}
	}
}

func (s *Supervisor) handleSubmit(ctx context.Context, req submitReq) (string, error) {
	if s.active != nil {
		return "", model.ErrAlreadyRunning
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	id := uid.String()
	runCtx := log.ContextAttrs(ctx, slog.String("run_id", id))

	dir, err := s.store.Allocate(id)
	if err != nil {
		return "", err
	}
	args, err := flags.Build(req.cfg, filepath.Join(dir, model.ScheduleFile))
	if err != nil {
		s.discard(runCtx, id)
		return "", err
	}

	a := &activeRun{
		id:       id,
		ctx:      runCtx,
		dir:      dir,
		snapshot: req.snapshot,
		runner:   NewRunner(),
		stdout:   newRelay(s.bus, id, events.Stdout),
		stderr:   newRelay(s.bus, id, events.Stderr),
	}
	cmd := Command{
		Path: s.solver.Path,
		Args: append(append([]string(nil), s.solver.Args...), args...),
		Env:  s.solver.Environ(),
	}

	slog.InfoContext(runCtx, "starting solver", "path", cmd.Path, "args", cmd.Args)
	pid, err := a.runner.Start(ctx, cmd, a.stdout, a.stderr)
	if err != nil {
		slog.ErrorContext(runCtx, "solver can't be started", "error", err)
		s.discard(runCtx, id)
		s.bus.Publish(events.Event{
			RunID:       id,
			Kind:        events.KindError,
			Status:      model.StatusFailed,
			FailureKind: model.ProcessSpawnError,
			Message:     err.Error(),
			Advice:      model.ProcessSpawnError.Advice(),
		})
		return id, nil
	}

	a.started = time.Now()
	budget := req.cfg.TimeBudget()
	a.estimator = progress.New(budget, s.interval, func(percent int) {
		s.progress.Store(int64(percent))
		s.bus.Publish(events.Event{
			RunID:   id,
			Kind:    events.KindProgress,
			Percent: percent,
		})
	})

	s.active = a
	s.progress.Store(0)
	s.state.Store(&model.RunState{
		ID:         id,
		Status:     model.StatusRunning,
		StartedAt:  a.started.UTC(),
		TimeBudget: budget,
		PID:        pid,
		OutputDir:  dir,
	})
	a.estimator.Start(a.started)
	return id, nil
}

func (s *Supervisor) handleCancel(reply chan CancelResult) {
	a := s.active
	if a == nil {
		reply <- CancelResult{}
		return
	}
	a.waiters = append(a.waiters, reply)
	if a.canceled {
		return
	}
	a.canceled = true
	a.reason = "run canceled"

	slog.InfoContext(a.ctx, "canceling run", "grace", s.grace.String())
	if err := a.runner.Terminate(); err != nil {
		slog.WarnContext(a.ctx, "terminating solver failed", "error", err)
	}
	runner := a.runner
	a.killTimer = time.AfterFunc(s.grace, func() {
		if err := runner.Kill(); err != nil {
			slog.WarnContext(a.ctx, "killing solver failed", "error", err)
		}
	})
}

// finish turns the exited process into exactly one terminal event. The
// relays and the estimator are detached before, so nothing for this run is
// published after it.
func (s *Supervisor) finish(res Result) {
	a := s.active
	ctx := a.ctx
	a.stdout.Close()
	a.stderr.Close()
	a.estimator.Stop()
	if a.killTimer != nil {
		a.killTimer.Stop()
	}

	elapsed := res.Stopped.Sub(res.Started).Seconds()
	event := events.Event{
		RunID:          a.id,
		Kind:           events.KindDone,
		ElapsedSeconds: elapsed,
	}
	if res.State != nil {
		code := res.ExitCode()
		event.ExitCode = &code
	}

	switch {
	case a.canceled:
		s.discard(ctx, a.id)
		event.Status = model.StatusCanceled
		event.FailureKind = model.UserCanceled
		event.Message = a.reason
	case res.ExitCode() == 0:
		event = s.complete(ctx, a, res, event)
	case res.ExitCode() == 2:
		s.discard(ctx, a.id)
		event.Status = model.StatusFailed
		event.FailureKind = model.NoSolutionFound
		event.Message = "no schedule satisfies all hard constraints"
	default:
		s.discard(ctx, a.id)
		event.Status = model.StatusFailed
		event.FailureKind = model.GenericSolverError
		event.Message = exitMessage(res)
	}
	if event.FailureKind != "" {
		event.Advice = event.FailureKind.Advice()
	}

	slog.InfoContext(ctx, "run finished",
		"status", event.Status,
		"failure_kind", event.FailureKind,
		"exit_code", res.ExitCode(),
		"elapsed_seconds", elapsed,
	)

	s.active = nil
	idle := model.IdleState()
	s.state.Store(&idle)
	s.progress.Store(0)
	s.bus.Publish(event)

	id := a.id
	for _, w := range a.waiters {
		w <- CancelResult{Canceled: true, RunID: &id}
	}
}

// complete gathers the outputs present on disk and records the run in the
// history. An exit code of 0 without any output still counts as success.
func (s *Supervisor) complete(ctx context.Context, a *activeRun, res Result, event events.Event) events.Event {
	outputs := make(map[model.OutputKind]string)
	for _, kind := range model.OutputKinds {
		path := filepath.Join(a.dir, kind.FileName())
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			outputs[kind] = path
		}
	}
	if len(outputs) == 0 {
		slog.WarnContext(ctx, "solver exited 0 without writing any output")
	}

	entry := model.HistoryEntry{
		ID:               a.id,
		Timestamp:        res.Stopped,
		EmployeeCount:    len(a.snapshot.Staff),
		DepartmentCount:  len(a.snapshot.Departments),
		ElapsedSeconds:   event.ElapsedSeconds,
		HasXlsx:          outputs[model.OutputXlsx] != "",
		HasFormattedXlsx: outputs[model.OutputFormattedXlsx] != "",
	}
	evicted, err := s.store.Commit(ctx, entry, a.snapshot)
	if err != nil {
		slog.ErrorContext(ctx, "storing run in history failed", "error", err)
		s.discard(ctx, a.id)
		event.Kind = events.KindError
		event.Status = model.StatusFailed
		event.FailureKind = model.PersistError
		event.Message = err.Error()
		return event
	}
	if len(evicted) > 0 {
		slog.DebugContext(ctx, "evicted history entries", "ids", evicted)
	}

	event.Success = true
	event.Status = model.StatusCompleted
	event.Outputs = outputs
	return event
}

// shutdown kills the active run when the host goes away.
func (s *Supervisor) shutdown(ctx context.Context) {
	a := s.active
	if a == nil {
		return
	}
	slog.WarnContext(a.ctx, "shutting down with an active run: killing solver")
	a.canceled = true
	a.reason = "rosterd is shutting down"
	if err := a.runner.Kill(); err != nil {
		slog.ErrorContext(ctx, "killing solver failed", "error", err)
	}
	s.finish(<-a.runner.Results())
}

func (s *Supervisor) discard(ctx context.Context, id string) {
	if err := s.store.Discard(id); err != nil {
		slog.ErrorContext(ctx, "discarding run directory failed", "error", err)
	}
}

func (s *Supervisor) reconcile(ctx context.Context) (history.ReconcileReport, error) {
	var activeID string
	if s.active != nil {
		activeID = s.active.id
	}
	report, err := s.store.Reconcile(ctx, activeID)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "reconciling history failed", "error", err)
	case !report.Empty():
		slog.InfoContext(ctx, "history reconciled",
			"trimmed", report.Trimmed,
			"dropped_rows", report.DroppedRows,
			"removed_dirs", report.RemovedDirs,
		)
	}
	return report, err
}

func exitMessage(res Result) string {
	if res.State == nil {
		if res.Err != nil {
			return res.Err.Error()
		}
		return "solver ended without exit status"
	}
	if res.ExitCode() < 0 {
		return "solver was terminated: " + res.State.String()
	}
	return fmt.Sprintf("solver exited with code %d", res.ExitCode())
}

func newScheduler(ctx context.Context, expr string, task func()) (gocron.Scheduler, error) {
	if _, err := model.ParseCron(expr); err != nil {
		return nil, fmt.Errorf("parsing cron: %w", err)
	}
	job := gocron.CronJob(expr, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", expr)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
