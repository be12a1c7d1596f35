package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/shiftcraft/rosterd/internal/events"
	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/spf13/cobra"
)

var flagRunJSON bool // value of run --json flag

var runCmd = &cobra.Command{
	Use:   "run REQUEST.json",
	Short: "run solves one request and streams its output, Ctrl-C cancels",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

func init() {
	runCmd.Flags().BoolVar(&flagRunJSON, "json", false, "print events as JSON lines")
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)

	req, err := readRequest(args[0])
	if err != nil {
		return err
	}

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.ErrorContext(ctx, "closing history", "error", err)
		}
	}()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		if err := b.supervisor.Do(loopCtx); err != nil {
			slog.ErrorContext(ctx, "supervisor failed", "error", err)
		}
	})
	defer func() {
		cancelLoop()
		wg.Wait()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// subscribe before submit, a spawn failure is published during Submit
	w := &eventWatcher{bus: b.bus}
	w.subscribe()
	defer w.close()

	id, err := b.supervisor.Submit(ctx, req)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "run submitted", "run_id", id)

	p := &eventPrinter{stdout: os.Stdout, stderr: os.Stderr, json: flagRunJSON, last: -1}
	handle := func(ev events.Event) (bool, error) {
		if ev.RunID != id {
			return false, nil
		}
		if err := p.print(ev); err != nil {
			return true, err
		}
		if ev.Kind.Terminal() {
			return true, runOutcome(ev)
		}
		return false, nil
	}

	interrupted := sigCtx.Done()
	for {
		if ev, ok := w.next(); ok {
			if done, err := handle(ev); done {
				return err
			}
			continue
		}
		select {
		case <-interrupted:
			interrupted = nil
			// a second signal terminates rosterd right away
			stop()
			fmt.Fprintln(os.Stderr, warningStyle.Render("canceling run "+id))
			if _, err := b.supervisor.Cancel(ctx); err != nil {
				return fmt.Errorf("canceling run: %w", err)
			}
		case ev, ok := <-w.sub.C:
			if !ok {
				w.resubscribe()
				continue
			}
			if !w.accept(ev) {
				continue
			}
			if done, err := handle(ev); done {
				return err
			}
		}
	}
}

func readRequest(path string) (model.RunRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.RunRequest{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	var req model.RunRequest
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return model.RunRequest{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return req, nil
}

func runOutcome(ev events.Event) error {
	if ev.Success {
		return nil
	}
	if ev.Message == "" {
		return fmt.Errorf("run %s: %s", ev.RunID, ev.Status)
	}
	return fmt.Errorf("run %s: %s: %s", ev.RunID, ev.Status, ev.Message)
}

// eventWatcher keeps a subscription alive. When the bus drops it, a new one
// is attached and the missed events are replayed from the bus buffer.
type eventWatcher struct {
	bus     *events.Bus
	sub     *events.Subscription
	lastSeq int64
	pending []events.Event
}

func (w *eventWatcher) subscribe() {
	w.sub = w.bus.Subscribe(1024)
}

// resubscribe attaches first and reads the buffer second, so nothing
// published in between is lost. Duplicates are removed by accept.
func (w *eventWatcher) resubscribe() {
	w.subscribe()
	w.pending = append(w.pending, w.bus.Since(w.lastSeq)...)
}

// next pops a replayed event.
func (w *eventWatcher) next() (events.Event, bool) {
	for len(w.pending) > 0 {
		ev := w.pending[0]
		w.pending = w.pending[1:]
		if w.accept(ev) {
			return ev, true
		}
	}
	return events.Event{}, false
}

func (w *eventWatcher) accept(ev events.Event) bool {
	if ev.Seq <= w.lastSeq {
		return false
	}
	w.lastSeq = ev.Seq
	return true
}

func (w *eventWatcher) close() {
	w.sub.Close()
}

// eventPrinter writes solver output verbatim and run status styled.
type eventPrinter struct {
	stdout io.Writer
	stderr io.Writer
	json   bool
	last   int
}

func (p *eventPrinter) print(ev events.Event) error {
	if p.json {
		return json.NewEncoder(p.stdout).Encode(ev)
	}
	switch ev.Kind {
	case events.KindLog:
		w := p.stdout
		if ev.Stream == events.Stderr {
			w = p.stderr
		}
		_, err := io.WriteString(w, ev.Text)
		return err
	case events.KindProgress:
		if ev.Percent == p.last {
			return nil
		}
		p.last = ev.Percent
		_, err := fmt.Fprintln(p.stderr, mutedStyle.Render(fmt.Sprintf("progress %d%%", ev.Percent)))
		return err
	case events.KindDone, events.KindError:
		return p.printTerminal(ev)
	}
	return nil
}

func (p *eventPrinter) printTerminal(ev events.Event) error {
	var errs []error
	write := func(s string) {
		_, err := fmt.Fprintln(p.stderr, s)
		errs = append(errs, err)
	}

	if ev.Success {
		write(okStyle.Render(fmt.Sprintf("%s in %.1fs", ev.Status, ev.ElapsedSeconds)))
		for _, kind := range model.OutputKinds {
			if path, ok := ev.Outputs[kind]; ok {
				write(fmt.Sprintf("  %-16s %s", kind, path))
			}
		}
		return errors.Join(errs...)
	}

	status := string(ev.Status)
	if status == "" {
		status = string(ev.Kind)
	}
	line := status
	if ev.FailureKind != "" {
		line += " (" + string(ev.FailureKind) + ")"
	}
	if ev.ExitCode != nil {
		line += fmt.Sprintf(" exit code %d", *ev.ExitCode)
	}
	write(failStyle.Render(line))
	for _, s := range slices.DeleteFunc([]string{ev.Message, ev.Advice}, func(s string) bool { return s == "" }) {
		write("  " + s)
	}
	return errors.Join(errs...)
}
