package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shiftcraft/rosterd/internal/history"
	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/spf13/cobra"
)

var (
	flagHistoryJSON bool   // value of history list --json flag
	flagOutputKind  string // value of history path --kind flag
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history inspects and manages completed runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "list completed runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  withHistory(doHistoryList),
}

var historyShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "show prints the configuration snapshot of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  withHistory(doHistoryShow),
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "delete removes a run and its outputs",
	Args:  cobra.ExactArgs(1),
	RunE:  withHistory(doHistoryDelete),
}

var historyPathCmd = &cobra.Command{
	Use:   "path ID",
	Short: "path prints the location of a run output",
	Args:  cobra.ExactArgs(1),
	RunE:  withHistory(doHistoryPath),
}

func init() {
	historyListCmd.Flags().BoolVar(&flagHistoryJSON, "json", false, "print entries as JSON")
	historyPathCmd.Flags().StringVar(&flagOutputKind, "kind", string(model.OutputXlsx), "output kind: xlsx or formatted-xlsx")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyPathCmd)
}

type historyFunc func(ctx context.Context, store *history.Store, args []string) error

// withHistory opens the store for the duration of one command.
func withHistory(fn historyFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd)
		dir, err := config.HistoryDir()
		if err != nil {
			return err
		}
		store, err := history.Open(ctx, dir, config.MaxHistoryEntries())
		if err != nil {
			return fmt.Errorf("opening history %s: %w", dir, err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.ErrorContext(ctx, "closing history", "error", err)
			}
		}()
		return fn(ctx, store, args)
	}
}

func doHistoryList(ctx context.Context, store *history.Store, _ []string) error {
	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if flagHistoryJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return printEntries(os.Stdout, entries, time.Now())
}

func printEntries(w io.Writer, entries []model.HistoryEntry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("no completed runs"))
		return err
	}

	// cells stay unstyled, escape sequences would break the alignment
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tFINISHED\tEMPLOYEES\tDEPARTMENTS\tELAPSED\tOUTPUTS")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.ID,
			humanize.RelTime(e.Timestamp, now, "ago", "from now"),
			e.EmployeeCount,
			e.DepartmentCount,
			(time.Duration(e.ElapsedSeconds * float64(time.Second))).Round(100*time.Millisecond),
			outputsLabel(e),
		)
	}
	return tw.Flush()
}

func outputsLabel(e model.HistoryEntry) string {
	switch {
	case e.HasXlsx && e.HasFormattedXlsx:
		return "xlsx, formatted-xlsx"
	case e.HasXlsx:
		return "xlsx"
	case e.HasFormattedXlsx:
		return "formatted-xlsx"
	default:
		return "none"
	}
}

func doHistoryShow(ctx context.Context, store *history.Store, args []string) error {
	snapshot, err := store.ConfigSnapshot(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}

func doHistoryDelete(ctx context.Context, store *history.Store, args []string) error {
	if err := store.Delete(ctx, args[0]); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		return err
	}
	fmt.Println(okStyle.Render("deleted " + args[0]))
	return nil
}

func doHistoryPath(ctx context.Context, store *history.Store, args []string) error {
	kind, err := model.ParseOutputKind(flagOutputKind)
	if err != nil {
		return err
	}
	out, err := store.ResolveOutput(ctx, args[0], kind)
	if err != nil {
		return err
	}
	if !out.Exists {
		return fmt.Errorf("run %s has no %s output: %w", args[0], kind, model.ErrNotFound)
	}
	fmt.Println(out.Path)
	if fi, err := os.Stat(out.Path); err == nil {
		slog.DebugContext(ctx, "output", "path", out.Path, "size", humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}
