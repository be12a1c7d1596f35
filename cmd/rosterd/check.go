package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shiftcraft/rosterd/internal/preflight"
	"github.com/spf13/cobra"
)

var flagCheckJSON bool // value of check --json flag

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check verifies the solver and its dependencies can start",
	RunE:  doCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&flagCheckJSON, "json", false, "print the report as JSON")
}

func doCheck(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	report := preflight.NewChecker().Run(ctx, config.Solver)

	var err error
	if flagCheckJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(report)
	} else {
		err = printReport(os.Stdout, report)
	}
	if err != nil {
		return err
	}
	return report.Err()
}

func printReport(w io.Writer, report preflight.Report) error {
	var errs []error
	writeLine := func(s string) {
		_, err := fmt.Fprintln(w, s)
		errs = append(errs, err)
	}

	writeLine(titleStyle.Render("rosterd preflight"))
	for _, item := range report.Items {
		var status string
		switch item.Status {
		case preflight.StatusPass:
			status = okStyle.Render("PASS")
		case preflight.StatusFail:
			status = failStyle.Render("FAIL")
		default:
			status = mutedStyle.Render("SKIP")
		}
		writeLine(fmt.Sprintf("%s  %s  %s", status, headerStyle.Render(item.Name), item.Message))
		if item.Hint != "" {
			writeLine("      " + warningStyle.Render(item.Hint))
		}
	}
	return errors.Join(errs...)
}
