// Package flags turns a model.RunConfig into the solver's command line.
//
// The grammar is fixed by the solver and must stay byte compatible:
//
//	staff.csv departments.csv
//	--favor NAME[:MULT]
//	--training DEPT,TRAINEE1,TRAINEE2
//	--favor-dept DEPT[:MULT]
//	--favor-frontdesk-dept DEPT[:MULT]
//	--favor-employee-dept EMP,DEPT[:MULT]
//	--timeset EMP DAY DEPT START END
//	--shift-pref EMP,DAY,PREF
//	--equality DEPT,EMP1,EMP2
//	--<override> VALUE
//	--no-enforce-min-dept-block
//	--output PATH --progress
//
// Every --timeset takes five separate tokens, all other multi field
// constraints are a single comma joined token. A multiplier of exactly 1 is
// never written. Collections are emitted in insertion order.
package flags

import (
	"strconv"
	"strings"

	"github.com/shiftcraft/rosterd/internal/model"
)

const (
	FlagFavor             = "--favor"
	FlagTraining          = "--training"
	FlagFavorDept         = "--favor-dept"
	FlagFavorFrontDesk    = "--favor-frontdesk-dept"
	FlagFavorEmployeeDept = "--favor-employee-dept"
	FlagTimeset           = "--timeset"
	FlagShiftPref         = "--shift-pref"
	FlagEquality          = "--equality"
	FlagNoMinDeptBlock    = "--no-enforce-min-dept-block"
	FlagOutput            = "--output"
	FlagProgress          = "--progress"
)

// override is one numeric knob. Exactly one of i and f is set.
type override struct {
	flag string
	i    func(model.Overrides) *int
	f    func(model.Overrides) *float64
}

// overrides is the fixed emission order of numeric flags.
var overrides = []override{
	{flag: "--max-solve-seconds", i: func(o model.Overrides) *int { return o.MaxSolveSeconds }},
	{flag: "--min-slots", i: func(o model.Overrides) *int { return o.MinSlots }},
	{flag: "--max-slots", i: func(o model.Overrides) *int { return o.MaxSlots }},
	{flag: "--favor-weight", f: func(o model.Overrides) *float64 { return o.FavorWeight }},
	{flag: "--training-weight", f: func(o model.Overrides) *float64 { return o.TrainingWeight }},
	{flag: "--shift-pref-weight", f: func(o model.Overrides) *float64 { return o.ShiftPrefWeight }},
	{flag: "--equality-weight", f: func(o model.Overrides) *float64 { return o.EqualityWeight }},
	{flag: "--frontdesk-weight", f: func(o model.Overrides) *float64 { return o.FrontDeskWeight }},
	{flag: "--coverage-weight", f: func(o model.Overrides) *float64 { return o.CoverageWeight }},
	{flag: "--overtime-penalty", f: func(o model.Overrides) *float64 { return o.OvertimePenalty }},
	{flag: "--large-dept-threshold", i: func(o model.Overrides) *int { return o.LargeDeptThreshold }},
	{flag: "--min-dept-block-slots", i: func(o model.Overrides) *int { return o.MinDeptBlockSlots }},
}

// Serialize validates cfg and returns the solver arguments without the
// trailing --output/--progress pair.
func Serialize(cfg model.RunConfig) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := cfg.Constraints
	args := []string{cfg.StaffPath, cfg.DepartmentPath}

	for name, mult := range k.FavoredEmployees.All() {
		args = append(args, FlagFavor, withMultiplier(name, mult))
	}
	for _, p := range k.TrainingPairs {
		args = append(args, FlagTraining, join(p.Department, p.Trainee1, p.Trainee2))
	}
	for name, mult := range k.FavoredDepartments.All() {
		args = append(args, FlagFavorDept, withMultiplier(name, mult))
	}
	for name, mult := range k.FavoredFrontDeskDepartments.All() {
		args = append(args, FlagFavorFrontDesk, withMultiplier(name, mult))
	}
	for _, f := range k.FavoredEmployeeDepartments {
		args = append(args, FlagFavorEmployeeDept, withMultiplier(join(f.Employee, f.Department), f.Multiplier))
	}
	for _, t := range k.Timesets {
		args = append(args, FlagTimeset, t.Employee, t.Day, t.Department, t.StartTime, t.EndTime)
	}
	for _, p := range k.ShiftPreferences {
		args = append(args, FlagShiftPref, join(p.Employee, p.Day, p.Preference))
	}
	for _, e := range k.Equalities {
		args = append(args, FlagEquality, join(e.Department, e.Employee1, e.Employee2))
	}

	o := cfg.Overrides
	for _, ov := range overrides {
		switch {
		case ov.i != nil:
			if v := ov.i(o); v != nil {
				args = append(args, ov.flag, strconv.Itoa(*v))
			}
		case ov.f != nil:
			if v := ov.f(o); v != nil {
				args = append(args, ov.flag, FormatNumber(*v))
			}
		}
	}
	if o.EnforceMinDeptBlock != nil && !*o.EnforceMinDeptBlock {
		args = append(args, FlagNoMinDeptBlock)
	}
	return args, nil
}

// Build returns the full argument list including output path and the
// progress flag.
func Build(cfg model.RunConfig, outputPath string) ([]string, error) {
	args, err := Serialize(cfg)
	if err != nil {
		return nil, err
	}
	return append(args, FlagOutput, outputPath, FlagProgress), nil
}

// FormatNumber renders v in its shortest exact decimal form: 2 -> "2",
// 1.25 -> "1.25".
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func withMultiplier(s string, mult float64) string {
	if mult == 1.0 {
		return s
	}
	return s + ":" + FormatNumber(mult)
}

func join(fields ...string) string {
	return strings.Join(fields, ",")
}
