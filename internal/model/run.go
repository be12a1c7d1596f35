package model

import (
	"math"
	"strings"
	"time"
)

// DefaultTimeBudget is used by progress estimation when the config does not
// set max-solve-seconds.
const DefaultTimeBudget = 120 * time.Second

// RunConfig is everything the solver receives on its command line.
type RunConfig struct {
	StaffPath      string      `json:"staffPath"`
	DepartmentPath string      `json:"departmentPath"`
	Constraints    Constraints `json:"constraints"`
	Overrides      Overrides   `json:"overrides"`
}

// Constraints groups all multi valued constraint collections. Slices and
// ordered maps keep insertion order, which is also the serialization order.
type Constraints struct {
	FavoredEmployees            *OrderedMap[float64]      `json:"favoredEmployees,omitempty"`
	TrainingPairs               []TrainingPair            `json:"trainingPairs,omitempty"`
	FavoredDepartments          *OrderedMap[float64]      `json:"favoredDepartments,omitempty"`
	FavoredFrontDeskDepartments *OrderedMap[float64]      `json:"favoredFrontDeskDepartments,omitempty"`
	FavoredEmployeeDepartments  []EmployeeDepartmentFavor `json:"favoredEmployeeDepartments,omitempty"`
	Timesets                    []Timeset                 `json:"timesets,omitempty"`
	ShiftPreferences            []ShiftPreference         `json:"shiftPreferences,omitempty"`
	Equalities                  []Equality                `json:"equalities,omitempty"`
}

type TrainingPair struct {
	Department string `json:"department"`
	Trainee1   string `json:"trainee1"`
	Trainee2   string `json:"trainee2"`
}

type EmployeeDepartmentFavor struct {
	Employee   string  `json:"employee"`
	Department string  `json:"department"`
	Multiplier float64 `json:"multiplier"`
}

// Timeset pins an employee to a department for a fixed time slot.
type Timeset struct {
	Employee   string `json:"employee"`
	Day        string `json:"day"`
	Department string `json:"department"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

type ShiftPreference struct {
	Employee   string `json:"employee"`
	Day        string `json:"day"`
	Preference string `json:"preference"`
}

// Equality asks the solver to give two employees equal hours in a department.
type Equality struct {
	Department string `json:"department"`
	Employee1  string `json:"employee1"`
	Employee2  string `json:"employee2"`
}

// Overrides are optional numeric knobs. A nil pointer means "solver default".
type Overrides struct {
	MaxSolveSeconds     *int     `json:"maxSolveSeconds,omitempty"`
	MinSlots            *int     `json:"minSlots,omitempty"`
	MaxSlots            *int     `json:"maxSlots,omitempty"`
	FavorWeight         *float64 `json:"favorWeight,omitempty"`
	TrainingWeight      *float64 `json:"trainingWeight,omitempty"`
	ShiftPrefWeight     *float64 `json:"shiftPrefWeight,omitempty"`
	EqualityWeight      *float64 `json:"equalityWeight,omitempty"`
	FrontDeskWeight     *float64 `json:"frontDeskWeight,omitempty"`
	CoverageWeight      *float64 `json:"coverageWeight,omitempty"`
	OvertimePenalty     *float64 `json:"overtimePenalty,omitempty"`
	LargeDeptThreshold  *int     `json:"largeDeptThreshold,omitempty"`
	MinDeptBlockSlots   *int     `json:"minDeptBlockSlots,omitempty"`
	EnforceMinDeptBlock *bool    `json:"enforceMinDeptBlock,omitempty"`
}

// TimeBudget is the wall clock budget the solver was asked to honor.
func (c RunConfig) TimeBudget() time.Duration {
	if c.Overrides.MaxSolveSeconds != nil && *c.Overrides.MaxSolveSeconds > 0 {
		return time.Duration(*c.Overrides.MaxSolveSeconds) * time.Second
	}
	return DefaultTimeBudget
}

// Validate reports the first problem as an *InvalidConfigError.
func (c RunConfig) Validate() error {
	if strings.TrimSpace(c.StaffPath) == "" {
		return invalid("staffPath", "is required")
	}
	if strings.TrimSpace(c.DepartmentPath) == "" {
		return invalid("departmentPath", "is required")
	}

	k := c.Constraints
	for _, m := range []struct {
		field string
		m     *OrderedMap[float64]
	}{
		{"favoredEmployees", k.FavoredEmployees},
		{"favoredDepartments", k.FavoredDepartments},
		{"favoredFrontDeskDepartments", k.FavoredFrontDeskDepartments},
	} {
		for name, mult := range m.m.All() {
			if err := checkMultiplied(m.field, name); err != nil {
				return err
			}
			if err := checkMultiplier(m.field+"."+name, mult); err != nil {
				return err
			}
		}
	}
	for _, p := range k.TrainingPairs {
		if err := checkNames("trainingPairs", p.Department, p.Trainee1, p.Trainee2); err != nil {
			return err
		}
	}
	for _, f := range k.FavoredEmployeeDepartments {
		if err := checkMultiplied("favoredEmployeeDepartments", f.Employee, f.Department); err != nil {
			return err
		}
		if err := checkMultiplier("favoredEmployeeDepartments."+f.Employee, f.Multiplier); err != nil {
			return err
		}
	}
	for _, t := range k.Timesets {
		for _, v := range []string{t.Employee, t.Day, t.Department, t.StartTime, t.EndTime} {
			if strings.TrimSpace(v) == "" {
				return invalid("timesets", "employee, day, department, startTime and endTime are required")
			}
		}
	}
	for _, p := range k.ShiftPreferences {
		if err := checkNames("shiftPreferences", p.Employee, p.Day, p.Preference); err != nil {
			return err
		}
	}
	for _, e := range k.Equalities {
		if err := checkNames("equalities", e.Department, e.Employee1, e.Employee2); err != nil {
			return err
		}
	}

	o := c.Overrides
	if o.MaxSolveSeconds != nil && *o.MaxSolveSeconds < 0 {
		return invalid("maxSolveSeconds", "must not be negative")
	}
	if o.MinSlots != nil && o.MaxSlots != nil && *o.MinSlots > *o.MaxSlots {
		return invalid("minSlots", "must not exceed maxSlots")
	}
	return nil
}

// names end up inside comma joined tokens
func checkName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid(field, "empty name")
	}
	if strings.Contains(name, ",") {
		return invalid(field, "name %q must not contain a comma", name)
	}
	return nil
}

// checkMultiplied also rejects the colon which separates a name from its
// multiplier.
func checkMultiplied(field string, names ...string) error {
	for _, n := range names {
		if err := checkName(field, n); err != nil {
			return err
		}
		if strings.Contains(n, ":") {
			return invalid(field, "name %q must not contain a colon", n)
		}
	}
	return nil
}

func checkNames(field string, names ...string) error {
	for _, n := range names {
		if err := checkName(field, n); err != nil {
			return err
		}
	}
	return nil
}

func checkMultiplier(field string, m float64) error {
	if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
		return invalid(field, "multiplier must be a positive number, got %v", m)
	}
	return nil
}

// Clone returns a deep copy, so later edits of the caller's value can't leak
// into a submitted run.
func (c RunConfig) Clone() RunConfig {
	out := c
	k := c.Constraints
	out.Constraints = Constraints{
		FavoredEmployees:            k.FavoredEmployees.Clone(),
		TrainingPairs:               cloneSlice(k.TrainingPairs),
		FavoredDepartments:          k.FavoredDepartments.Clone(),
		FavoredFrontDeskDepartments: k.FavoredFrontDeskDepartments.Clone(),
		FavoredEmployeeDepartments:  cloneSlice(k.FavoredEmployeeDepartments),
		Timesets:                    cloneSlice(k.Timesets),
		ShiftPreferences:            cloneSlice(k.ShiftPreferences),
		Equalities:                  cloneSlice(k.Equalities),
	}
	o := c.Overrides
	out.Overrides = Overrides{
		MaxSolveSeconds:     clonePtr(o.MaxSolveSeconds),
		MinSlots:            clonePtr(o.MinSlots),
		MaxSlots:            clonePtr(o.MaxSlots),
		FavorWeight:         clonePtr(o.FavorWeight),
		TrainingWeight:      clonePtr(o.TrainingWeight),
		ShiftPrefWeight:     clonePtr(o.ShiftPrefWeight),
		EqualityWeight:      clonePtr(o.EqualityWeight),
		FrontDeskWeight:     clonePtr(o.FrontDeskWeight),
		CoverageWeight:      clonePtr(o.CoverageWeight),
		OvertimePenalty:     clonePtr(o.OvertimePenalty),
		LargeDeptThreshold:  clonePtr(o.LargeDeptThreshold),
		MinDeptBlockSlots:   clonePtr(o.MinDeptBlockSlots),
		EnforceMinDeptBlock: clonePtr(o.EnforceMinDeptBlock),
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append([]T(nil), s...)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
