package model

import (
	"fmt"
	"time"
)

// RunStatus is the supervisor state machine:
//
//	idle -> running -> completed | failed | canceled -> idle
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// RunState is the in-memory view of the active run. The zero value with
// Status idle means no run exists.
type RunState struct {
	ID         string        `json:"id,omitempty"`
	Status     RunStatus     `json:"status"`
	StartedAt  time.Time     `json:"startedAt,omitzero"`
	TimeBudget time.Duration `json:"timeBudget,omitempty"`
	PID        int           `json:"pid,omitempty"`
	Progress   int           `json:"progress"`
	OutputDir  string        `json:"outputDir,omitempty"`
}

func IdleState() RunState {
	return RunState{Status: StatusIdle}
}

// HistoryEntry describes one successfully completed run.
type HistoryEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	EmployeeCount    int       `json:"employeeCount"`
	DepartmentCount  int       `json:"departmentCount"`
	ElapsedSeconds   float64   `json:"elapsedSeconds"`
	HasXlsx          bool      `json:"hasXlsx"`
	HasFormattedXlsx bool      `json:"hasFormattedXlsx"`
}

// OutputKind names one of the solver's output artifacts.
type OutputKind string

const (
	OutputXlsx          OutputKind = "xlsx"
	OutputFormattedXlsx OutputKind = "formatted-xlsx"
)

const (
	ScheduleFile          = "schedule.xlsx"
	FormattedScheduleFile = "schedule-formatted.xlsx"
	SnapshotFile          = "config.json"
)

// OutputKinds lists every artifact the solver may produce, primary first.
var OutputKinds = []OutputKind{OutputXlsx, OutputFormattedXlsx}

func ParseOutputKind(s string) (OutputKind, error) {
	switch OutputKind(s) {
	case OutputXlsx, OutputFormattedXlsx:
		return OutputKind(s), nil
	default:
		return "", fmt.Errorf("unknown output kind %q", s)
	}
}

// FileName returns the artifact's name inside a run directory.
func (k OutputKind) FileName() string {
	switch k {
	case OutputFormattedXlsx:
		return FormattedScheduleFile
	default:
		return ScheduleFile
	}
}

// Employee and Department are the editable entities as the presentation
// layer keeps them. They are stored only for a later restore.
type Employee struct {
	Name         string            `json:"name"`
	Departments  []string          `json:"departments,omitempty"`
	MinHours     *float64          `json:"minHours,omitempty"`
	MaxHours     *float64          `json:"maxHours,omitempty"`
	Availability map[string]string `json:"availability,omitempty"`
}

type Department struct {
	Name      string            `json:"name"`
	MinStaff  *int              `json:"minStaff,omitempty"`
	MaxStaff  *int              `json:"maxStaff,omitempty"`
	FrontDesk bool              `json:"frontDesk,omitempty"`
	Hours     map[string]string `json:"hours,omitempty"`
}

// RunRequest is what a caller submits: the solver config plus the editable
// state it was derived from.
type RunRequest struct {
	Config      RunConfig    `json:"config"`
	Staff       []Employee   `json:"staff,omitempty"`
	Departments []Department `json:"departments,omitempty"`
}

const SnapshotVersion = 1

// ConfigSnapshot is the durable copy of a run's inputs, written as config.json.
type ConfigSnapshot struct {
	Version        int          `json:"version"`
	CapturedAt     time.Time    `json:"capturedAt"`
	StaffPath      string       `json:"staffPath"`
	DepartmentPath string       `json:"departmentPath"`
	Staff          []Employee   `json:"staff"`
	Departments    []Department `json:"departments"`
	Constraints    Constraints  `json:"constraints"`
	Overrides      Overrides    `json:"overrides"`
}

// Snapshot freezes the request at time now.
func (r RunRequest) Snapshot(now time.Time) ConfigSnapshot {
	cfg := r.Config.Clone()
	staff := make([]Employee, len(r.Staff))
	for i, e := range r.Staff {
		e.Departments = cloneSlice(e.Departments)
		e.MinHours = clonePtr(e.MinHours)
		e.MaxHours = clonePtr(e.MaxHours)
		e.Availability = cloneMap(e.Availability)
		staff[i] = e
	}
	depts := make([]Department, len(r.Departments))
	for i, d := range r.Departments {
		d.MinStaff = clonePtr(d.MinStaff)
		d.MaxStaff = clonePtr(d.MaxStaff)
		d.Hours = cloneMap(d.Hours)
		depts[i] = d
	}
	return ConfigSnapshot{
		Version:        SnapshotVersion,
		CapturedAt:     now.UTC(),
		StaffPath:      cfg.StaffPath,
		DepartmentPath: cfg.DepartmentPath,
		Staff:          staff,
		Departments:    depts,
		Constraints:    cfg.Constraints,
		Overrides:      cfg.Overrides,
	}
}

// RunConfig restores the solver config captured by the snapshot.
func (s ConfigSnapshot) RunConfig() RunConfig {
	return RunConfig{
		StaffPath:      s.StaffPath,
		DepartmentPath: s.DepartmentPath,
		Constraints:    s.Constraints,
		Overrides:      s.Overrides,
	}.Clone()
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
