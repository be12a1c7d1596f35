// Package history keeps the bounded record of successfully completed runs.
//
// The layout under the history directory is
//
//	history.db          sqlite index, one row per entry
//	history.lock        held by the process which supervises runs
//	runs/<id>/          one directory per run
//	runs/<id>/config.json
//	runs/<id>/schedule.xlsx, schedule-formatted.xlsx
//
// A row never exists without its directory. A directory without a row is
// either the active run's scratch space or drift, which Reconcile removes.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shiftcraft/rosterd/internal/model"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"
)

const (
	dbFile   = "history.db"
	lockFile = "history.lock"
	runsDir  = "runs"
	// renamed directories waiting for removal
	trashPrefix = ".trash-"
)

// Store is safe for concurrent use. Mutations are serialized so that
// eviction, deletion and reconciliation never observe each other's half
// state.
type Store struct {
	dir        string
	maxEntries int
	db         *sql.DB
	// set by OpenExclusive
	lock *os.File

	mx sync.Mutex
}

// ErrNotExclusive is returned by operations reserved for the owner of the
// history directory.
var ErrNotExclusive = errors.New("history store is not opened exclusively")

func lockPath(dir string) string {
	return filepath.Join(dir, lockFile)
}

// OpenExclusive opens the store as the single owner of dir, the process
// which supervises runs. While another process owns dir it fails with
// model.ErrAlreadyRunning. Readers use Open.
func OpenExclusive(ctx context.Context, dir string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, dir, maxEntries)
	if err != nil {
		return nil, errors.Join(err, unlockDir(lock))
	}
	s.lock = lock
	return s, nil
}

// Open creates the directory layout if needed and opens the index.
func Open(ctx context.Context, dir string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = model.DefaultMaxHistoryEntries
	}
	if err := os.MkdirAll(filepath.Join(dir, runsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, err
	}
	// one connection: sqlite serializes writers anyway and pragmas stick
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing history index: %w", err)
		}
	}

	return &Store{
		dir:        dir,
		maxEntries: maxEntries,
		db:         db,
	}, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		err = errors.Join(err, unlockDir(s.lock))
		s.lock = nil
	}
	return err
}

// Exclusive reports whether the store owns its directory.
func (s *Store) Exclusive() bool {
	return s.lock != nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) MaxEntries() int {
	return s.maxEntries
}

// RunDir returns the directory of run id. It does not check existence.
func (s *Store) RunDir(id string) string {
	return filepath.Join(s.dir, runsDir, id)
}

// Allocate creates the empty scratch directory for a new run.
func (s *Store) Allocate(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	dir := s.RunDir(id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("allocating run directory: %w", err)
	}
	return dir, nil
}

// Discard removes a run directory which will never get an entry.
func (s *Store) Discard(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.RunDir(id)); err != nil {
		return fmt.Errorf("discarding run directory: %w", err)
	}
	return nil
}

// Commit writes the snapshot into the run directory, records the entry as
// the most recent one and evicts entries beyond the cap. It returns the ids
// of evicted entries.
func (s *Store) Commit(ctx context.Context, entry model.HistoryEntry, snapshot model.ConfigSnapshot) ([]string, error) {
	if err := checkID(entry.ID); err != nil {
		return nil, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	dir := s.RunDir(entry.ID)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("run directory %s is missing", dir)
	}
	if err := writeSnapshot(filepath.Join(dir, model.SnapshotFile), snapshot); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(ctx, tx, entry.ID)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, employee_count, department_count, elapsed_seconds, has_xlsx, has_formatted_xlsx)
		 VALUES (?,?,?,?,?,?,?)`,
		entry.ID,
		entry.Timestamp.UTC().UnixNano(),
		entry.EmployeeCount,
		entry.DepartmentCount,
		entry.ElapsedSeconds,
		entry.HasXlsx,
		entry.HasFormattedXlsx,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql insert failed: %w", err)
	}

	evicted, err := trimTx(ctx, tx, s.maxEntries)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction failed: %w", err)
	}

	if err := s.removeDirs(ctx, evicted); err != nil {
		// rows are gone already, the next Reconcile retries the directories
		slog.WarnContext(ctx, "Removing evicted run directories failed.", slog.String("error", err.Error()))
	}
	return evicted, nil
}

// List returns all entries, most recent first.
func (s *Store) List(ctx context.Context) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, employee_count, department_count, elapsed_seconds, has_xlsx, has_formatted_xlsx
		 FROM runs ORDER BY seq DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	entries := []model.HistoryEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get returns one entry or model.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, employee_count, department_count, elapsed_seconds, has_xlsx, has_formatted_xlsx
		 FROM runs WHERE id=?`, id,
	)
	entry, err := scanEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.HistoryEntry{}, fmt.Errorf("history entry %q: %w", id, model.ErrNotFound)
	case err != nil:
		return model.HistoryEntry{}, err
	}
	return entry, nil
}

// ConfigSnapshot loads the inputs stored with entry id.
func (s *Store) ConfigSnapshot(ctx context.Context, id string) (model.ConfigSnapshot, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return model.ConfigSnapshot{}, err
	}
	f, err := os.Open(filepath.Join(s.RunDir(id), model.SnapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return model.ConfigSnapshot{}, fmt.Errorf("config snapshot of %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.ConfigSnapshot{}, err
	}
	defer f.Close()

	var snapshot model.ConfigSnapshot
	if err := json.NewDecoder(f).Decode(&snapshot); err != nil {
		return model.ConfigSnapshot{}, fmt.Errorf("decoding config snapshot of %q: %w", id, err)
	}
	return snapshot, nil
}

// Delete removes entry id together with its directory. The directory is
// renamed away first, so the row and the directory disappear together from
// a reader's point of view. Unknown ids return model.ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, id)

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("history entry %q: %w", id, model.ErrNotFound)
	}

	dir := s.RunDir(id)
	trash := filepath.Join(s.dir, runsDir, trashPrefix+id)
	renamed := true
	if err := os.Rename(dir, trash); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing run directory: %w", err)
		}
		renamed = false
	}

	if err := tx.Commit(); err != nil {
		if renamed {
			_ = os.Rename(trash, dir)
		}
		return fmt.Errorf("committing transaction failed: %w", err)
	}

	if renamed {
		if err := os.RemoveAll(trash); err != nil {
			slog.WarnContext(ctx, "Removing deleted run directory failed.",
				slog.String("run_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// OutputPath is the location of one artifact. Path is empty unless the file
// exists at the time of the query.
type OutputPath struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// ResolveOutput looks up an artifact of entry id. A missing entry or file
// is reported as Exists false, never as a path.
func (s *Store) ResolveOutput(ctx context.Context, id string, kind model.OutputKind) (OutputPath, error) {
	if _, err := s.Get(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return OutputPath{}, nil
		}
		return OutputPath{}, err
	}
	path := filepath.Join(s.RunDir(id), kind.FileName())
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return OutputPath{}, nil
	}
	return OutputPath{Path: path, Exists: true}, nil
}

// ReconcileReport counts what a Reconcile pass repaired.
type ReconcileReport struct {
	Trimmed     []string `json:"trimmed,omitempty"`
	DroppedRows []string `json:"droppedRows,omitempty"`
	RemovedDirs []string `json:"removedDirs,omitempty"`
}

func (r ReconcileReport) Empty() bool {
	return len(r.Trimmed) == 0 && len(r.DroppedRows) == 0 && len(r.RemovedDirs) == 0
}

// Reconcile restores the store invariants: the index is trimmed to the cap,
// rows whose directory vanished are dropped and directories without a row
// are removed, except activeID which belongs to a running run. Only the
// owner knows which run is active, so other stores get ErrNotExclusive.
func (s *Store) Reconcile(ctx context.Context, activeID string) (ReconcileReport, error) {
	if !s.Exclusive() {
		return ReconcileReport{}, ErrNotExclusive
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	var report ReconcileReport

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer rollback(ctx, tx, "")

	report.Trimmed, err = trimTx(ctx, tx, s.maxEntries)
	if err != nil {
		return report, err
	}

	ids, err := idsTx(ctx, tx)
	if err != nil {
		return report, err
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		fi, err := os.Stat(s.RunDir(id))
		if err == nil && fi.IsDir() {
			known[id] = struct{}{}
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id); err != nil {
			return report, fmt.Errorf("executing sql delete failed: %w", err)
		}
		report.DroppedRows = append(report.DroppedRows, id)
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("committing transaction failed: %w", err)
	}

	dirents, err := os.ReadDir(filepath.Join(s.dir, runsDir))
	if err != nil {
		return report, fmt.Errorf("listing run directories: %w", err)
	}
	var orphans []string
	for _, d := range dirents {
		name := d.Name()
		if _, ok := known[name]; ok || (activeID != "" && name == activeID) {
			continue
		}
		orphans = append(orphans, name)
	}
	// trimmed rows left their directories behind as orphans too
	if err := s.removeDirs(ctx, orphans); err != nil {
		return report, err
	}
	report.RemovedDirs = orphans
	return report, nil
}

func (s *Store) removeDirs(ctx context.Context, names []string) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, name := range names {
		g.Go(func() error {
			return os.RemoveAll(filepath.Join(s.dir, runsDir, name))
		})
	}
	return g.Wait()
}

// trimTx deletes the rows beyond limit and returns their ids, oldest last.
func trimTx(ctx context.Context, tx *sql.Tx, limit int) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM runs ORDER BY seq DESC LIMIT -1 OFFSET ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		evicted = append(evicted, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range evicted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id); err != nil {
			return nil, fmt.Errorf("executing sql delete failed: %w", err)
		}
	}
	return evicted, nil
}

func idsTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM runs`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.HistoryEntry, error) {
	var (
		entry model.HistoryEntry
		ns    int64
	)
	err := row.Scan(
		&entry.ID,
		&ns,
		&entry.EmployeeCount,
		&entry.DepartmentCount,
		&entry.ElapsedSeconds,
		&entry.HasXlsx,
		&entry.HasFormattedXlsx,
	)
	if err != nil {
		return model.HistoryEntry{}, err
	}
	entry.Timestamp = time.Unix(0, ns).UTC()
	return entry, nil
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("run_id", id))
	}
}

func writeSnapshot(path string, snapshot model.ConfigSnapshot) error {
	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	return nil
}

// ids end up as path elements
func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, trashPrefix) {
		return fmt.Errorf("invalid run id %q: %w", id, model.ErrNotFound)
	}
	return nil
}
