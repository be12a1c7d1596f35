package history_test

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/shiftcraft/rosterd/internal/history"
	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string, maxEntries int) *history.Store {
	t.Helper()
	store, err := history.Open(t.Context(), dir, maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func snapshot(staff ...string) model.ConfigSnapshot {
	favor := model.NewOrderedMap[float64]()
	favor.Set("Alice", 1)
	favor.Set("Bob", 2)
	req := model.RunRequest{
		Config: model.RunConfig{
			StaffPath:      "staff.csv",
			DepartmentPath: "departments.csv",
			Constraints:    model.Constraints{FavoredEmployees: favor},
		},
	}
	for _, name := range staff {
		req.Staff = append(req.Staff, model.Employee{Name: name})
	}
	return req.Snapshot(epoch)
}

// commitRun simulates a completed run which produced the given outputs.
func commitRun(t *testing.T, store *history.Store, n int, outputs ...model.OutputKind) string {
	t.Helper()
	id := fmt.Sprintf("run-%02d", n)
	dir, err := store.Allocate(id)
	require.NoError(t, err)

	entry := model.HistoryEntry{
		ID:             id,
		Timestamp:      epoch.Add(time.Duration(n) * time.Minute),
		EmployeeCount:  2,
		ElapsedSeconds: 1.5,
	}
	for _, kind := range outputs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, kind.FileName()), []byte("xlsx"), 0o644))
		switch kind {
		case model.OutputXlsx:
			entry.HasXlsx = true
		case model.OutputFormattedXlsx:
			entry.HasFormattedXlsx = true
		}
	}
	_, err = store.Commit(t.Context(), entry, snapshot("Alice", "Bob"))
	require.NoError(t, err)
	return id
}

func TestStore_CommitList(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 10)

	first := commitRun(t, store, 1, model.OutputXlsx)
	second := commitRun(t, store, 2, model.OutputXlsx, model.OutputFormattedXlsx)

	entries, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, second, entries[0].ID, "most recent first")
	require.Equal(t, first, entries[1].ID)
	require.True(t, entries[0].HasFormattedXlsx)
	require.False(t, entries[1].HasFormattedXlsx)
	require.Equal(t, epoch.Add(2*time.Minute), entries[0].Timestamp)
	require.Equal(t, 2, entries[0].EmployeeCount)
	require.InDelta(t, 1.5, entries[0].ElapsedSeconds, 0.0001)

	require.FileExists(t, filepath.Join(store.RunDir(first), model.SnapshotFile))
}

func TestStore_ListEmpty(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 10)
	entries, err := store.List(t.Context())
	require.NoError(t, err)
	require.NotNil(t, entries)
	require.Empty(t, entries)
}

func TestStore_Retention(t *testing.T) {
	t.Parallel()
	const limit = 3
	store := openStore(t, t.TempDir(), limit)

	var ids []string
	for n := range 7 {
		ids = append(ids, commitRun(t, store, n, model.OutputXlsx))

		entries, err := store.List(t.Context())
		require.NoError(t, err)
		require.LessOrEqual(t, len(entries), limit)
	}

	entries, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, limit)
	require.Equal(t, []string{ids[6], ids[5], ids[4]}, []string{entries[0].ID, entries[1].ID, entries[2].ID})

	for _, id := range ids[:4] {
		require.NoDirExists(t, store.RunDir(id), "evicted entry keeps no directory")
	}
	for _, id := range ids[4:] {
		require.DirExists(t, store.RunDir(id))
	}
}

func TestStore_CommitEvictedIDs(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 1)

	first := commitRun(t, store, 1)
	id := "run-02"
	_, err := store.Allocate(id)
	require.NoError(t, err)
	evicted, err := store.Commit(t.Context(), model.HistoryEntry{ID: id, Timestamp: epoch}, snapshot())
	require.NoError(t, err)
	require.Equal(t, []string{first}, evicted)
}

func TestStore_CommitWithoutDirectory(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 10)
	_, err := store.Commit(t.Context(), model.HistoryEntry{ID: "ghost", Timestamp: epoch}, snapshot())
	require.Error(t, err)

	entries, err := store.List(t.Context())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStore_ConfigSnapshot(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 10)
	id := commitRun(t, store, 1, model.OutputXlsx)

	got, err := store.ConfigSnapshot(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, model.SnapshotVersion, got.Version)
	require.Equal(t, "staff.csv", got.StaffPath)
	require.Len(t, got.Staff, 2)

	var names []string
	for name := range got.Constraints.FavoredEmployees.All() {
		names = append(names, name)
	}
	require.Equal(t, []string{"Alice", "Bob"}, names, "key order survives storage")

	_, err = store.ConfigSnapshot(t.Context(), "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_DeleteResolve(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 10)
	id := commitRun(t, store, 1, model.OutputXlsx)

	out, err := store.ResolveOutput(t.Context(), id, model.OutputXlsx)
	require.NoError(t, err)
	require.True(t, out.Exists)
	require.Equal(t, filepath.Join(store.RunDir(id), model.ScheduleFile), out.Path)

	out, err = store.ResolveOutput(t.Context(), id, model.OutputFormattedXlsx)
	require.NoError(t, err)
	require.False(t, out.Exists, "formatted variant was never written")
	require.Empty(t, out.Path)

	require.NoError(t, store.Delete(t.Context(), id))
	require.NoDirExists(t, store.RunDir(id))

	out, err = store.ResolveOutput(t.Context(), id, model.OutputXlsx)
	require.NoError(t, err)
	require.False(t, out.Exists)
	require.Empty(t, out.Path)

	_, err = store.ConfigSnapshot(t.Context(), id)
	require.ErrorIs(t, err, model.ErrNotFound)

	err = store.Delete(t.Context(), id)
	require.ErrorIs(t, err, model.ErrNotFound)

	dirents, err := os.ReadDir(filepath.Join(store.Dir(), "runs"))
	require.NoError(t, err)
	require.Empty(t, dirents, "no trash left behind")
}

func TestStore_ResolveOutputRemovedFile(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 10)
	id := commitRun(t, store, 1, model.OutputXlsx)

	require.NoError(t, os.Remove(filepath.Join(store.RunDir(id), model.ScheduleFile)))
	out, err := store.ResolveOutput(t.Context(), id, model.OutputXlsx)
	require.NoError(t, err)
	require.False(t, out.Exists)
}

func TestStore_AllocateDiscard(t *testing.T) {
	t.Parallel()
	store := openStore(t, t.TempDir(), 10)

	dir, err := store.Allocate("active")
	require.NoError(t, err)
	require.DirExists(t, dir)

	_, err = store.Allocate("active")
	require.Error(t, err, "directory already allocated")

	require.NoError(t, os.WriteFile(filepath.Join(dir, model.ScheduleFile), []byte("partial"), 0o644))
	require.NoError(t, store.Discard("active"))
	require.NoDirExists(t, dir)
	require.NoError(t, store.Discard("active"), "discarding twice is fine")

	_, err = store.Allocate("../escape")
	require.Error(t, err)
}

func TestStore_Reconcile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := history.Open(t.Context(), dir, 5)
	require.NoError(t, err)
	var ids []string
	for n := range 5 {
		ids = append(ids, commitRun(t, store, n, model.OutputXlsx))
	}
	require.NoError(t, store.Close())

	// reopen with a smaller cap and add drift
	store, err = history.OpenExclusive(t.Context(), dir, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, os.RemoveAll(store.RunDir(ids[4])))
	_, err = store.Allocate("orphan")
	require.NoError(t, err)
	_, err = store.Allocate("active")
	require.NoError(t, err)

	report, err := store.Reconcile(t.Context(), "active")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ids[0], ids[1]}, report.Trimmed)
	require.Equal(t, []string{ids[4]}, report.DroppedRows)
	require.ElementsMatch(t, []string{ids[0], ids[1], "orphan"}, report.RemovedDirs)

	entries, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ids[3], entries[0].ID)
	require.Equal(t, ids[2], entries[1].ID)

	require.DirExists(t, store.RunDir("active"))
	require.NoDirExists(t, store.RunDir("orphan"))
	for _, e := range entries {
		require.DirExists(t, store.RunDir(e.ID))
	}

	report, err = store.Reconcile(t.Context(), "active")
	require.NoError(t, err)
	require.True(t, report.Empty(), "second pass finds nothing")
}

func TestStore_OpenExclusive(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		t.Skipf("skipped, no advisory locks on %s", runtime.GOOS)
	}
	dir := t.TempDir()

	owner, err := history.OpenExclusive(t.Context(), dir, 3)
	require.NoError(t, err)
	require.True(t, owner.Exclusive())
	_, err = owner.Allocate("active")
	require.NoError(t, err)

	_, err = history.OpenExclusive(t.Context(), dir, 3)
	require.ErrorIs(t, err, model.ErrAlreadyRunning)

	// readers share the directory but never reconcile it
	reader := openStore(t, dir, 3)
	require.False(t, reader.Exclusive())
	_, err = reader.Reconcile(t.Context(), "")
	require.ErrorIs(t, err, history.ErrNotExclusive)
	require.DirExists(t, owner.RunDir("active"))

	require.NoError(t, owner.Close())
	next, err := history.OpenExclusive(t.Context(), dir, 3)
	require.NoError(t, err)
	require.NoError(t, next.Close())
}
