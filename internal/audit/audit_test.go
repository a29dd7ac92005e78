package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	first := NewEntry(KindIntentAnalysis, "classifier", "analysis-1", map[string]any{"primary": "defi_operation"})
	first.WorkflowID = "wf-1"
	first.At = time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	second := NewEntry(KindConflictResolution, "orchestrator", "sec-1", nil)
	second.WorkflowID = "wf-2"
	second.Summary = "preempt"
	second.At = time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first.ID, all[0].ID)
	require.JSONEq(t, `{"primary":"defi_operation"}`, string(all[0].Detail))
	require.True(t, first.At.Equal(all[0].At))

	byKind, err := store.List(ctx, Filter{Kind: KindConflictResolution})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	require.Equal(t, "preempt", byKind[0].Summary)

	byWorkflow, err := store.List(ctx, Filter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)

	limited, err := store.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLStore("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteMigrationsRunOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	first, err := NewSQLStore("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, first.Record(context.Background(), NewEntry(KindWorkflowStatus, "orchestrator", "wf-1", nil)))
	require.NoError(t, first.Close())

	reopened, err := NewSQLStore("sqlite", path)
	require.NoError(t, err)
	defer reopened.Close()

	var versions int
	require.NoError(t, reopened.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&versions))
	require.Equal(t, 1, versions)
	entries, err := reopened.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMigrationHelpers(t *testing.T) {
	require.Equal(t, "0001", migrationVersion("0001_audit_entries.sql"))
	require.Equal(t, "0002", migrationVersion("0002.sql"))
	require.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"},
		splitStatements("CREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", "dsn")
	require.Error(t, err)

	s, err := Open("log", "")
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), NewEntry(KindSafetyVerdict, "defi", "tx", nil)))
}

func TestTeeWritesEverywhere(t *testing.T) {
	a, b := NewMemoryStore(), NewMemoryStore()
	require.NoError(t, Tee{a, nil, b}.Record(context.Background(), NewEntry(KindRoutingDecision, "orchestrator", "step-1", nil)))
	la, _ := a.List(context.Background(), Filter{})
	lb, _ := b.List(context.Background(), Filter{})
	require.Len(t, la, 1)
	require.Len(t, lb, 1)
}
