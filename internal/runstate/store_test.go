package runstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adwboard/internal/model"
)

func TestStoreSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, model.RunRecord{
		RunID:        "ab12cd34",
		WorktreePath: "/repo/trees/ab12cd34",
		Ports:        []int{5173, 8090},
		Workflow:     "adw_sdlc_iso",
		Status:       model.RunStatusRunning,
		CreatedAt:    created,
	}))

	record, err := store.Get(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, "/repo/trees/ab12cd34", record.WorktreePath)
	assert.Equal(t, []int{5173, 8090}, record.AllocatedPorts())
	assert.Equal(t, model.WorkflowIdentifier("adw_sdlc_iso"), record.Workflow)
	assert.True(t, record.CreatedAt.Equal(created))
}

func TestStoreReadsCollaboratorDocument(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "ef56gh78")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"adw_id":"ef56gh78","issue_number":"17","worktree_path":"/w","backend_port":9101,"frontend_port":9201,"model_set":"base"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte(body), 0o644))

	record, err := New(root).Get(context.Background(), "ef56gh78")
	require.NoError(t, err)
	assert.Equal(t, "17", record.IssueNumber)
	assert.Equal(t, []int{9101, 9201}, record.AllocatedPorts())
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	_, err := New(t.TempDir()).Get(context.Background(), "zz99zz99")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestStoreRejectsMalformedID(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Get(context.Background(), "../escape")
	assert.ErrorIs(t, err, model.ErrInvalidRunID)
	assert.ErrorIs(t, store.Delete(context.Background(), "../escape"), model.ErrInvalidRunID)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())
	require.NoError(t, store.Save(ctx, model.RunRecord{RunID: "ab12cd34"}))
	nested := filepath.Join(store.Dir("ab12cd34"), "sdlc_planner", "raw_output.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0o755))
	require.NoError(t, os.WriteFile(nested, []byte("{}\n"), 0o644))

	require.NoError(t, store.Delete(ctx, "ab12cd34"))
	_, err := os.Stat(store.Dir("ab12cd34"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.Delete(ctx, "ab12cd34"))
	exists, err := store.Exists(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, model.RunRecord{RunID: "aaaa1111", CreatedAt: base}))
	require.NoError(t, store.Save(ctx, model.RunRecord{RunID: "bbbb2222", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "not-a-run"), 0o755))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "bbbb2222", records[0].RunID)
	assert.Equal(t, "aaaa1111", records[1].RunID)
}
