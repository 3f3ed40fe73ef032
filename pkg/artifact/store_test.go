package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestFileStorePutGet(t *testing.T) {
	ctx := context.Background()
	fs := newTestStore(t)

	path, err := fs.Put(ctx, "run_records/r1.json", []byte(`{"run_id":"r1"}`))
	require.NoError(t, err)
	require.NotEmpty(t, path)

	data, err := fs.Get(ctx, "run_records/r1.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"run_id":"r1"}`, string(data))
}

func TestFileStoreAbsent(t *testing.T) {
	ctx := context.Background()
	fs := newTestStore(t)

	_, err := fs.Get(ctx, "missing/key.json")
	require.Error(t, err)
	require.True(t, IsAbsent(err))

	ok, err := fs.Exists(ctx, "missing/key.json")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	fs := newTestStore(t)

	_, err := fs.Put(ctx, "state.json", []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = fs.Put(ctx, "state.json", []byte(`{"v":2}`))
	require.NoError(t, err)

	data, err := fs.Get(ctx, "state.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(data))
}

func TestFileStoreAppend(t *testing.T) {
	ctx := context.Background()
	fs := newTestStore(t)

	require.NoError(t, fs.Append(ctx, "log.jsonl", []byte("{\"n\":1}\n")))
	require.NoError(t, fs.Append(ctx, "log.jsonl", []byte("{\"n\":2}\n")))

	data, err := fs.Get(ctx, "log.jsonl")
	require.NoError(t, err)
	require.Equal(t, "{\"n\":1}\n{\"n\":2}\n", string(data))
}

func TestFileStoreList(t *testing.T) {
	ctx := context.Background()
	fs := newTestStore(t)

	_, err := fs.Put(ctx, "policies/policy_1.json", []byte(`{}`))
	require.NoError(t, err)
	_, err = fs.Put(ctx, "policies/policy_2.json", []byte(`{}`))
	require.NoError(t, err)
	_, err = fs.Put(ctx, "other/x.json", []byte(`{}`))
	require.NoError(t, err)

	keys, err := fs.List(ctx, "policies")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"policies/policy_1.json", "policies/policy_2.json"}, keys)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	fs := newTestStore(t)

	_, err := fs.Put(ctx, "../escape.json", []byte(`{}`))
	require.Error(t, err)
	_, err = fs.Get(ctx, "../../etc/passwd")
	require.Error(t, err)
}
