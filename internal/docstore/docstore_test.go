package docstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcraddock/todufit-go/internal/docid"
)

func TestPath_UsesTextFormAndExtension(t *testing.T) {
	s := New(t.TempDir())
	id := docid.New()

	path := s.Path(id)
	assert.Contains(t, path, id.String())
	assert.Equal(t, ".automerge", filepath.Ext(path))
}

func TestLoad_MissingReturnsNil(t *testing.T) {
	s := New(t.TempDir())

	data, err := s.Load(docid.New())
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	s := New(t.TempDir())
	id := docid.New()

	require.NoError(t, s.Save(id, []byte("document content")))

	data, err := s.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("document content"), data)
}

func TestSave_CreatesNestedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := New(dir)
	id := docid.New()

	require.NoError(t, s.Save(id, []byte("x")))
	assert.True(t, s.Exists(id))
	assert.DirExists(t, dir)
}

func TestSave_OverwritesInFull(t *testing.T) {
	s := New(t.TempDir())
	id := docid.New()

	require.NoError(t, s.Save(id, []byte("first version")))
	require.NoError(t, s.Save(id, []byte("v2")))

	data, err := s.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Save(docid.New(), []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".automerge", filepath.Ext(entries[0].Name()))
}

func TestDelete(t *testing.T) {
	s := New(t.TempDir())
	id := docid.New()

	deleted, err := s.Delete(id)
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, s.Save(id, []byte("x")))

	deleted, err = s.Delete(id)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, s.Exists(id))
}

func TestList_EmptyAndMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist"))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestList_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	id := docid.New()

	require.NoError(t, s.Save(id, []byte("doc")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bogus.automerge"), []byte("x"), 0o600))
	require.NoError(t, s.SaveRoot(id))

	ids, err := s.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0])
}

func TestRootPointer_Roundtrip(t *testing.T) {
	s := New(t.TempDir())
	id := docid.New()

	assert.False(t, s.HasRoot())

	_, ok, err := s.LoadRoot()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveRoot(id))
	assert.True(t, s.HasRoot())

	loaded, ok, err := s.LoadRoot()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, loaded)
}

func TestLoadRoot_TrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	id := docid.New()

	require.NoError(t, os.WriteFile(filepath.Join(dir, RootFileName), []byte("  "+id.String()+"\n"), 0o600))

	loaded, ok, err := s.LoadRoot()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, loaded)
}

func TestLoadRoot_Corrupt(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, RootFileName), []byte("not an id"), 0o600))

	_, _, err := s.LoadRoot()
	assert.Error(t, err)
}

func TestSaveRoot_Overwrites(t *testing.T) {
	s := New(t.TempDir())
	first, second := docid.New(), docid.New()

	require.NoError(t, s.SaveRoot(first))
	require.NoError(t, s.SaveRoot(second))

	loaded, ok, err := s.LoadRoot()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, second, loaded)
}
