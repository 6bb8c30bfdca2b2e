package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/lab/treebatch/pkg/bitext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestSaveAndLoad(t *testing.T) {
	s, path := openStore(t)

	_, err := s.Load("train.en")
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.LoadOrNew("train.en")
	require.NoError(t, err)
	assert.Equal(t, "train.en", p.Corpus)
	assert.Zero(t, p.Epochs)

	p = p.Add(bitext.Stats{Epochs: 2, Batches: 10, Records: 37, Dropped: 3})
	require.NoError(t, s.Save(p))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load("train.en")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Epochs)
	assert.Equal(t, int64(10), got.Batches)
	assert.Equal(t, int64(37), got.Records)
	assert.Equal(t, int64(3), got.Dropped)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestListAndRemove(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	require.NoError(t, s.Save(Progress{Corpus: "b", Epochs: 1}))
	require.NoError(t, s.Save(Progress{Corpus: "a", Epochs: 4}))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Corpus)
	assert.Equal(t, "b", all[1].Corpus)

	require.NoError(t, s.Remove("a"))
	all, err = s.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Error(t, s.Save(Progress{}))
}
