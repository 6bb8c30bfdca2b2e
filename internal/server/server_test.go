package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lab/treebatch/pkg/bitext"
	"github.com/lab/treebatch/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestIterator(t *testing.T) *bitext.Iterator {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"train.src": "a b\nc\nd e f\n",
		"train.tgt": "x\ny z\nw w w\n",
		"train.tre": "(S a b)\n(S c)\n(S d e f)\n",
		"src.json":  `{"eos":0,"UNK":1,"a":2,"b":3,"c":4,"d":5,"e":6,"f":7}`,
		"tgt.json":  `{"eos":0,"UNK":1,"x":2,"y":3,"z":4,"w":5}`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	it, err := bitext.New(bitext.Paths{
		Source:     filepath.Join(dir, "train.src"),
		Target:     filepath.Join(dir, "train.tgt"),
		SourceTree: filepath.Join(dir, "train.tre"),
		SourceDict: filepath.Join(dir, "src.json"),
		TargetDict: filepath.Join(dir, "tgt.json"),
	}, bitext.Options{BatchSize: 2, MaxLen: 100})
	require.NoError(t, err)
	t.Cleanup(func() { it.Close() })
	return it
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func pull(t *testing.T, h http.Handler) BatchResponse {
	t.Helper()
	rec := get(t, h, "/v1/batch")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestBatchEndpoint(t *testing.T) {
	s, err := New(newTestIterator(t))
	require.NoError(t, err)
	h := s.Handler()

	for epoch := int64(0); epoch < 2; epoch++ {
		first := pull(t, h)
		assert.Equal(t, epoch, first.Epoch)
		assert.Equal(t, int64(0), first.Batch)
		assert.Len(t, first.Source, 2)
		assert.Equal(t, [][]int{{5, 5, 5}, {3, 4}}, first.Target)
		assert.Equal(t, []string{"(S", "c)"}, first.Tree[1])

		second := pull(t, h)
		assert.Equal(t, int64(1), second.Batch)
		assert.Len(t, second.Source, 1)

		end := pull(t, h)
		assert.True(t, end.EpochEnd)
		assert.Equal(t, epoch, end.Epoch)
		assert.Empty(t, end.Source)
	}
}

func TestStatsAndHealth(t *testing.T) {
	s, err := New(newTestIterator(t))
	require.NoError(t, err)
	h := s.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	pull(t, h)

	rec = get(t, h, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Iterator.Batches)
	assert.Equal(t, int64(2), stats.Iterator.Records)
	assert.Equal(t, 1, stats.Buffered)
	assert.Nil(t, stats.Progress)
}

func TestRequestIDPassthrough(t *testing.T) {
	s, err := New(newTestIterator(t))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestCheckpointAtEpochEnd(t *testing.T) {
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	defer store.Close()

	it := newTestIterator(t)
	require.NoError(t, store.Save(checkpoint.Progress{Corpus: it.Paths().Source, Epochs: 5}))

	s, err := New(it, WithCheckpoint(store))
	require.NoError(t, err)
	h := s.Handler()

	assert.Equal(t, int64(5), pull(t, h).Epoch)
	pull(t, h)
	end := pull(t, h)
	require.True(t, end.EpochEnd)

	p, err := store.Load(it.Paths().Source)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p.Epochs)
	assert.Equal(t, int64(3), p.Records)

	assert.Equal(t, int64(6), pull(t, h).Epoch)
}
