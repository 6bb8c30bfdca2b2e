package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treebatch.json")
	body := `{
		"corpus": {"source": "s", "target": "t", "source_tree": "x", "source_dict": "sd.json", "target_dict": "td.json"},
		"iterator": {"batch_size": 32}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Iterator.BatchSize)
	assert.Equal(t, 100, cfg.Iterator.MaxLen)
	assert.Equal(t, -1, cfg.Iterator.NWordsSource)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	require.NoError(t, cfg.Validate())

	p := cfg.Paths()
	assert.Equal(t, "x", p.SourceTree)
	opts := cfg.IteratorOptions()
	assert.Equal(t, 32, opts.BatchSize)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TREEBATCH_SOURCE":         "train.en",
		"TREEBATCH_BATCH_SIZE":     "16",
		"TREEBATCH_N_WORDS_TARGET": "30000",
		"TREEBATCH_SHUFFLE":        "true",
		"TREEBATCH_SHUFFLE_SEED":   "99",
		"TREEBATCH_LOG_LEVEL":      "debug",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "train.en", cfg.Corpus.Source)
	assert.Equal(t, 16, cfg.Iterator.BatchSize)
	assert.Equal(t, 30000, cfg.Iterator.NWordsTarget)
	assert.True(t, cfg.Iterator.ShuffleEachEpoch)
	assert.Equal(t, int64(99), cfg.Iterator.ShuffleSeed)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "TREEBATCH_MAXLEN" {
			return "long"
		}
		return ""
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "source, source_dict, source_tree, target, target_dict")

	cfg.Corpus = &CorpusConfig{Source: "a", Target: "b", SourceTree: "c", SourceDict: "d", TargetDict: "e"}
	cfg.Iterator.BatchSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestNilSectionsAreFilled(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.ApplyEnv(func(string) string { return "" }))
	assert.NotNil(t, cfg.Iterator)
	assert.NotNil(t, cfg.Logging)
}
