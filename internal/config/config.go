package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lab/treebatch/internal/logging"
	"github.com/lab/treebatch/pkg/bitext"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "TREEBATCH_"

var ErrInvalidConfig = errors.New("invalid configuration")

func Default() *Config {
	return &Config{
		Corpus: &CorpusConfig{},
		Iterator: &IteratorConfig{
			BatchSize:    128,
			MaxLen:       100,
			NWordsSource: -1,
			NWordsTarget: -1,
			BufferFactor: bitext.DefaultBufferFactor,
		},
		Server: &ServerConfig{
			Listen: ":8080",
			Mode:   "release",
		},
		Checkpoint: &CheckpointConfig{
			DBPath: "treebatch.db",
		},
		Logging: &logging.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load builds a Config from defaults, the JSON file at path (if non-empty),
// a .env file and TREEBATCH_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	LoadEnv()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.fillNil()
	return cfg, nil
}

// LoadEnv loads variables from a .env file in the working directory or the
// nearest parent holding go.mod. Existing variables are not overwritten.
func LoadEnv() bool {
	envPath := filepath.Join(findProjectRoot(), ".env")
	if _, err := os.Stat(envPath); err != nil {
		return false
	}
	return godotenv.Load(envPath) == nil
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd
		}
		dir = parent
	}
}

func (c *Config) fillNil() {
	def := Default()
	if c.Corpus == nil {
		c.Corpus = def.Corpus
	}
	if c.Iterator == nil {
		c.Iterator = def.Iterator
	}
	if c.Server == nil {
		c.Server = def.Server
	}
	if c.Checkpoint == nil {
		c.Checkpoint = def.Checkpoint
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
}

// ApplyEnv overrides fields from variables returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	c.fillNil()

	strs := map[string]*string{
		"SOURCE":        &c.Corpus.Source,
		"TARGET":        &c.Corpus.Target,
		"SOURCE_TREE":   &c.Corpus.SourceTree,
		"SOURCE_DICT":   &c.Corpus.SourceDict,
		"TARGET_DICT":   &c.Corpus.TargetDict,
		"LISTEN":        &c.Server.Listen,
		"SERVER_MODE":   &c.Server.Mode,
		"CHECKPOINT_DB": &c.Checkpoint.DBPath,
		"LOG_LEVEL":     &c.Logging.Level,
		"LOG_OUTPUT":    &c.Logging.Output,
	}
	for key, dst := range strs {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":     &c.Iterator.BatchSize,
		"MAXLEN":         &c.Iterator.MaxLen,
		"N_WORDS_SOURCE": &c.Iterator.NWordsSource,
		"N_WORDS_TARGET": &c.Iterator.NWordsTarget,
		"BUFFER_FACTOR":  &c.Iterator.BufferFactor,
	}
	for key, dst := range ints {
		v := getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, key, v, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"SHUFFLE":            &c.Iterator.ShuffleEachEpoch,
		"STRICT_TREE":        &c.Iterator.StrictTree,
		"CHECKPOINT_ENABLED": &c.Checkpoint.Enabled,
	}
	for key, dst := range bools {
		v := getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, key, v, err)
		}
		*dst = b
	}

	if v := getenv(EnvPrefix + "SHUFFLE_SEED"); v != "" {
		seed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %sSHUFFLE_SEED=%q: %v", ErrInvalidConfig, EnvPrefix, v, err)
		}
		c.Iterator.ShuffleSeed = seed
	}
	return nil
}

// Validate checks that the corpus paths and iterator sizes are usable.
func (c *Config) Validate() error {
	c.fillNil()
	var missing []string
	for name, v := range map[string]string{
		"source":      c.Corpus.Source,
		"target":      c.Corpus.Target,
		"source_tree": c.Corpus.SourceTree,
		"source_dict": c.Corpus.SourceDict,
		"target_dict": c.Corpus.TargetDict,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing corpus paths: %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if c.Iterator.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	}
	if c.Iterator.MaxLen <= 0 {
		return fmt.Errorf("%w: maxlen must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) Paths() bitext.Paths {
	return bitext.Paths{
		Source:     c.Corpus.Source,
		Target:     c.Corpus.Target,
		SourceTree: c.Corpus.SourceTree,
		SourceDict: c.Corpus.SourceDict,
		TargetDict: c.Corpus.TargetDict,
	}
}

// IteratorOptions returns options without a Shuffler or Logger; callers
// attach those.
func (c *Config) IteratorOptions() bitext.Options {
	return bitext.Options{
		BatchSize:        c.Iterator.BatchSize,
		MaxLen:           c.Iterator.MaxLen,
		NWordsSource:     c.Iterator.NWordsSource,
		NWordsTarget:     c.Iterator.NWordsTarget,
		ShuffleEachEpoch: c.Iterator.ShuffleEachEpoch,
		BufferFactor:     c.Iterator.BufferFactor,
		StrictTree:       c.Iterator.StrictTree,
	}
}
