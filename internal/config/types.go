package config

import (
	"github.com/lab/treebatch/internal/logging"
)

type Config struct {
	Corpus     *CorpusConfig          `json:"corpus"`
	Iterator   *IteratorConfig        `json:"iterator"`
	Server     *ServerConfig          `json:"server"`
	Checkpoint *CheckpointConfig      `json:"checkpoint"`
	Logging    *logging.LoggingConfig `json:"logging"`
}

type CorpusConfig struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourceTree string `json:"source_tree"`
	SourceDict string `json:"source_dict"`
	TargetDict string `json:"target_dict"`
}

type IteratorConfig struct {
	BatchSize        int   `json:"batch_size"`
	MaxLen           int   `json:"maxlen"`
	NWordsSource     int   `json:"n_words_source"`
	NWordsTarget     int   `json:"n_words_target"`
	ShuffleEachEpoch bool  `json:"shuffle_each_epoch"`
	ShuffleSeed      int64 `json:"shuffle_seed"`
	BufferFactor     int   `json:"buffer_factor"`
	StrictTree       bool  `json:"strict_tree"`
}

type ServerConfig struct {
	Listen string `json:"listen"`
	Mode   string `json:"mode"`
}

type CheckpointConfig struct {
	DBPath  string `json:"db_path"`
	Enabled bool   `json:"enabled"`
}
