package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lab/treebatch/internal/config"
	"github.com/lab/treebatch/internal/logging"
	"github.com/lab/treebatch/pkg/bitext"
	"github.com/lab/treebatch/pkg/shuffle"
)

const usage = `Usage: treebatch <command> [flags]

Commands:
  stream       iterate epochs over aligned corpora and report batch statistics
  export       write batches to a .parquet or .arrow file
  serve        serve batches over HTTP
  shuffle      shuffle aligned files under one permutation (writes *.shuf)
  build-vocab  build a JSON/YAML vocabulary from corpora

Run 'treebatch <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "stream":
		err = runStream(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "shuffle":
		err = runShuffle(ctx, args)
	case "build-vocab":
		err = runBuildVocab(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("treebatch %s: %v", os.Args[1], err)
	}
}

// iteratorFlags holds the flags shared by every command that builds an
// Iterator. Only flags set on the command line override the config.
type iteratorFlags struct {
	configFile   string
	source       string
	target       string
	tree         string
	sourceDict   string
	targetDict   string
	batchSize    int
	maxLen       int
	nWordsSource int
	nWordsTarget int
	shuffle      bool
	seed         int64
	strictTree   bool
	logLevel     string
}

func (f *iteratorFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "Path to JSON configuration file")
	fs.StringVar(&f.source, "source", "", "Source corpus")
	fs.StringVar(&f.target, "target", "", "Target corpus")
	fs.StringVar(&f.tree, "tree", "", "Source tree-annotation corpus")
	fs.StringVar(&f.sourceDict, "source-dict", "", "Source vocabulary (.json, .yaml, .txt)")
	fs.StringVar(&f.targetDict, "target-dict", "", "Target vocabulary (.json, .yaml, .txt)")
	fs.IntVar(&f.batchSize, "batch-size", 0, "Records per batch")
	fs.IntVar(&f.maxLen, "maxlen", 0, "Drop records longer than this on both sides")
	fs.IntVar(&f.nWordsSource, "n-words-source", 0, "Source vocabulary cutoff (<=0 unbounded)")
	fs.IntVar(&f.nWordsTarget, "n-words-target", 0, "Target vocabulary cutoff (<=0 unbounded)")
	fs.BoolVar(&f.shuffle, "shuffle", false, "Reshuffle corpora every epoch")
	fs.Int64Var(&f.seed, "seed", 0, "Shuffle seed (0 = clock)")
	fs.BoolVar(&f.strictTree, "strict-tree", false, "Fail when the tree corpus is shorter than the source")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, error")
}

// load merges config file, environment and explicitly set flags.
func (f *iteratorFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "source":
			cfg.Corpus.Source = f.source
		case "target":
			cfg.Corpus.Target = f.target
		case "tree":
			cfg.Corpus.SourceTree = f.tree
		case "source-dict":
			cfg.Corpus.SourceDict = f.sourceDict
		case "target-dict":
			cfg.Corpus.TargetDict = f.targetDict
		case "batch-size":
			cfg.Iterator.BatchSize = f.batchSize
		case "maxlen":
			cfg.Iterator.MaxLen = f.maxLen
		case "n-words-source":
			cfg.Iterator.NWordsSource = f.nWordsSource
		case "n-words-target":
			cfg.Iterator.NWordsTarget = f.nWordsTarget
		case "shuffle":
			cfg.Iterator.ShuffleEachEpoch = f.shuffle
		case "seed":
			cfg.Iterator.ShuffleSeed = f.seed
		case "strict-tree":
			cfg.Iterator.StrictTree = f.strictTree
		case "log-level":
			cfg.Logging.Level = f.logLevel
		}
	})
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func newIterator(cfg *config.Config, logger *logging.Logger) (*bitext.Iterator, error) {
	opts := cfg.IteratorOptions()
	opts.Logger = logger
	if opts.ShuffleEachEpoch {
		s := shuffle.NewFileShuffler(cfg.Iterator.ShuffleSeed)
		s.Logger = logger
		s.PadShort = !cfg.Iterator.StrictTree
		opts.Shuffler = s
	}
	it, err := bitext.New(cfg.Paths(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iterator: %w", err)
	}
	return it, nil
}
