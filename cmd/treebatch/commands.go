package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lab/treebatch/internal/config"
	"github.com/lab/treebatch/internal/logging"
	"github.com/lab/treebatch/internal/server"
	"github.com/lab/treebatch/pkg/bitext"
	"github.com/lab/treebatch/pkg/checkpoint"
	"github.com/lab/treebatch/pkg/export"
	"github.com/lab/treebatch/pkg/fopen"
	"github.com/lab/treebatch/pkg/shuffle"
	"github.com/lab/treebatch/pkg/vocab"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// epochSummary accumulates per-epoch figures for the stream report.
type epochSummary struct {
	batches    int
	records    int
	realTokens int
	padTokens  int
	started    time.Time
}

func (s *epochSummary) add(b bitext.Batch) {
	s.batches++
	s.records += b.Len()
	longest := 0
	for _, tgt := range b.Target {
		s.realTokens += len(tgt)
		if len(tgt) > longest {
			longest = len(tgt)
		}
	}
	s.padTokens += longest * len(b.Target)
}

// efficiency is the share of non-padding target tokens if every batch were
// padded to its longest target.
func (s *epochSummary) efficiency() float64 {
	if s.padTokens == 0 {
		return 0
	}
	return float64(s.realTokens) / float64(s.padTokens)
}

func countLines(path string) (int64, error) {
	r, err := fopen.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var n int64
	for {
		_, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

type progressStore struct {
	store *checkpoint.Store
	base  checkpoint.Progress
}

func openProgress(cfg *config.Config, logger *logging.Logger) (*progressStore, error) {
	if !cfg.Checkpoint.Enabled {
		return nil, nil
	}
	store, err := checkpoint.Open(cfg.Checkpoint.DBPath)
	if err != nil {
		return nil, err
	}
	base, err := store.LoadOrNew(cfg.Corpus.Source)
	if err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("Resuming counters for %s: %d epochs, %d batches", base.Corpus, base.Epochs, base.Batches)
	return &progressStore{store: store, base: base}, nil
}

func (p *progressStore) save(s bitext.Stats) error {
	if p == nil {
		return nil
	}
	progress := p.base.Add(s)
	progress.UpdatedAt = time.Now()
	return p.store.Save(progress)
}

func (p *progressStore) Close() error {
	if p == nil {
		return nil
	}
	return p.store.Close()
}

func runStream(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	var f iteratorFlags
	f.register(fs)
	epochs := fs.Int("epochs", 1, "Number of epochs to iterate")
	noProgress := fs.Bool("no-progress", false, "Disable the progress bar")
	fs.Parse(args)

	cfg, err := f.load(fs)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	it, err := newIterator(cfg, logger)
	if err != nil {
		return err
	}
	defer it.Close()

	progress, err := openProgress(cfg, logger)
	if err != nil {
		return err
	}
	defer progress.Close()

	var total int64
	if !*noProgress {
		if total, err = countLines(cfg.Corpus.Source); err != nil {
			logger.Warn("Could not count lines of %s: %v", cfg.Corpus.Source, err)
		}
	}

	var p *mpb.Progress
	if !*noProgress {
		p = mpb.NewWithContext(ctx, mpb.WithWidth(80), mpb.WithOutput(os.Stderr))
	}

	for epoch := 1; epoch <= *epochs; epoch++ {
		var bar *mpb.Bar
		if p != nil {
			bar = p.AddBar(total,
				mpb.PrependDecorators(
					decor.Name(fmt.Sprintf("Epoch %d: ", epoch)),
					decor.Percentage(decor.WCSyncSpace),
				),
				mpb.AppendDecorators(
					decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
				),
			)
		}

		summary := epochSummary{started: time.Now()}
		dropped := it.Stats().Dropped
		err := it.Epoch(ctx, func(b bitext.Batch) error {
			summary.add(b)
			if bar != nil {
				now := it.Stats().Dropped
				bar.IncrBy(b.Len() + int(now-dropped))
				dropped = now
			}
			return nil
		})
		if bar != nil {
			bar.SetTotal(-1, true)
		}
		if err != nil {
			if p != nil {
				p.Wait()
			}
			return err
		}

		logger.Info("Epoch %d: %d batches, %d records, target fill %.1f%%, %v",
			epoch, summary.batches, summary.records, summary.efficiency()*100,
			time.Since(summary.started).Round(time.Millisecond))

		if err := progress.save(it.Stats()); err != nil {
			logger.Warn("Failed to save progress: %v", err)
		}
	}
	if p != nil {
		p.Wait()
	}

	s := it.Stats()
	logger.Info("Done: %d epochs, %d batches, %d records, %d dropped, %d read errors",
		s.Epochs, s.Batches, s.Records, s.Dropped, s.ReadErrors)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var f iteratorFlags
	f.register(fs)
	out := fs.String("out", "batches.parquet", "Output file (.parquet or .arrow)")
	epochs := fs.Int("epochs", 1, "Number of epochs to export")
	fs.Parse(args)

	cfg, err := f.load(fs)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	it, err := newIterator(cfg, logger)
	if err != nil {
		return err
	}
	defer it.Close()

	w, err := export.New(*out)
	if err != nil {
		return err
	}

	for epoch := 0; epoch < *epochs; epoch++ {
		batch := 0
		err := it.Epoch(ctx, func(b bitext.Batch) error {
			if err := w.WriteBatch(epoch, batch, b); err != nil {
				return err
			}
			batch++
			return nil
		})
		if err != nil {
			w.Close()
			return err
		}
		logger.Info("Exported epoch %d: %d batches", epoch, batch)
	}

	if err := w.Close(); err != nil {
		return err
	}
	logger.Info("Wrote %s (%d records)", *out, it.Stats().Records)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var f iteratorFlags
	f.register(fs)
	listen := fs.String("listen", "", "Listen address (overrides config)")
	fs.Parse(args)

	cfg, err := f.load(fs)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	it, err := newIterator(cfg, logger)
	if err != nil {
		return err
	}
	defer it.Close()

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Checkpoint.Enabled {
		store, err := checkpoint.Open(cfg.Checkpoint.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, server.WithCheckpoint(store))
	}

	setGinMode(cfg.Server.Mode)
	srv, err := server.New(it, opts...)
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.Server.Listen)
}

func setGinMode(mode string) {
	switch mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
}

func runShuffle(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("shuffle", flag.ExitOnError)
	seed := fs.Int64("seed", 0, "Shuffle seed (0 = clock)")
	logLevel := fs.String("log-level", "info", "debug, info, warn, error")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return errors.New("no input files")
	}
	logger, err := logging.NewLogger(&logging.LoggingConfig{Level: *logLevel, Output: "stderr"})
	if err != nil {
		return err
	}
	defer logger.Close()

	s := shuffle.NewFileShuffler(*seed)
	s.Logger = logger
	outputs, err := s.Shuffle(ctx, fs.Args())
	if err != nil {
		return err
	}
	for _, out := range outputs {
		logger.Info("Wrote %s", out)
	}
	return nil
}

func runBuildVocab(args []string) error {
	fs := flag.NewFlagSet("build-vocab", flag.ExitOnError)
	out := fs.String("out", "", "Output vocabulary (.json or .yaml); defaults to <first input>.json")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return errors.New("no input corpora")
	}
	b := vocab.NewBuilder()
	for _, path := range fs.Args() {
		if err := b.AddFile(path); err != nil {
			return err
		}
	}
	v := b.Build()

	dst := *out
	if dst == "" {
		dst = fs.Arg(0) + ".json"
	}
	if err := v.Save(dst); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d entries)\n", dst, v.Len())
	return nil
}
