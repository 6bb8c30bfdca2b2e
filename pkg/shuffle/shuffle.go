// Package shuffle rewrites line-aligned corpora under one common random
// permutation.
package shuffle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lab/treebatch/pkg/fopen"
)

// Suffix is appended to every shuffled output path.
const Suffix = ".shuf"

var ErrLineCountMismatch = errors.New("aligned files have different line counts")

// Shuffler produces shuffled copies of aligned files and returns their
// paths in input order.
type Shuffler interface {
	Shuffle(ctx context.Context, paths []string) ([]string, error)
}

// Func adapts a plain function to Shuffler.
type Func func(ctx context.Context, paths []string) ([]string, error)

func (f Func) Shuffle(ctx context.Context, paths []string) ([]string, error) {
	return f(ctx, paths)
}

type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}

// FileShuffler loads every input file, draws one permutation and writes
// path+".shuf" for each input. Outputs are plain text regardless of the
// input compression. Repeated calls overwrite previous outputs.
type FileShuffler struct {
	// Seed fixes the permutation sequence; zero seeds from the clock.
	Seed int64
	// PadShort appends empty lines to shorter files instead of failing with
	// ErrLineCountMismatch.
	PadShort bool
	Logger   Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewFileShuffler(seed int64) *FileShuffler {
	return &FileShuffler{Seed: seed}
}

func (s *FileShuffler) logger() Logger {
	if s.Logger == nil {
		return nopLogger{}
	}
	return s.Logger
}

// Output returns the shuffled path for an input path.
func Output(path string) string {
	return path + Suffix
}

// Unshuffled strips the shuffle suffix from path, if present.
func Unshuffled(path string) string {
	return strings.TrimSuffix(path, Suffix)
}

func (s *FileShuffler) Shuffle(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	columns := make([][]string, len(paths))
	longest := 0
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, err := readLines(path)
		if err != nil {
			return nil, err
		}
		if i > 0 && len(lines) != len(columns[0]) && !s.PadShort {
			return nil, fmt.Errorf("%w: %s has %d lines, %s has %d",
				ErrLineCountMismatch, paths[0], len(columns[0]), path, len(lines))
		}
		columns[i] = lines
		if len(lines) > longest {
			longest = len(lines)
		}
	}
	for i, lines := range columns {
		if n := longest - len(lines); n > 0 {
			s.logger().Debug("Padding %s with %d empty lines", paths[i], n)
			columns[i] = append(lines, padding(n)...)
		}
	}

	perm := s.permutation(longest)

	outputs := make([]string, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := Output(path)
		if err := writeLines(out, columns[i], perm); err != nil {
			return nil, err
		}
		outputs[i] = out
	}

	s.logger().Debug("Shuffled %d files of %d lines", len(paths), len(perm))
	return outputs, nil
}

func (s *FileShuffler) permutation(n int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		seed := s.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewSource(seed))
	}
	return s.rng.Perm(n)
}

func padding(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "\n"
	}
	return lines
}

func readLines(path string) ([]string, error) {
	r, err := fopen.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var lines []string
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		lines = append(lines, line)
	}
}

func writeLines(path string, lines []string, perm []int) error {
	tmpPath := path + ".tmp"
	w, err := fopen.Create(tmpPath)
	if err != nil {
		return err
	}
	for _, idx := range perm {
		if _, err := io.WriteString(w, lines[idx]); err != nil {
			w.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
