package bitext

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lab/treebatch/pkg/fopen"
	"github.com/stretchr/testify/require"
)

type corpus struct {
	source []string
	target []string
	tree   []string
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	body := ""
	if len(lines) > 0 {
		body = strings.Join(lines, "\n") + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func writeVocab(t *testing.T, path string, ids map[string]int) {
	t.Helper()
	data, err := json.Marshal(ids)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// vocabFor assigns ids from 2 upward to every token of lines, in order of
// first appearance.
func vocabFor(lines []string) map[string]int {
	ids := map[string]int{"eos": 0, "UNK": 1}
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			if _, ok := ids[tok]; !ok {
				ids[tok] = len(ids)
			}
		}
	}
	return ids
}

func setup(t *testing.T, c corpus) Paths {
	t.Helper()
	dir := t.TempDir()
	p := Paths{
		Source:     filepath.Join(dir, "train.src"),
		Target:     filepath.Join(dir, "train.tgt"),
		SourceTree: filepath.Join(dir, "train.tree"),
		SourceDict: filepath.Join(dir, "src.json"),
		TargetDict: filepath.Join(dir, "tgt.json"),
	}
	writeLines(t, p.Source, c.source)
	writeLines(t, p.Target, c.target)
	writeLines(t, p.SourceTree, c.tree)
	writeVocab(t, p.SourceDict, vocabFor(c.source))
	writeVocab(t, p.TargetDict, vocabFor(c.target))
	return p
}

func newIterator(t *testing.T, p Paths, opts Options) *Iterator {
	t.Helper()
	it, err := New(p, opts)
	require.NoError(t, err)
	t.Cleanup(func() { it.Close() })
	return it
}

// collectEpoch pulls until ErrEndOfEpoch and returns the batches.
func collectEpoch(t *testing.T, it *Iterator) []Batch {
	t.Helper()
	var out []Batch
	for i := 0; ; i++ {
		require.Less(t, i, 100000, "epoch never ended")
		b, err := it.Next()
		if errors.Is(err, ErrEndOfEpoch) {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

// faultyReader fails with a non-EOF error once failAt lines have been read,
// and only during the first pass over the file.
type faultyReader struct {
	fopen.LineReader
	failAt int
	read   int
	armed  bool
}

var errDisk = errors.New("disk gone")

func (f *faultyReader) ReadLine() (string, error) {
	if f.armed && f.read == f.failAt {
		f.armed = false
		return "", errDisk
	}
	f.read++
	return f.LineReader.ReadLine()
}

func (f *faultyReader) Rewind() error {
	f.read = 0
	return f.LineReader.Rewind()
}
